// Package claims guards against two workers processing the same incident at
// once. A claim is a Redis key with the visibility-window TTL: redeliveries
// of an incident whose claim is still held get requeued instead of
// double-processed, and the TTL releases claims held by crashed workers.
package claims

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/internal/metrics"
)

// Store tracks in-flight incident claims in Redis.
type Store struct {
	redis   *redis.Client
	ttl     time.Duration
	enabled bool
	logger  *logging.Logger
}

// New creates a claim store. With enabled false or a nil client the store is
// disabled: every Claim succeeds and Release/Extend are no-ops, so the
// pipeline runs without Redis.
func New(client *redis.Client, ttl time.Duration, enabled bool, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		redis:   client,
		ttl:     ttl,
		enabled: enabled,
		logger:  logger,
	}
}

// Connect builds a Redis client from the URL and verifies connectivity.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return client, nil
}

// IsEnabled returns whether claims are actually tracked.
func (s *Store) IsEnabled() bool {
	return s != nil && s.enabled && s.redis != nil
}

// Claim marks the incident as in flight for the claim TTL. Returns false
// when another live worker already holds the claim. A disabled store always
// claims.
func (s *Store) Claim(ctx context.Context, incidentID string) (bool, error) {
	if !s.IsEnabled() {
		return true, nil
	}

	ok, err := s.redis.SetNX(ctx, claimKey(incidentID), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim incident: %w", err)
	}

	if !ok {
		metrics.ClaimConflicts.Inc()
		s.logger.Debug("incident already claimed", logging.IncidentID(incidentID))
	}

	return ok, nil
}

// Extend re-asserts the claim with a fresh TTL. Called alongside queue lease
// extensions so the claim never expires under a live worker.
func (s *Store) Extend(ctx context.Context, incidentID string) error {
	if !s.IsEnabled() {
		return nil
	}

	// Plain SET: the worker owns the claim, and re-setting also recovers a
	// claim that expired mid-flight.
	if err := s.redis.Set(ctx, claimKey(incidentID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to extend claim: %w", err)
	}

	return nil
}

// Release drops the claim once the incident reaches a terminal state.
func (s *Store) Release(ctx context.Context, incidentID string) error {
	if !s.IsEnabled() {
		return nil
	}

	if err := s.redis.Del(ctx, claimKey(incidentID)).Err(); err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}

	return nil
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	if s == nil || s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

func claimKey(incidentID string) string {
	return "claim:" + incidentID
}
