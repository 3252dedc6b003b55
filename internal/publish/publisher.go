// Package publish emits completion summaries for finished incidents. The
// publish stage is the last side effect before a delivery is acknowledged,
// so exhausting its retry budget dead-letters the incident.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging"
	"github.com/telhawk-systems/telhawk-triage/internal/metrics"
	"github.com/telhawk-systems/telhawk-triage/internal/model"
	"github.com/telhawk-systems/telhawk-triage/internal/retry"
)

// Config holds publish retry settings.
type Config struct {
	// Subject is where completion summaries go.
	Subject string

	// Attempts is the total publish budget, including the first try.
	Attempts int

	// BackoffBase is the delay before the first retry; later delays double
	// up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Jitter spreads concurrent retries (fraction shaved off each delay).
	Jitter float64

	// Timeout bounds each publish attempt.
	Timeout time.Duration
}

// DefaultConfig returns the production publish policy.
func DefaultConfig() Config {
	return Config{
		Subject:     messaging.SubjectCompletedResults,
		Attempts:    5,
		BackoffBase: 1 * time.Second,
		BackoffCap:  30 * time.Second,
		Jitter:      0.2,
		Timeout:     10 * time.Second,
	}
}

// PublishError is the terminal failure of the publish stage.
type PublishError struct {
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Publisher publishes completion summaries with bounded retries.
type Publisher struct {
	cfg    Config
	pub    messaging.Publisher
	logger *logging.Logger
}

// New wraps a broker publisher with the retry policy.
func New(cfg Config, pub messaging.Publisher, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{cfg: cfg, pub: pub, logger: logger}
}

// Publish emits the completion summary, retrying transient broker failures
// until the attempt budget runs out.
func (p *Publisher) Publish(ctx context.Context, out *model.OutputMessage) error {
	data, err := json.Marshal(out)
	if err != nil {
		return &PublishError{Attempts: 0, Err: err}
	}

	policy := retry.Policy{
		Base:     p.cfg.BackoffBase,
		Cap:      p.cfg.BackoffCap,
		Attempts: p.cfg.Attempts,
		Jitter:   p.cfg.Jitter,
	}

	var attempts int
	err = policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			metrics.PublishRetries.Inc()
		}

		if err := p.attempt(ctx, data); err != nil {
			p.logger.Warn("publish attempt failed",
				logging.IncidentID(out.Incident.IncidentID),
				logging.Attempt(attempts),
				logging.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &PublishError{Attempts: attempts, Err: err}
	}

	p.logger.Info("completion published",
		logging.IncidentID(out.Incident.IncidentID),
		"subject", p.cfg.Subject,
		logging.Attempt(attempts))
	return nil
}

func (p *Publisher) attempt(ctx context.Context, data []byte) error {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	return p.pub.Publish(ctx, p.cfg.Subject, data)
}
