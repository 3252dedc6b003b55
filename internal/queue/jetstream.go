package queue

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-triage/internal/metrics"
)

const (
	// DefaultFetchWait is the long-poll window for each fetch request.
	DefaultFetchWait = 20 * time.Second

	// maxFetchBackoff caps the delay between failed fetch attempts.
	maxFetchBackoff = 30 * time.Second
)

// JetStreamConfig holds the pull-consumer settings for the incident stream.
type JetStreamConfig struct {
	// Consumer is the durable consumer name shared by the worker pool.
	Consumer string

	// BatchSize is how many messages one fetch may return. With a batch of
	// one, each fetch completes as soon as a message arrives; larger batches
	// trade light-traffic latency for fewer pull requests under load.
	BatchSize int

	// FetchWait is the long-poll window for each fetch.
	FetchWait time.Duration

	// AckWait is the visibility timeout: how long a delivery may stay
	// unacknowledged before the broker hands it to another worker.
	AckWait time.Duration

	// MaxDeliver caps delivery attempts per message.
	MaxDeliver int

	// MaxAckPending caps unacknowledged messages across the pool.
	MaxAckPending int

	// MaxEmptyPolls makes Next return io.EOF after this many consecutive
	// empty fetches. Zero polls forever.
	MaxEmptyPolls int
}

var (
	_ Source   = (*JetStreamSource)(nil)
	_ Delivery = (*jetStreamDelivery)(nil)
)

// JetStreamSource pulls incident messages from the TRIAGE_INCIDENTS work
// queue through a durable consumer.
type JetStreamSource struct {
	consumer jetstream.Consumer
	logger   *logging.Logger

	batchSize     int
	fetchWait     time.Duration
	ackWait       time.Duration
	maxEmptyPolls int

	mu      sync.Mutex
	pending []jetstream.Msg

	emptyPolls uint64
	failures   uint64
	closed     uint64
}

// NewJetStreamSource ensures the incident stream and durable consumer exist
// and returns a source pulling from them.
func NewJetStreamSource(ctx context.Context, js *nats.JetStreamClient, cfg JetStreamConfig, logger *logging.Logger) (*JetStreamSource, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Consumer == "" {
		cfg.Consumer = messaging.ConsumerTriageWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = DefaultFetchWait
	}

	if _, err := js.CreateOrUpdateStream(ctx, nats.IncidentsStream); err != nil {
		return nil, fmt.Errorf("failed to ensure incident stream: %w", err)
	}

	consumerCfg := nats.DefaultConsumerConfig(cfg.Consumer, messaging.SubjectIncomingIncidents)
	if cfg.AckWait > 0 {
		consumerCfg.AckWait = cfg.AckWait
	}
	if cfg.MaxDeliver > 0 {
		consumerCfg.MaxDeliver = cfg.MaxDeliver
	}
	if cfg.MaxAckPending > 0 {
		consumerCfg.MaxAckPending = cfg.MaxAckPending
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, nats.IncidentsStream.Name, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure incident consumer: %w", err)
	}

	logger.Info("incident consumer ready",
		"stream", nats.IncidentsStream.Name,
		"consumer", cfg.Consumer,
		"ack_wait", consumerCfg.AckWait,
		"max_deliver", consumerCfg.MaxDeliver,
	)

	return &JetStreamSource{
		consumer:      consumer,
		logger:        logger,
		batchSize:     cfg.BatchSize,
		fetchWait:     cfg.FetchWait,
		ackWait:       consumerCfg.AckWait,
		maxEmptyPolls: cfg.MaxEmptyPolls,
	}, nil
}

// AckWait returns the consumer's visibility timeout. Workers extend their
// lease at a fraction of this interval.
func (s *JetStreamSource) AckWait() time.Duration {
	return s.ackWait
}

// Next returns the next incident delivery. It long-polls the consumer,
// backing off on fetch errors, and returns io.EOF once the configured
// number of consecutive empty polls is reached.
func (s *JetStreamSource) Next(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if atomic.LoadUint64(&s.closed) == 1 {
			return nil, io.EOF
		}

		if msg := s.takePending(); msg != nil {
			return &jetStreamDelivery{msg: msg}, nil
		}

		// The fetch itself is not context-aware; FetchMaxWait bounds how
		// long a shutdown can be stuck here.
		msgs, err := s.consumer.Fetch(s.batchSize, jetstream.FetchMaxWait(s.fetchWait))
		if err != nil {
			if waitErr := s.backoff(ctx, err); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var batch []jetstream.Msg
		for msg := range msgs.Messages() {
			batch = append(batch, msg)
		}
		if err := msgs.Error(); err != nil {
			if waitErr := s.backoff(ctx, err); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		atomic.StoreUint64(&s.failures, 0)

		if len(batch) == 0 {
			metrics.QueueFetches.WithLabelValues("empty").Inc()
			empties := atomic.AddUint64(&s.emptyPolls, 1)
			if s.maxEmptyPolls > 0 && empties >= uint64(s.maxEmptyPolls) {
				s.logger.Info("queue idle, stopping", "empty_polls", empties)
				return nil, io.EOF
			}
			continue
		}

		atomic.StoreUint64(&s.emptyPolls, 0)
		metrics.QueueFetches.WithLabelValues("message").Inc()

		first := batch[0]
		if len(batch) > 1 {
			s.mu.Lock()
			s.pending = append(s.pending, batch[1:]...)
			s.mu.Unlock()
		}
		return &jetStreamDelivery{msg: first}, nil
	}
}

// takePending pops a message buffered from an earlier multi-message fetch.
func (s *JetStreamSource) takePending() jetstream.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	msg := s.pending[0]
	s.pending = s.pending[1:]
	return msg
}

// backoff sleeps min(2^n, 30s) after the n-th consecutive fetch failure.
func (s *JetStreamSource) backoff(ctx context.Context, cause error) error {
	metrics.QueueFetches.WithLabelValues("error").Inc()
	n := atomic.AddUint64(&s.failures, 1)
	delay := fetchBackoff(n)
	s.logger.Warn("queue fetch failed",
		logging.Error(cause),
		"consecutive_failures", n,
		"backoff", delay,
	)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// fetchBackoff returns the delay after n consecutive fetch failures.
func fetchBackoff(n uint64) time.Duration {
	if n > 5 {
		n = 5
	}
	d := time.Duration(1<<n) * time.Second
	if d > maxFetchBackoff {
		d = maxFetchBackoff
	}
	return d
}

// Close stops the source; subsequent Next calls return io.EOF. Buffered
// messages are left unacknowledged so the broker redelivers them.
func (s *JetStreamSource) Close() error {
	atomic.StoreUint64(&s.closed, 1)
	return nil
}

// jetStreamDelivery adapts one JetStream message to the Delivery contract.
type jetStreamDelivery struct {
	msg jetstream.Msg
}

func (d *jetStreamDelivery) Body() []byte {
	return d.msg.Data()
}

func (d *jetStreamDelivery) Attempt() int {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (d *jetStreamDelivery) Ack() error {
	return d.msg.Ack()
}

func (d *jetStreamDelivery) Requeue(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

func (d *jetStreamDelivery) Reject() error {
	return d.msg.Term()
}

func (d *jetStreamDelivery) Extend() error {
	metrics.LeaseExtensions.Inc()
	return d.msg.InProgress()
}
