package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-triage/internal/metrics"
	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// JetStreamQueue publishes dead letters to NATS JetStream, one subject per
// failed stage. Safe to share across worker instances.
type JetStreamQueue struct {
	js      *nats.JetStreamClient
	stream  jetstream.Stream
	logger  *logging.Logger
	written uint64
}

// NewJetStreamQueue creates a dead-letter queue backed by the TRIAGE_DLQ
// stream, creating the stream if needed.
func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, logger *logging.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.DLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Debug("dead-letter stream ready", "stream", nats.DLQStream.Name)

	return &JetStreamQueue{
		js:     js,
		stream: stream,
		logger: logger,
	}, nil
}

// Write publishes a dead letter to triage.dlq.<stage>. A nil queue is a
// disabled queue; writes to it succeed silently.
func (q *JetStreamQueue) Write(ctx context.Context, letter *model.DeadLetter) error {
	if q == nil {
		return nil
	}

	data, err := json.Marshal(letter)
	if err != nil {
		q.logger.Error("failed to marshal dead letter", logging.Error(err))
		return err
	}

	subject := messaging.DLQSubject(string(letter.FailedStage))
	if err := q.js.Publish(ctx, subject, data); err != nil {
		q.logger.Error("failed to publish dead letter", logging.Subject(subject), logging.Error(err))
		return err
	}

	atomic.AddUint64(&q.written, 1)
	metrics.DeadLettersTotal.WithLabelValues(stageLabel(letter.FailedStage)).Inc()
	q.logger.Warn("dead letter published",
		logging.Subject(subject),
		logging.Stage(string(letter.FailedStage)),
		"reason", letter.FailureReason,
	)

	return nil
}

// Stats reports stream totals alongside the local write counter.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	if q == nil {
		return map[string]interface{}{
			"enabled": false,
			"backend": "jetstream",
		}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		q.logger.Error("failed to get dlq stream info", logging.Error(err))
		return map[string]interface{}{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
		"consumer_count": info.State.Consumers,
	}
}

// List reads up to limit dead letters through an ephemeral consumer without
// consuming them.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if q == nil {
		return nil, fmt.Errorf("dlq not enabled")
	}

	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: messaging.SubjectDLQPrefix + ".>",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var letters []model.DeadLetter
	for msg := range msgs.Messages() {
		var letter model.DeadLetter
		if err := json.Unmarshal(msg.Data(), &letter); err != nil {
			q.logger.Error("failed to parse dead letter", logging.Error(err))
			continue
		}
		letters = append(letters, letter)
	}

	if msgs.Error() != nil {
		q.logger.Warn("dlq fetch completed with error", logging.Error(msgs.Error()))
	}

	return letters, nil
}

// Purge removes all dead letters from the stream.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("dlq not enabled")
	}

	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}

	q.logger.Info("dead-letter stream purged")
	return nil
}
