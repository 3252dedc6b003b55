// Package dlq preserves incidents the pipeline gave up on, so operators can
// inspect them and replay the originals once the underlying cause is fixed.
//
// Two backends exist: a JetStream queue that publishes dead letters to
// triage.dlq.<stage> and is shared across worker instances (the default), and
// a file queue writing one JSON document per letter for single-node and
// bounded runs.
package dlq

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// Writer records dead letters. The pipeline depends on this narrow surface;
// inspection and replay go through Queue.
type Writer interface {
	Write(ctx context.Context, letter *model.DeadLetter) error
}

// Queue is the operator surface over a dead-letter backend: everything the
// dlq CLI needs to inspect, drain, and clear it.
type Queue interface {
	Writer
	List(ctx context.Context, limit int) ([]model.DeadLetter, error)
	Purge(ctx context.Context) error
	Stats(ctx context.Context) map[string]interface{}
}

var (
	_ Queue = (*FileQueue)(nil)
	_ Queue = (*JetStreamQueue)(nil)
)

// NewDeadLetter builds the record for an incident message that permanently
// failed at the given stage. The original message travels unmodified so a
// replay needs no reconstruction.
func NewDeadLetter(message json.RawMessage, cause error, stage model.State, attempts int) *model.DeadLetter {
	now := time.Now().UTC()
	return &model.DeadLetter{
		Timestamp:     now,
		Message:       message,
		FailureReason: cause.Error(),
		FailedStage:   stage,
		Attempts:      attempts,
		LastAttempt:   now,
	}
}

// stageLabel normalizes a pipeline state for metric labels, matching the
// subject token produced by messaging.DLQSubject.
func stageLabel(stage model.State) string {
	return strings.ToLower(string(stage))
}
