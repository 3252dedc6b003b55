// Package queue abstracts where incident messages come from. The worker pool
// pulls Deliveries from a Source without caring whether they arrive over a
// JetStream work queue (continuous mode) or from a file loaded into memory
// (bounded replay mode).
package queue

import (
	"context"
	"time"
)

// Delivery is one leased incident message. Exactly one of Ack, Requeue, or
// Reject settles it; Extend may be called any number of times before that.
type Delivery interface {
	// Body returns the raw message payload.
	Body() []byte

	// Attempt returns the 1-based delivery attempt for this message.
	Attempt() int

	// Ack marks the delivery fully processed; it will not be seen again.
	Ack() error

	// Requeue hands the delivery back for a later attempt.
	Requeue(delay time.Duration) error

	// Reject drops the delivery permanently without further attempts.
	Reject() error

	// Extend renews the processing lease so a slow incident is not
	// redelivered to another worker mid-flight.
	Extend() error
}

// Source produces deliveries for the worker pool. Next blocks until a
// delivery is available or the context ends. A drained source returns
// io.EOF, which workers treat as a clean stop.
//
// Next is safe for concurrent use; each delivery goes to exactly one caller.
type Source interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}
