// Package messaging defines the broker-facing contracts for the triage
// pipeline. Components depend on these interfaces rather than a concrete
// broker so that bounded replay runs can swap NATS for file-backed
// implementations.
package messaging

import "context"

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a message to the specified subject and does not return
	// until the broker (or its substitute) has accepted it.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close releases any resources held by the publisher.
	Close() error
}
