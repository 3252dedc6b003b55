package queue

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
)

var (
	_ Source   = (*MemorySource)(nil)
	_ Delivery = (*memoryDelivery)(nil)
)

// MemorySource serves a finite list of messages for bounded replay runs.
// Requeued deliveries go to the back of the list with the attempt bumped;
// once every message is settled, Next returns io.EOF.
type MemorySource struct {
	logger *logging.Logger

	mu       sync.Mutex
	pending  []memoryItem
	inflight int
	closed   bool
}

type memoryItem struct {
	body    []byte
	attempt int
}

// NewMemorySource builds a source over the given message bodies, each
// starting at attempt 1.
func NewMemorySource(messages [][]byte, logger *logging.Logger) *MemorySource {
	if logger == nil {
		logger = logging.Default()
	}
	pending := make([]memoryItem, 0, len(messages))
	for _, body := range messages {
		pending = append(pending, memoryItem{body: body, attempt: 1})
	}
	return &MemorySource{
		logger:  logger,
		pending: pending,
	}
}

// Next pops the next message. When the list is empty it waits for in-flight
// deliveries to settle, since any of them may still requeue, then returns
// io.EOF.
func (s *MemorySource) Next(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, io.EOF
		}
		if len(s.pending) > 0 {
			item := s.pending[0]
			s.pending = s.pending[1:]
			s.inflight++
			s.mu.Unlock()
			return &memoryDelivery{src: s, body: item.body, attempt: item.attempt}, nil
		}
		drained := s.inflight == 0
		s.mu.Unlock()

		if drained {
			return nil, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close discards any remaining messages; subsequent Next calls return io.EOF.
func (s *MemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
	return nil
}

// Remaining reports how many messages are still queued.
func (s *MemorySource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

type memoryDelivery struct {
	src     *MemorySource
	body    []byte
	attempt int
	settled uint32
}

func (d *memoryDelivery) Body() []byte {
	return d.body
}

func (d *memoryDelivery) Attempt() int {
	return d.attempt
}

func (d *memoryDelivery) Ack() error {
	return d.settle(nil)
}

// Requeue puts the message at the back of the list with the attempt bumped.
// The delay is ignored: batch replays retry immediately.
func (d *memoryDelivery) Requeue(delay time.Duration) error {
	return d.settle(&memoryItem{body: d.body, attempt: d.attempt + 1})
}

func (d *memoryDelivery) Reject() error {
	return d.settle(nil)
}

func (d *memoryDelivery) Extend() error {
	return nil
}

func (d *memoryDelivery) settle(requeue *memoryItem) error {
	if !atomic.CompareAndSwapUint32(&d.settled, 0, 1) {
		return fmt.Errorf("delivery already settled")
	}
	d.src.mu.Lock()
	defer d.src.mu.Unlock()
	if requeue != nil && !d.src.closed {
		d.src.pending = append(d.src.pending, *requeue)
	}
	d.src.inflight--
	return nil
}
