package publish

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// FilePublisher satisfies messaging.Publisher by appending each payload as
// one NDJSON line. Bounded replay runs use it so completion summaries land
// in a file instead of a broker; the subject is ignored because the file is
// a single logical stream.
type FilePublisher struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewFilePublisher opens (or creates) the output file for appending.
func NewFilePublisher(path string) (*FilePublisher, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file %s: %w", path, err)
	}
	return &FilePublisher{f: f, path: path}, nil
}

// Publish appends one line. Payloads are JSON documents, so lines never
// split a record.
func (p *FilePublisher) Publish(ctx context.Context, _ string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", p.path, err)
	}
	return nil
}

// Close flushes and closes the output file.
func (p *FilePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.f.Sync(); err != nil {
		p.f.Close()
		return err
	}
	return p.f.Close()
}
