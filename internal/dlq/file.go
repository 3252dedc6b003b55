package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/internal/metrics"
	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// FileQueue writes dead letters to a local directory, one JSON document per
// letter. Suited to bounded runs and development, where no broker exists.
type FileQueue struct {
	basePath string
	logger   *logging.Logger
	mu       sync.Mutex
	written  uint64
}

// NewFileQueue creates a dead-letter queue writing to the given directory,
// creating it if needed.
func NewFileQueue(basePath string, logger *logging.Logger) (*FileQueue, error) {
	if basePath == "" {
		basePath = "dlq"
	}
	if logger == nil {
		logger = logging.Default()
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	return &FileQueue{
		basePath: basePath,
		logger:   logger,
	}, nil
}

// Write records a dead letter as failed_<unix>_<n>.json. A nil queue is a
// disabled queue; writes to it succeed silently.
func (q *FileQueue) Write(ctx context.Context, letter *model.DeadLetter) error {
	if q == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	filename := fmt.Sprintf("failed_%d_%d.json",
		time.Now().Unix(),
		q.written,
	)

	data, err := json.MarshalIndent(letter, "", "  ")
	if err != nil {
		q.logger.Error("failed to marshal dead letter", logging.Error(err))
		return err
	}

	if err := os.WriteFile(filepath.Join(q.basePath, filename), data, 0644); err != nil {
		q.logger.Error("failed to write dead letter", "file", filename, logging.Error(err))
		return err
	}

	q.written++
	metrics.DeadLettersTotal.WithLabelValues(stageLabel(letter.FailedStage)).Inc()
	q.logger.Warn("dead letter written",
		"file", filename,
		logging.Stage(string(letter.FailedStage)),
		"reason", letter.FailureReason,
	)

	return nil
}

// Stats reports the write counter and how many letters are pending on disk.
func (q *FileQueue) Stats(ctx context.Context) map[string]interface{} {
	if q == nil {
		return map[string]interface{}{
			"enabled": false,
			"backend": "file",
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.basePath)
	if err != nil {
		q.logger.Error("failed to read dlq directory", logging.Error(err))
		return map[string]interface{}{
			"enabled":       true,
			"backend":       "file",
			"written":       q.written,
			"pending_files": 0,
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":       true,
		"backend":       "file",
		"written":       q.written,
		"pending_files": len(files),
		"base_path":     q.basePath,
	}
}

// List returns up to limit dead letters, oldest file first. Files that no
// longer parse are skipped rather than failing the whole listing.
func (q *FileQueue) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if q == nil {
		return nil, fmt.Errorf("dlq not enabled")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}

	var letters []model.DeadLetter
	count := 0

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		if limit > 0 && count >= limit {
			break
		}

		data, err := os.ReadFile(filepath.Join(q.basePath, file.Name()))
		if err != nil {
			q.logger.Error("failed to read dlq file", "file", file.Name(), logging.Error(err))
			continue
		}

		var letter model.DeadLetter
		if err := json.Unmarshal(data, &letter); err != nil {
			q.logger.Error("failed to parse dlq file", "file", file.Name(), logging.Error(err))
			continue
		}

		letters = append(letters, letter)
		count++
	}

	return letters, nil
}

// Delete removes the dead letters written at the given Unix timestamp.
func (q *FileQueue) Delete(ctx context.Context, timestamp int64) error {
	if q == nil {
		return fmt.Errorf("dlq not enabled")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	pattern := filepath.Join(q.basePath, fmt.Sprintf("failed_%d_*.json", timestamp))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("search dlq files: %w", err)
	}

	if len(matches) == 0 {
		return fmt.Errorf("dead letter not found")
	}

	for _, match := range matches {
		if err := os.Remove(match); err != nil {
			return fmt.Errorf("delete dlq file: %w", err)
		}
		q.logger.Debug("dead letter deleted", "file", filepath.Base(match))
	}

	return nil
}

// Purge removes all dead letters from the queue directory.
func (q *FileQueue) Purge(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("dlq not enabled")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return fmt.Errorf("read dlq directory: %w", err)
	}

	deleted := 0
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		if err := os.Remove(filepath.Join(q.basePath, file.Name())); err != nil {
			q.logger.Error("failed to delete dlq file", "file", file.Name(), logging.Error(err))
			continue
		}
		deleted++
	}

	q.logger.Info("dead-letter queue purged", "deleted", deleted)
	return nil
}
