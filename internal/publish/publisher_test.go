package publish

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

type fakeBroker struct {
	mu       sync.Mutex
	failures int // publishes that fail before the broker recovers
	calls    int
	subjects []string
	payloads [][]byte
}

func (b *fakeBroker) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	b.subjects = append(b.subjects, subject)
	b.payloads = append(b.payloads, append([]byte(nil), data...))
	if b.calls <= b.failures {
		return errors.New("broker unavailable")
	}
	return nil
}

func (b *fakeBroker) Close() error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 2 * time.Millisecond
	return cfg
}

func testOutput() *model.OutputMessage {
	return &model.OutputMessage{
		Incident: model.IncidentRef{
			IncidentID: "INC-1",
			CompanyID:  "acme",
			Service:    "payments",
			Env:        "prod",
		},
		Sources: map[string]model.SourceURL{
			"logs":     {URL: "http://store/triage-artifacts/acme/prod/INC-1/logs.json"},
			"analysis": {URL: "http://store/triage-artifacts/acme/prod/INC-1/analysis.json"},
		},
	}
}

func TestPublisher_Publish(t *testing.T) {
	broker := &fakeBroker{}
	pub := New(testConfig(), broker, nil)

	if err := pub.Publish(context.Background(), testOutput()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if broker.calls != 1 {
		t.Errorf("Expected 1 publish, got %d", broker.calls)
	}
	if broker.subjects[0] != "triage.results.completed" {
		t.Errorf("Expected subject triage.results.completed, got %q", broker.subjects[0])
	}

	var sent model.OutputMessage
	if err := json.Unmarshal(broker.payloads[0], &sent); err != nil {
		t.Fatalf("Failed to unmarshal published payload: %v", err)
	}
	if sent.Incident.IncidentID != "INC-1" {
		t.Errorf("Expected incident INC-1, got %q", sent.Incident.IncidentID)
	}
	if _, ok := sent.Sources["analysis"]; !ok {
		t.Error("Expected payload to carry the analysis source")
	}
}

func TestPublisher_Publish_RetriesUntilSuccess(t *testing.T) {
	broker := &fakeBroker{failures: 2}
	pub := New(testConfig(), broker, nil)

	if err := pub.Publish(context.Background(), testOutput()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if broker.calls != 3 {
		t.Errorf("Expected 3 publishes, got %d", broker.calls)
	}
}

func TestPublisher_Publish_ExhaustsBudget(t *testing.T) {
	broker := &fakeBroker{failures: 100}
	cfg := testConfig()
	cfg.Attempts = 3
	pub := New(cfg, broker, nil)

	err := pub.Publish(context.Background(), testOutput())
	if err == nil {
		t.Fatal("Expected an error once the attempt budget is exhausted")
	}

	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("Expected a PublishError, got %T", err)
	}
	if pubErr.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", pubErr.Attempts)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if broker.calls != 3 {
		t.Errorf("Expected 3 publishes, got %d", broker.calls)
	}
}

func TestPublisher_Publish_ContextCanceled(t *testing.T) {
	broker := &fakeBroker{failures: 100}
	cfg := testConfig()
	cfg.BackoffBase = 100 * time.Millisecond
	pub := New(cfg, broker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := pub.Publish(ctx, testOutput())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if broker.calls != 1 {
		t.Errorf("Expected the backoff sleep to be interrupted after 1 publish, got %d", broker.calls)
	}
}

func TestFilePublisher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.ndjson")

	fp, err := NewFilePublisher(path)
	if err != nil {
		t.Fatalf("Failed to create file publisher: %v", err)
	}

	first, _ := json.Marshal(testOutput())
	if err := fp.Publish(context.Background(), "triage.results.completed", first); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	second, _ := json.Marshal(testOutput())
	if err := fp.Publish(context.Background(), "triage.results.completed", second); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := fp.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read output file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}

	var out model.OutputMessage
	if err := json.Unmarshal([]byte(lines[0]), &out); err != nil {
		t.Fatalf("Failed to unmarshal line: %v", err)
	}
	if out.Incident.IncidentID != "INC-1" {
		t.Errorf("Expected incident INC-1, got %q", out.Incident.IncidentID)
	}

	// Reopening appends rather than truncating.
	fp, err = NewFilePublisher(path)
	if err != nil {
		t.Fatalf("Failed to reopen file publisher: %v", err)
	}
	if err := fp.Publish(context.Background(), "triage.results.completed", first); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	fp.Close()

	data, _ = os.ReadFile(path)
	if got := len(strings.Split(strings.TrimSpace(string(data)), "\n")); got != 3 {
		t.Errorf("Expected 3 lines after reopen, got %d", got)
	}
}

func TestFilePublisher_ContextCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.ndjson")
	fp, err := NewFilePublisher(path)
	if err != nil {
		t.Fatalf("Failed to create file publisher: %v", err)
	}
	defer fp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := fp.Publish(ctx, "triage.results.completed", []byte(`{}`)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	data, _ := os.ReadFile(path)
	if len(data) != 0 {
		t.Errorf("Expected no output after canceled publish, got %q", data)
	}
}
