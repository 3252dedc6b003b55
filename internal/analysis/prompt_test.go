package analysis

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

func testIncident() model.Incident {
	return model.Incident{
		IncidentID: "INC-1",
		CompanyID:  "acme",
		Service:    "payments",
		Env:        "prod",
		TimeWindow: model.TimeWindow{
			Start: time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 3, 2, 11, 0, 0, 0, time.UTC),
		},
	}
}

func testBundle(results map[model.SourceType]model.SourceResult) *model.EvidenceBundle {
	return &model.EvidenceBundle{
		IncidentID: "INC-1",
		FetchedAt:  time.Now().UTC(),
		Results:    results,
	}
}

func TestBuildPrompt_IncludesIncidentAndEvidence(t *testing.T) {
	bundle := testBundle(map[model.SourceType]model.SourceResult{
		model.SourceLogs: {
			Type:     model.SourceLogs,
			Response: json.RawMessage(`{"rows":[{"body":"connection refused"}]}`),
			Rows:     12,
		},
	})

	prompt := buildPrompt(testIncident(), bundle, 1024)

	for _, want := range []string{
		"INC-1",
		`"payments"`,
		`"prod"`,
		"2025-03-02T10:00:00Z",
		"2025-03-02T11:00:00Z",
		"--- logs (12 rows) ---",
		"connection refused",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Expected prompt to contain %q, got:\n%s", want, prompt)
		}
	}
}

func TestBuildPrompt_CanonicalSourceOrder(t *testing.T) {
	bundle := testBundle(map[model.SourceType]model.SourceResult{
		model.SourceMetrics: {Type: model.SourceMetrics, Response: json.RawMessage(`{"m":1}`), Rows: 1},
		model.SourceLogs:    {Type: model.SourceLogs, Response: json.RawMessage(`{"l":1}`), Rows: 1},
		model.SourceTraces:  {Type: model.SourceTraces, Response: json.RawMessage(`{"t":1}`), Rows: 1},
	})

	prompt := buildPrompt(testIncident(), bundle, 1024)

	logsAt := strings.Index(prompt, "--- logs")
	tracesAt := strings.Index(prompt, "--- traces")
	metricsAt := strings.Index(prompt, "--- metrics")
	if logsAt < 0 || tracesAt < 0 || metricsAt < 0 {
		t.Fatalf("Expected all three sources in prompt, got:\n%s", prompt)
	}
	if !(logsAt < tracesAt && tracesAt < metricsAt) {
		t.Errorf("Expected logs before traces before metrics, got positions %d/%d/%d", logsAt, tracesAt, metricsAt)
	}
}

func TestBuildPrompt_NamesFailedSources(t *testing.T) {
	bundle := testBundle(map[model.SourceType]model.SourceResult{
		model.SourceLogs:   {Type: model.SourceLogs, Response: json.RawMessage(`{"l":1}`), Rows: 1},
		model.SourceTraces: {Type: model.SourceTraces, Error: "query failed with status 500: down"},
	})

	prompt := buildPrompt(testIncident(), bundle, 1024)

	if !strings.Contains(prompt, "could not be fetched: traces") {
		t.Errorf("Expected prompt to name the failed source, got:\n%s", prompt)
	}
	if strings.Contains(prompt, "--- traces") {
		t.Errorf("Expected no evidence section for the failed source, got:\n%s", prompt)
	}
}

func TestBuildPrompt_TruncatesEvidence(t *testing.T) {
	oversized := `{"rows":"` + strings.Repeat("x", 200) + `"}`
	bundle := testBundle(map[model.SourceType]model.SourceResult{
		model.SourceLogs: {Type: model.SourceLogs, Response: json.RawMessage(oversized), Rows: 1},
	})

	prompt := buildPrompt(testIncident(), bundle, 64)

	if !strings.Contains(prompt, "[evidence truncated]") {
		t.Error("Expected oversized evidence to carry the truncation marker")
	}
	if strings.Contains(prompt, strings.Repeat("x", 100)) {
		t.Error("Expected evidence beyond the budget to be cut")
	}
}

func TestTruncateEvidence_UnderBudget(t *testing.T) {
	raw := []byte(`{"rows":[]}`)
	if got := truncateEvidence(raw, 1024); got != string(raw) {
		t.Errorf("Expected evidence under budget untouched, got %q", got)
	}
	if got := truncateEvidence(raw, 0); got != string(raw) {
		t.Errorf("Expected zero budget to disable truncation, got %q", got)
	}
}
