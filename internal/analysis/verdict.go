package analysis

import (
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// verdict is the JSON object the model is instructed to return.
type verdict struct {
	Summary    string  `json:"summary"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
}

// verdictText returns the first text block of the response, trimmed.
func verdictText(msg *anthropic.Message) string {
	for _, block := range msg.Content {
		if block.Type == "text" {
			return strings.TrimSpace(block.Text)
		}
	}
	return ""
}

// parseVerdict decodes the model's reply. ok is false when the reply is not
// the instructed JSON object; callers then degrade to a summary-only result
// instead of failing the incident.
func parseVerdict(text string) (verdict, bool) {
	var v verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return verdict{}, false
	}
	if v.Summary == "" {
		return verdict{}, false
	}
	v.Severity = normalizeSeverity(v.Severity)
	v.Confidence = clampConfidence(v.Confidence)
	return v, true
}

// normalizeSeverity lowercases the model's severity and floors anything
// outside the known levels to info.
func normalizeSeverity(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if model.ValidSeverity(s) {
		return s
	}
	return model.SeverityInfo
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
