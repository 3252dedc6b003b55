package analysis

import (
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

const systemPrompt = `You are an expert system for triaging production incidents from observability evidence.

You are given an incident description and raw evidence gathered from the affected service's observability backends (logs, traces, metrics). Some sources may be missing; analyze what is present and do not refuse because of gaps.

Your task is to:
1. Identify the most likely cause of the incident from the evidence
2. Judge how severe the incident is for the affected service
3. State how confident you are in that judgement

Return ONLY a valid JSON object with this structure:
{
  "summary": "One or two sentences describing what the evidence shows and the most likely cause",
  "severity": "high",
  "confidence": 0.8
}

- severity must be exactly one of: critical, high, medium, low, info
- confidence is a number between 0 and 1

Do not include any markdown formatting, code blocks, or additional text.`

// buildPrompt renders the incident and its gathered evidence into the user
// message. Each present source is quoted up to maxEvidenceBytes; sources
// that failed to fetch are named so the model knows the evidence is partial.
func buildPrompt(inc model.Incident, bundle *model.EvidenceBundle, maxEvidenceBytes int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Incident %s: service %q in env %q, window %s to %s.\n",
		inc.IncidentID, inc.Service, inc.Env,
		inc.TimeWindow.Start.UTC().Format(time.RFC3339),
		inc.TimeWindow.End.UTC().Format(time.RFC3339))

	for _, st := range bundle.Succeeded() {
		r := bundle.Results[st]
		fmt.Fprintf(&b, "\n--- %s (%d rows) ---\n", st, r.Rows)
		b.WriteString(truncateEvidence(r.Response, maxEvidenceBytes))
		b.WriteString("\n")
	}

	if failed := bundle.Failed(); len(failed) > 0 {
		fmt.Fprintf(&b, "\nSources that could not be fetched: %s.\n", joinSourceTypes(failed))
	}

	b.WriteString("\nAnalyze the evidence above and return the verdict JSON.")
	return b.String()
}

func truncateEvidence(raw []byte, max int) string {
	if max <= 0 || len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "\n[evidence truncated]"
}

func joinSourceTypes(types []model.SourceType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
