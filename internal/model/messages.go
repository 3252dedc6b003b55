package model

import (
	"encoding/json"
	"time"
)

// AnalysisSourceKey is the sources-map key carrying the analysis artifact on
// output payloads, alongside the per-signal keys.
const AnalysisSourceKey = "analysis"

// SourceURL points a downstream consumer at one stored artifact.
type SourceURL struct {
	URL string `json:"url"`
}

// OutputMessage is published to triage.results.completed when an incident
// run completes. Sources holds one entry per stored evidence type plus an
// "analysis" entry; source types that failed to fetch are omitted.
type OutputMessage struct {
	Incident IncidentRef          `json:"incident"`
	Sources  map[string]SourceURL `json:"sources"`
}

// NewOutputMessage assembles the completion summary from a descriptor.
func NewOutputMessage(inc Incident, desc *ArtifactDescriptor) OutputMessage {
	out := OutputMessage{
		Incident: inc.Ref(),
		Sources:  make(map[string]SourceURL, len(desc.Raw)+1),
	}
	for st, ref := range desc.Raw {
		out.Sources[string(st)] = SourceURL{URL: ref.URL}
	}
	if desc.Analysis != nil {
		out.Sources[AnalysisSourceKey] = SourceURL{URL: desc.Analysis.URL}
	}
	return out
}

// DeadLetter is published to triage.dlq.<stage> when an incident permanently
// fails. It carries the original message unmodified so operators can replay
// it after fixing the cause.
type DeadLetter struct {
	Timestamp time.Time `json:"timestamp"`

	// Message is the original incident message as received.
	Message json.RawMessage `json:"message"`

	// FailureReason describes why the incident could not complete.
	FailureReason string `json:"failure_reason"`

	// FailedStage is the stage whose completion failed.
	FailedStage State `json:"failed_stage"`

	// Attempts is how many deliveries were made before giving up.
	Attempts int `json:"attempts"`

	LastAttempt time.Time `json:"last_attempt"`
}
