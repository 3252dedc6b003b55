package model

import (
	"encoding/json"
	"time"
)

// SourceResult records the outcome of fetching one telemetry source.
// Exactly one of Response or Error is meaningful.
type SourceResult struct {
	Type SourceType `json:"type"`

	// Response is the raw query-range response from the telemetry backend.
	Response json.RawMessage `json:"response,omitempty"`

	// Rows is the number of result rows or series extracted from Response.
	Rows int `json:"rows"`

	// DurationMS is how long the fetch took.
	DurationMS int64 `json:"duration_ms"`

	// Error holds the recorded failure when the fetch did not succeed.
	Error string `json:"error,omitempty"`
}

// OK reports whether the fetch succeeded.
func (r SourceResult) OK() bool {
	return r.Error == ""
}

// EvidenceBundle holds per-source fetch results for one incident.
// A bundle with some failed sources is valid and flagged as partial; a
// bundle where every source failed cannot advance the pipeline.
type EvidenceBundle struct {
	IncidentID string                      `json:"incident_id"`
	FetchedAt  time.Time                   `json:"fetched_at"`
	Results    map[SourceType]SourceResult `json:"results"`
}

// Succeeded returns the source types that fetched successfully, in canonical
// order.
func (b *EvidenceBundle) Succeeded() []SourceType {
	var out []SourceType
	for _, st := range KnownSourceTypes {
		if r, ok := b.Results[st]; ok && r.OK() {
			out = append(out, st)
		}
	}
	return out
}

// Failed returns the source types whose fetch was recorded as a failure, in
// canonical order.
func (b *EvidenceBundle) Failed() []SourceType {
	var out []SourceType
	for _, st := range KnownSourceTypes {
		if r, ok := b.Results[st]; ok && !r.OK() {
			out = append(out, st)
		}
	}
	return out
}

// AllFailed reports whether every requested source failed.
func (b *EvidenceBundle) AllFailed() bool {
	return len(b.Results) > 0 && len(b.Succeeded()) == 0
}

// Partial reports whether the bundle carries both successes and failures.
func (b *EvidenceBundle) Partial() bool {
	return len(b.Succeeded()) > 0 && len(b.Failed()) > 0
}
