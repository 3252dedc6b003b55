package model

import "time"

// DescriptorVersion is the artifact descriptor schema version.
const DescriptorVersion = "1.0"

// ArtifactRef locates one stored artifact.
type ArtifactRef struct {
	// Key is the object key within the artifact bucket.
	Key string `json:"key"`

	// URL is the full locator handed to downstream consumers.
	URL string `json:"url"`

	// Bytes is the stored object size.
	Bytes int64 `json:"bytes"`
}

// ArtifactDescriptor binds an incident to the storage locations of its
// artifacts. Written once per run at a deterministic key, so reprocessing
// the same incident overwrites it in place rather than duplicating.
type ArtifactDescriptor struct {
	Version    string `json:"version"`
	IncidentID string `json:"incident_id"`
	CompanyID  string `json:"company_id"`
	Service    string `json:"service"`
	Env        string `json:"env"`

	// Raw maps each successfully stored source type to its artifact.
	Raw map[SourceType]ArtifactRef `json:"raw"`

	// Analysis locates the stored analysis artifact, when present.
	Analysis *ArtifactRef `json:"analysis,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AnalysisResult is the verdict produced from an incident's evidence.
// Persisted once, never mutated.
type AnalysisResult struct {
	IncidentID string `json:"incident_id"`

	// Summary is a short operator-facing account of what the evidence shows.
	Summary string `json:"summary"`

	// Severity is one of critical, high, medium, low, info.
	Severity string `json:"severity"`

	// Confidence is the model's self-reported confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Sources lists the source types the analysis actually saw.
	Sources []SourceType `json:"sources"`

	// Model is the inference model that produced the verdict.
	Model string `json:"model"`

	// Token usage for the analysis call.
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`

	CreatedAt time.Time `json:"created_at"`
}
