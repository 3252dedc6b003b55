// Package model defines the message and artifact types that flow through the
// triage pipeline.
package model

import "time"

// SourceType identifies a telemetry signal an incident can carry evidence for.
type SourceType string

// Supported telemetry source types.
const (
	SourceLogs    SourceType = "logs"
	SourceTraces  SourceType = "traces"
	SourceMetrics SourceType = "metrics"
)

// KnownSourceTypes lists every source type the pipeline can fetch, in
// canonical order.
var KnownSourceTypes = []SourceType{SourceLogs, SourceTraces, SourceMetrics}

// Valid returns true if the source type is one the pipeline can fetch.
func (s SourceType) Valid() bool {
	switch s {
	case SourceLogs, SourceTraces, SourceMetrics:
		return true
	}
	return false
}

// TimeWindow bounds the period an incident's evidence is fetched for.
// Timestamps are UTC; End must not precede Start.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Incident identifies the affected service and the period under
// investigation.
type Incident struct {
	IncidentID string     `json:"incident_id"`
	CompanyID  string     `json:"company_id"`
	Service    string     `json:"service"`
	Env        string     `json:"env"`
	TimeWindow TimeWindow `json:"time_window"`
}

// Ref returns the identity carried on output payloads (no time window).
func (i Incident) Ref() IncidentRef {
	return IncidentRef{
		IncidentID: i.IncidentID,
		CompanyID:  i.CompanyID,
		Service:    i.Service,
		Env:        i.Env,
	}
}

// IncidentRef identifies an incident on output payloads.
type IncidentRef struct {
	IncidentID string `json:"incident_id"`
	CompanyID  string `json:"company_id"`
	Service    string `json:"service"`
	Env        string `json:"env"`
}

// DataSource tells the pipeline where to fetch one signal type from.
// Credentials ride on the message; workers read nothing from their own
// environment.
type DataSource struct {
	Type     SourceType `json:"type"`
	Endpoint string     `json:"endpoint"`
	APIKey   string     `json:"api_key"`
}

// IncidentMessage is the unit of work consumed from triage.incidents.new.
// Every consumed message terminates as either a published completion summary
// or a dead-letter record.
type IncidentMessage struct {
	Incident    Incident     `json:"incident"`
	DataSources []DataSource `json:"data_sources"`
}
