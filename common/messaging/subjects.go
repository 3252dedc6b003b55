// Package messaging defines standard subject names for the triage message bus.
package messaging

import "strings"

// Subject constants for the triage message bus.
// Follow the pattern: {domain}.{category}.{event}
const (
	// SubjectIncomingIncidents carries new incident messages into the pipeline.
	SubjectIncomingIncidents = "triage.incidents.new"

	// SubjectCompletedResults carries completion summaries out of the pipeline.
	SubjectCompletedResults = "triage.results.completed"

	// SubjectDLQPrefix prefixes dead-letter subjects; the failed stage is
	// appended as the final token.
	SubjectDLQPrefix = "triage.dlq"
)

// Durable consumer names for load-balanced workers.
// Workers sharing a durable name share the stream (each message processed once).
const (
	ConsumerTriageWorkers = "triage-workers" // Pool of incident pipeline workers
)

// DLQSubject returns the dead-letter subject for the stage that failed.
// Example: triage.dlq.evidence_fetched
func DLQSubject(stage string) string {
	return SubjectDLQPrefix + "." + strings.ToLower(stage)
}
