package model

// State tracks an incident's progress through the pipeline.
type State string

// Pipeline states in processing order. Transitions are one-directional;
// StateFailed is reachable from any state on unrecoverable error.
const (
	StateReceived        State = "RECEIVED"
	StateValidated       State = "VALIDATED"
	StateEvidenceFetched State = "EVIDENCE_FETCHED"
	StateStoredRaw       State = "STORED_RAW"
	StateAnalyzed        State = "ANALYZED"
	StateStoredAnalysis  State = "STORED_ANALYSIS"
	StatePublished       State = "PUBLISHED"
	StateFailed          State = "FAILED"
)

// Terminal reports whether no further processing happens in this state.
// The queue delivery is finalized only once a terminal state is reached.
func (s State) Terminal() bool {
	return s == StatePublished || s == StateFailed
}
