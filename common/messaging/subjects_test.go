package messaging

import (
	"strings"
	"testing"
)

func TestSubjectConstants_Defined(t *testing.T) {
	// Verify all subject constants are non-empty
	subjects := map[string]string{
		"SubjectIncomingIncidents": SubjectIncomingIncidents,
		"SubjectCompletedResults":  SubjectCompletedResults,
		"SubjectDLQPrefix":         SubjectDLQPrefix,
	}

	for name, value := range subjects {
		if value == "" {
			t.Errorf("%s is empty", name)
		}
	}
}

func TestSubjectConstants_FollowNamingConvention(t *testing.T) {
	// Full subjects should follow the pattern: {domain}.{category}.{event}
	subjects := []string{
		SubjectIncomingIncidents,
		SubjectCompletedResults,
		DLQSubject("VALIDATED"),
	}

	for _, subject := range subjects {
		parts := strings.Split(subject, ".")
		if len(parts) < 3 {
			t.Errorf("subject %q does not follow {domain}.{category}.{event} pattern", subject)
		}
	}
}

func TestSubjectConstants_TriageDomain(t *testing.T) {
	// Verify all subjects start with "triage."
	subjects := []string{
		SubjectIncomingIncidents,
		SubjectCompletedResults,
		SubjectDLQPrefix,
	}

	for _, subject := range subjects {
		if !strings.HasPrefix(subject, "triage.") {
			t.Errorf("subject %q should start with 'triage.'", subject)
		}
	}
}

func TestConsumerConstants_NoDots(t *testing.T) {
	// Consumer names should not contain dots (they're not subjects)
	if ConsumerTriageWorkers == "" {
		t.Error("ConsumerTriageWorkers is empty")
	}
	if strings.Contains(ConsumerTriageWorkers, ".") {
		t.Errorf("consumer name %q should not contain dots", ConsumerTriageWorkers)
	}
}

func TestDLQSubject(t *testing.T) {
	tests := []struct {
		name     string
		stage    string
		expected string
	}{
		{
			name:     "single word stage",
			stage:    "VALIDATED",
			expected: "triage.dlq.validated",
		},
		{
			name:     "underscored stage",
			stage:    "EVIDENCE_FETCHED",
			expected: "triage.dlq.evidence_fetched",
		},
		{
			name:     "already lowercase",
			stage:    "published",
			expected: "triage.dlq.published",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DLQSubject(tt.stage)
			if result != tt.expected {
				t.Errorf("DLQSubject(%q) = %q, want %q", tt.stage, result, tt.expected)
			}
		})
	}
}

func TestDLQSubject_StartsWithPrefix(t *testing.T) {
	// The result should always start with the DLQ prefix
	result := DLQSubject("STORED_RAW")

	if !strings.HasPrefix(result, SubjectDLQPrefix) {
		t.Errorf("DLQSubject result %q should start with %q", result, SubjectDLQPrefix)
	}
}
