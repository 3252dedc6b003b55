package storage

import (
	"fmt"

	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// Artifact names within an incident's key prefix.
const (
	analysisArtifact   = "analysis"
	descriptorArtifact = "descriptor"
)

// keyPrefix returns the deterministic prefix all of an incident's artifacts
// share. Identifiers are validated upstream to contain no '/', so the
// resulting keys are unambiguous.
func keyPrefix(companyID, env, incidentID string) string {
	return fmt.Sprintf("%s/%s/%s", companyID, env, incidentID)
}

// RawKey returns the object key for one source type's raw evidence.
// Reprocessing the same incident produces the same key, so re-runs
// overwrite rather than duplicate.
func RawKey(inc model.Incident, sourceType model.SourceType) string {
	return fmt.Sprintf("%s/%s.json", keyPrefix(inc.CompanyID, inc.Env, inc.IncidentID), sourceType)
}

// AnalysisKey returns the object key for the incident's analysis result.
func AnalysisKey(inc model.Incident) string {
	return fmt.Sprintf("%s/%s.json", keyPrefix(inc.CompanyID, inc.Env, inc.IncidentID), analysisArtifact)
}

// DescriptorKey returns the object key for the incident's artifact
// descriptor.
func DescriptorKey(companyID, env, incidentID string) string {
	return fmt.Sprintf("%s/%s.json", keyPrefix(companyID, env, incidentID), descriptorArtifact)
}
