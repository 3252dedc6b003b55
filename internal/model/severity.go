package model

// Severity levels a verdict can carry, lowest to highest.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityID maps a severity string to its numeric level, 0 for unknown.
func SeverityID(severity string) int {
	severityMap := map[string]int{
		SeverityInfo:     1,
		SeverityLow:      2,
		SeverityMedium:   3,
		SeverityHigh:     4,
		SeverityCritical: 5,
	}
	if id, ok := severityMap[severity]; ok {
		return id
	}
	return 0
}

// ValidSeverity reports whether the string is a known severity level.
func ValidSeverity(severity string) bool {
	return SeverityID(severity) != 0
}
