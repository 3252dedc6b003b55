package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across the pipeline.
const (
	FieldService    = "service"
	FieldComponent  = "component"
	FieldIncidentID = "incident_id"
	FieldCompanyID  = "company_id"
	FieldEnv        = "env"
	FieldStage      = "stage"
	FieldSourceType = "source_type"
	FieldSubject    = "subject"
	FieldAttempt    = "attempt"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Component returns a slog attribute for the component name.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// IncidentID returns a slog attribute for the incident ID.
func IncidentID(id string) slog.Attr {
	return slog.String(FieldIncidentID, id)
}

// CompanyID returns a slog attribute for the company ID.
func CompanyID(id string) slog.Attr {
	return slog.String(FieldCompanyID, id)
}

// Env returns a slog attribute for the deployment environment.
func Env(env string) slog.Attr {
	return slog.String(FieldEnv, env)
}

// Stage returns a slog attribute for the pipeline stage.
func Stage(stage string) slog.Attr {
	return slog.String(FieldStage, stage)
}

// SourceType returns a slog attribute for the evidence source type.
func SourceType(t string) slog.Attr {
	return slog.String(FieldSourceType, t)
}

// Subject returns a slog attribute for a queue subject.
func Subject(subject string) slog.Attr {
	return slog.String(FieldSubject, subject)
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Duration returns a slog attribute for an elapsed duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}
