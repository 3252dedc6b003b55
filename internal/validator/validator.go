// Package validator checks incident message shape before the pipeline spends
// any network call on it.
package validator

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// Error represents validation failures for an incident message.
// It is non-retryable: a message that fails validation is dead-lettered
// immediately rather than redelivered.
type Error struct {
	InvalidFields []InvalidField
}

// InvalidField contains details about one rejected field.
type InvalidField struct {
	Path   string // The field path within the message
	Reason string // Why it was rejected
}

func (e *Error) Error() string {
	if len(e.InvalidFields) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("invalid incident message: ")
	for i, f := range e.InvalidFields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%s (%s)", f.Path, f.Reason))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors
func (e *Error) HasErrors() bool {
	return len(e.InvalidFields) > 0
}

func (e *Error) add(path, reason string) {
	e.InvalidFields = append(e.InvalidFields, InvalidField{Path: path, Reason: reason})
}

// Parse unmarshals a raw message body and validates its shape. Malformed
// JSON is reported as an *Error like any other rejected field, since both
// make the message poison.
func Parse(raw []byte) (*model.IncidentMessage, error) {
	var msg model.IncidentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &Error{InvalidFields: []InvalidField{
			{Path: "message", Reason: "not valid JSON: " + err.Error()},
		}}
	}
	if err := Validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks an incident message's shape. It performs no I/O.
// Returns nil if the message is valid, or an *Error listing every rejected
// field so producers can fix all of them in one pass.
func Validate(msg *model.IncidentMessage) error {
	ve := &Error{}

	validateIncident(&msg.Incident, ve)
	validateSources(msg.DataSources, ve)

	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateIncident(inc *model.Incident, ve *Error) {
	checkIdentifier(inc.IncidentID, "incident.incident_id", ve)
	checkIdentifier(inc.CompanyID, "incident.company_id", ve)
	checkIdentifier(inc.Service, "incident.service", ve)
	checkIdentifier(inc.Env, "incident.env", ve)

	start, end := inc.TimeWindow.Start, inc.TimeWindow.End
	if start.IsZero() {
		ve.add("incident.time_window.start", "required")
	}
	if end.IsZero() {
		ve.add("incident.time_window.end", "required")
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		ve.add("incident.time_window", "end precedes start")
	}
}

func validateSources(sources []model.DataSource, ve *Error) {
	if len(sources) == 0 {
		ve.add("data_sources", "at least one data source is required")
		return
	}

	for i, src := range sources {
		loc := fmt.Sprintf("data_sources[%d]", i)

		if !src.Type.Valid() {
			ve.add(loc+".type", fmt.Sprintf("unknown source type %q", src.Type))
		}

		switch u, err := url.Parse(src.Endpoint); {
		case src.Endpoint == "":
			ve.add(loc+".endpoint", "required")
		case err != nil || u.Scheme == "" || u.Host == "":
			ve.add(loc+".endpoint", "not an absolute URL")
		case u.Scheme != "http" && u.Scheme != "https":
			ve.add(loc+".endpoint", fmt.Sprintf("unsupported scheme %q", u.Scheme))
		}

		if src.APIKey == "" {
			ve.add(loc+".api_key", "required")
		}
	}
}

// checkIdentifier rejects empty identifiers and ones that would corrupt the
// deterministic storage key scheme.
func checkIdentifier(v, path string, ve *Error) {
	switch {
	case v == "":
		ve.add(path, "required")
	case strings.Contains(v, "/"):
		ve.add(path, "must not contain '/'")
	}
}
