package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// NewFileSource loads incident messages from a YAML or JSON file and returns
// a memory source over them. The file holds either a bare list of incident
// messages or a document with an "incidents" key.
func NewFileSource(path string, logger *logging.Logger) (*MemorySource, error) {
	if logger == nil {
		logger = logging.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read incident file: %w", err)
	}

	incidents, err := decodeIncidents(path, data)
	if err != nil {
		return nil, err
	}

	bodies := make([][]byte, 0, len(incidents))
	for i := range incidents {
		body, err := json.Marshal(&incidents[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encode incident %s: %w", incidents[i].Incident.IncidentID, err)
		}
		bodies = append(bodies, body)
	}

	logger.Info("incident file loaded", "path", path, "incidents", len(bodies))
	return NewMemorySource(bodies, logger), nil
}

// decodeIncidents parses the file into incident messages. YAML documents are
// converted through a generic value so field names line up with the JSON
// tags on the model types.
func decodeIncidents(path string, data []byte) ([]model.IncidentMessage, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		converted, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", path, err)
		}
		data = converted
	}

	var list []model.IncidentMessage
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var doc struct {
		Incidents []model.IncidentMessage `json:"incidents"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.Incidents == nil {
		return nil, fmt.Errorf("%s is neither an incident list nor a document with an incidents key", path)
	}
	return doc.Incidents, nil
}
