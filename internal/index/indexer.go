// Package index mirrors finished verdicts into OpenSearch so analyses are
// searchable alongside the telemetry they explain. Indexing is best-effort:
// the pipeline treats an index failure as a logged degradation, never as an
// incident failure.
package index

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// IndexName is the analysis index written on every completed analysis.
const IndexName = "triage-analysis"

// Config holds the OpenSearch connection settings.
type Config struct {
	URL      string
	Username string
	Password string

	// Insecure skips TLS verification for self-signed dev clusters.
	Insecure bool

	// Index overrides the default analysis index name.
	Index string
}

// Document is the per-incident verdict shape stored in the analysis index.
type Document struct {
	IncidentID   string             `json:"incident_id"`
	CompanyID    string             `json:"company_id"`
	Service      string             `json:"service"`
	Env          string             `json:"env"`
	Severity     string             `json:"severity"`
	SeverityID   int                `json:"severity_id"`
	Confidence   float64            `json:"confidence"`
	Summary      string             `json:"summary"`
	Sources      []model.SourceType `json:"sources"`
	Model        string             `json:"model"`
	ArtifactURLs map[string]string  `json:"artifact_urls"`
	WindowStart  time.Time          `json:"window_start"`
	WindowEnd    time.Time          `json:"window_end"`
	AnalyzedAt   time.Time          `json:"analyzed_at"`
	IndexedAt    time.Time          `json:"indexed_at"`
}

// Indexer writes analysis documents to OpenSearch. A nil Indexer is a
// disabled one; its operations succeed without doing anything.
type Indexer struct {
	client *opensearch.Client
	index  string
	logger *logging.Logger
}

// New connects to OpenSearch and ensures the analysis index exists.
func New(ctx context.Context, cfg Config, logger *logging.Logger) (*Indexer, error) {
	if logger == nil {
		logger = logging.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	name := cfg.Index
	if name == "" {
		name = IndexName
	}
	ix := &Indexer{
		client: client,
		index:  name,
		logger: logger,
	}

	if err := ix.ensureIndex(ctx); err != nil {
		return nil, err
	}

	return ix, nil
}

// ensureIndex creates the analysis index with its mappings unless it exists.
func (ix *Indexer) ensureIndex(ctx context.Context) error {
	exists, err := ix.client.Indices.Exists(
		[]string{ix.index},
		ix.client.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", ix.index, err)
	}
	defer exists.Body.Close()

	if exists.StatusCode == 200 {
		return nil
	}

	body, err := json.Marshal(indexBody())
	if err != nil {
		return err
	}

	res, err := ix.client.Indices.Create(
		ix.index,
		ix.client.Indices.Create.WithBody(bytes.NewReader(body)),
		ix.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", ix.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to create index %s: %s - %s", ix.index, res.Status(), string(bodyBytes))
	}

	ix.logger.Info("analysis index created", "index", ix.index)
	return nil
}

// indexBody returns the settings and mappings for the analysis index.
func indexBody() map[string]interface{} {
	return map[string]interface{}{
		"settings": map[string]interface{}{
			"number_of_shards":   1,
			"number_of_replicas": 0,
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"incident_id": map[string]interface{}{"type": "keyword"},
				"company_id":  map[string]interface{}{"type": "keyword"},
				"service":     map[string]interface{}{"type": "keyword"},
				"env":         map[string]interface{}{"type": "keyword"},
				"severity":    map[string]interface{}{"type": "keyword"},
				"severity_id": map[string]interface{}{"type": "integer"},
				"confidence":  map[string]interface{}{"type": "float"},
				"summary":     map[string]interface{}{"type": "text"},
				"sources":     map[string]interface{}{"type": "keyword"},
				"model":       map[string]interface{}{"type": "keyword"},
				"artifact_urls": map[string]interface{}{
					"type":    "object",
					"enabled": false,
				},
				"window_start": map[string]interface{}{"type": "date"},
				"window_end":   map[string]interface{}{"type": "date"},
				"analyzed_at":  map[string]interface{}{"type": "date"},
				"indexed_at":   map[string]interface{}{"type": "date"},
			},
		},
	}
}

// IndexAnalysis indexes the verdict for one incident, keyed by incident ID so
// a reprocessed incident overwrites its document instead of duplicating it.
func (ix *Indexer) IndexAnalysis(ctx context.Context, inc model.Incident, result *model.AnalysisResult, artifactURLs map[string]string) error {
	if ix == nil {
		return nil
	}

	doc := Document{
		IncidentID:   inc.IncidentID,
		CompanyID:    inc.CompanyID,
		Service:      inc.Service,
		Env:          inc.Env,
		Severity:     result.Severity,
		SeverityID:   model.SeverityID(result.Severity),
		Confidence:   result.Confidence,
		Summary:      result.Summary,
		Sources:      result.Sources,
		Model:        result.Model,
		ArtifactURLs: artifactURLs,
		WindowStart:  inc.TimeWindow.Start,
		WindowEnd:    inc.TimeWindow.End,
		AnalyzedAt:   result.CreatedAt,
		IndexedAt:    time.Now().UTC(),
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis document: %w", err)
	}

	res, err := ix.client.Index(
		ix.index,
		bytes.NewReader(data),
		ix.client.Index.WithDocumentID(inc.IncidentID),
		ix.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to index analysis: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to index analysis: %s - %s", res.Status(), string(bodyBytes))
	}

	ix.logger.Debug("analysis indexed", logging.IncidentID(inc.IncidentID), "index", ix.index)
	return nil
}
