// Package evidence gathers observability data for an incident from the
// telemetry backends declared on the incident message. Each declared source
// (logs, traces, metrics) is queried concurrently with the credentials that
// rode in on the message; per-source failures are recorded in the bundle
// rather than aborting the other fetches.
package evidence

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/internal/metrics"
	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// Config controls fetch concurrency, retries and response limits.
type Config struct {
	// Timeout bounds a single query request.
	Timeout time.Duration

	// MaxConcurrent bounds how many sources are fetched at once.
	MaxConcurrent int

	// MaxRetries is the number of retry attempts after the initial request.
	MaxRetries int

	// RetryBase is the first retry delay; subsequent delays double.
	RetryBase time.Duration

	// MaxResponseBytes caps how much of a backend response is read.
	MaxResponseBytes int64

	// RowLimit caps how many log or trace rows one query returns.
	RowLimit int

	// MetricName is the metric queried for the metrics source.
	MetricName string

	// MetricsStep is the time-series aggregation step.
	MetricsStep time.Duration
}

// DefaultConfig returns fetch settings matching the backend's recommended
// client behavior.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		MaxConcurrent:    3,
		MaxRetries:       3,
		RetryBase:        time.Second,
		MaxResponseBytes: 8 << 20,
		RowLimit:         100,
		MetricName:       "signoz_calls_total",
		MetricsStep:      time.Minute,
	}
}

// AllFailedError reports that every declared data source failed, leaving no
// evidence to analyze. The per-source reasons are recorded in the bundle.
type AllFailedError struct {
	Sources int
}

func (e *AllFailedError) Error() string {
	return fmt.Sprintf("all %d evidence sources failed", e.Sources)
}

// Fetcher queries telemetry backends for incident evidence. Credentials come
// from each message's data source descriptors, never from the fetcher itself;
// only the HTTP transport is shared across incidents.
type Fetcher struct {
	cfg    Config
	client *http.Client
	logger *logging.Logger
}

// NewFetcher creates a Fetcher. A nil logger falls back to the default.
func NewFetcher(cfg Config, logger *logging.Logger) *Fetcher {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Fetch gathers evidence for every data source declared on the message,
// concurrently up to the configured limit. The returned bundle always
// contains an entry per declared source; failed sources carry the failure
// reason instead of a response. Only when every source fails does Fetch
// return an error (an *AllFailedError alongside the bundle).
func (f *Fetcher) Fetch(ctx context.Context, msg *model.IncidentMessage) (*model.EvidenceBundle, error) {
	bundle := &model.EvidenceBundle{
		IncidentID: msg.Incident.IncidentID,
		FetchedAt:  time.Now().UTC(),
		Results:    make(map[model.SourceType]model.SourceResult, len(msg.DataSources)),
	}

	startMS := msg.Incident.TimeWindow.Start.UnixMilli()
	endMS := msg.Incident.TimeWindow.End.UnixMilli()
	filter := serviceFilter(msg.Incident.Service)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.MaxConcurrent)

	for _, ds := range msg.DataSources {
		g.Go(func() error {
			result := f.fetchSource(gctx, ds, startMS, endMS, filter, msg.Incident.IncidentID)
			mu.Lock()
			bundle.Results[ds.Type] = result
			mu.Unlock()
			return nil
		})
	}
	// Per-source failures are recorded in the bundle, never returned.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return bundle, err
	}
	if bundle.AllFailed() {
		return bundle, &AllFailedError{Sources: len(bundle.Results)}
	}
	return bundle, nil
}

func (f *Fetcher) fetchSource(ctx context.Context, ds model.DataSource, startMS, endMS int64, filter, incidentID string) model.SourceResult {
	client := &backendClient{
		endpoint:   ds.Endpoint,
		apiKey:     ds.APIKey,
		client:     f.client,
		maxRetries: f.cfg.MaxRetries,
		retryBase:  f.cfg.RetryBase,
		maxBody:    f.cfg.MaxResponseBytes,
	}

	var payload map[string]interface{}
	switch ds.Type {
	case model.SourceLogs:
		payload = logsQuery(startMS, endMS, filter, f.cfg.RowLimit)
	case model.SourceTraces:
		payload = tracesQuery(startMS, endMS, filter, f.cfg.RowLimit)
	case model.SourceMetrics:
		payload = metricsQuery(startMS, endMS, f.cfg.MetricName, int64(f.cfg.MetricsStep.Seconds()))
	default:
		return model.SourceResult{
			Type:  ds.Type,
			Error: fmt.Sprintf("unknown source type %q", ds.Type),
		}
	}

	began := time.Now()
	body, err := client.queryRange(ctx, payload)
	elapsed := time.Since(began)

	metrics.FetchDuration.WithLabelValues(string(ds.Type)).Observe(elapsed.Seconds())

	result := model.SourceResult{
		Type:       ds.Type,
		DurationMS: elapsed.Milliseconds(),
	}

	if err != nil {
		metrics.FetchErrors.WithLabelValues(string(ds.Type)).Inc()
		f.logger.Warn("evidence fetch failed",
			logging.IncidentID(incidentID),
			logging.SourceType(string(ds.Type)),
			logging.Duration(elapsed),
			logging.Error(err))
		result.Error = err.Error()
		return result
	}

	result.Response = body
	result.Rows = countRows(body, ds.Type)
	metrics.FetchRows.WithLabelValues(string(ds.Type)).Add(float64(result.Rows))

	f.logger.Info("evidence fetched",
		logging.IncidentID(incidentID),
		logging.SourceType(string(ds.Type)),
		"rows", result.Rows,
		logging.Duration(elapsed))

	return result
}
