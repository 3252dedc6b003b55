package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Incident pipeline metrics
	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_incidents_total",
			Help: "Total number of incidents processed, by terminal outcome",
		},
		[]string{"outcome"},
	)

	IncidentsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_triage_incidents_in_flight",
			Help: "Number of incidents currently being processed",
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_triage_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_stage_errors_total",
			Help: "Total number of stage errors, including retried ones",
		},
		[]string{"stage"},
	)

	// Evidence fetch metrics
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_triage_fetch_duration_seconds",
			Help:    "Duration of evidence fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source_type"},
	)

	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_fetch_errors_total",
			Help: "Total number of evidence fetch failures",
		},
		[]string{"source_type"},
	)

	FetchRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_fetch_rows_total",
			Help: "Total number of evidence rows fetched",
		},
		[]string{"source_type"},
	)

	// Storage metrics
	StorageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_triage_storage_duration_seconds",
			Help:    "Duration of artifact storage operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StorageErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_triage_storage_errors_total",
			Help: "Total number of artifact storage errors",
		},
	)

	StorageBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_storage_bytes_total",
			Help: "Total bytes of artifacts written",
		},
		[]string{"artifact"},
	)

	// Analysis metrics
	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_triage_analysis_duration_seconds",
			Help:    "Duration of analysis calls in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	AnalysisErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_triage_analysis_errors_total",
			Help: "Total number of analysis call failures, including retried ones",
		},
	)

	AnalysisTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_analysis_tokens_total",
			Help: "Total tokens consumed by analysis calls",
		},
		[]string{"direction"},
	)

	// Publish metrics
	PublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_triage_publish_retries_total",
			Help: "Total number of publish retries after a failed attempt",
		},
	)

	// Dead-letter metrics
	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_dead_letters_total",
			Help: "Total number of dead-lettered incidents, by failed stage",
		},
		[]string{"stage"},
	)

	// Queue metrics
	QueueFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_triage_queue_fetches_total",
			Help: "Total number of queue fetch cycles, by result",
		},
		[]string{"result"},
	)

	LeaseExtensions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_triage_lease_extensions_total",
			Help: "Total number of in-flight delivery lease extensions",
		},
	)

	// ClaimConflicts counts redeliveries suppressed because another worker
	// still holds the incident's claim.
	ClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_triage_claim_conflicts_total",
			Help: "Total number of deliveries requeued because the incident was already claimed",
		},
	)
)
