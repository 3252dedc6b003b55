// Package pipeline owns the per-incident state machine: validate, fetch
// evidence, store raw artifacts, analyze, store the analysis, publish the
// completion. The orchestrator alone decides whether a failure retries the
// delivery or terminates the incident; stage components only report typed
// errors. Every consumed message ends as exactly one of a published summary
// or a dead-letter record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/internal/analysis"
	"github.com/telhawk-systems/telhawk-triage/internal/dlq"
	"github.com/telhawk-systems/telhawk-triage/internal/evidence"
	"github.com/telhawk-systems/telhawk-triage/internal/journal"
	"github.com/telhawk-systems/telhawk-triage/internal/metrics"
	"github.com/telhawk-systems/telhawk-triage/internal/model"
	"github.com/telhawk-systems/telhawk-triage/internal/publish"
	"github.com/telhawk-systems/telhawk-triage/internal/queue"
	"github.com/telhawk-systems/telhawk-triage/internal/retry"
	"github.com/telhawk-systems/telhawk-triage/internal/storage"
	"github.com/telhawk-systems/telhawk-triage/internal/validator"
)

// Outcome is how one delivery was settled.
type Outcome string

const (
	// OutcomePublished means the incident completed and its summary went out.
	OutcomePublished Outcome = "published"

	// OutcomeDeadLettered means the incident permanently failed and its
	// record was preserved on the dead-letter path.
	OutcomeDeadLettered Outcome = "dead_lettered"

	// OutcomeRequeued means a retryable failure; the message redelivers.
	OutcomeRequeued Outcome = "requeued"

	// OutcomeSkipped means another worker holds the incident's claim; the
	// message was requeued untouched.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeAbandoned means the dead-letter write itself failed; the
	// delivery is left unsettled so the broker redelivers it.
	OutcomeAbandoned Outcome = "abandoned"
)

// Fetcher gathers evidence for an incident.
type Fetcher interface {
	Fetch(ctx context.Context, msg *model.IncidentMessage) (*model.EvidenceBundle, error)
}

// Analyzer turns an evidence bundle into a verdict.
type Analyzer interface {
	Analyze(ctx context.Context, inc model.Incident, bundle *model.EvidenceBundle) (*model.AnalysisResult, error)
}

// Publisher emits completion summaries.
type Publisher interface {
	Publish(ctx context.Context, out *model.OutputMessage) error
}

// Claims guards against two workers processing one incident at once.
type Claims interface {
	Claim(ctx context.Context, incidentID string) (bool, error)
	Release(ctx context.Context, incidentID string) error
}

// Indexer mirrors verdicts into a search index.
type Indexer interface {
	IndexAnalysis(ctx context.Context, inc model.Incident, result *model.AnalysisResult, artifactURLs map[string]string) error
}

// Deps are the orchestrator's collaborators. Fetcher, Store, Analyzer,
// Publisher and DeadLetters are required. Claims, Journal and Indexer may be
// nil, which disables that concern.
type Deps struct {
	Fetcher     Fetcher
	Store       storage.Store
	Analyzer    Analyzer
	Publisher   Publisher
	DeadLetters dlq.Writer
	Claims      Claims
	Journal     journal.Journal
	Indexer     Indexer
}

// Config holds the orchestrator's retry contract with the queue.
type Config struct {
	// MaxAttempts caps delivery attempts per message. A retryable failure on
	// the final attempt dead-letters instead of requeueing, so no message is
	// silently parked by the broker.
	MaxAttempts int

	// RequeueDelay spaces redeliveries of retryably failed messages.
	RequeueDelay time.Duration

	// StorageRetry bounds in-place retries of artifact writes. Writes land
	// at deterministic keys, so repeating one is safe.
	StorageRetry retry.Policy
}

// DefaultConfig matches the queue consumer's delivery budget.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		RequeueDelay: 30 * time.Second,
		StorageRetry: retry.Policy{
			Base:     500 * time.Millisecond,
			Cap:      5 * time.Second,
			Attempts: 3,
			Jitter:   0.2,
		},
	}
}

// Orchestrator drives one incident message at a time through the stage
// sequence. It is safe for concurrent use; each Run call is independent.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *logging.Logger
}

// New builds an Orchestrator.
func New(cfg Config, deps Deps, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultConfig().RequeueDelay
	}
	if cfg.StorageRetry.Attempts <= 0 {
		cfg.StorageRetry = DefaultConfig().StorageRetry
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
}

// Run processes one delivery to a settled outcome. The delivery is finalized
// only on a terminal state: Ack on publish or after a dead-letter write,
// Reject for poison messages; retryable failures requeue within the attempt
// budget.
func (o *Orchestrator) Run(ctx context.Context, d queue.Delivery) (Outcome, error) {
	metrics.IncidentsInFlight.Inc()
	defer metrics.IncidentsInFlight.Dec()

	attempt := d.Attempt()
	raw := d.Body()

	// RECEIVED -> VALIDATED. No side effects have happened yet, so a bad
	// message can be rejected outright.
	msg, err := validator.Parse(raw)
	if err != nil {
		return o.poison(ctx, d, raw, err, attempt)
	}

	inc := msg.Incident
	ctx = logging.ContextWithIncident(ctx, inc.IncidentID)
	log := o.logger.With(
		logging.IncidentID(inc.IncidentID),
		logging.CompanyID(inc.CompanyID),
		logging.Service(inc.Service),
		logging.Env(inc.Env),
	)

	if o.deps.Claims != nil {
		granted, err := o.deps.Claims.Claim(ctx, inc.IncidentID)
		if err != nil {
			// Claims dedupe concurrent redeliveries; they are not a
			// correctness gate, so a broken claim store must not stall
			// the pipeline.
			log.Warn("claim check failed, processing anyway", logging.Error(err))
		} else if !granted {
			log.Info("incident already claimed, requeueing", logging.Attempt(attempt))
			if err := d.Requeue(o.cfg.RequeueDelay); err != nil {
				log.Warn("requeue failed", logging.Error(err))
			}
			return OutcomeSkipped, nil
		} else {
			defer o.releaseClaim(ctx, inc.IncidentID, log)
		}
	}

	o.transition(ctx, log, inc.IncidentID, model.StateValidated, attempt, "")

	// VALIDATED -> EVIDENCE_FETCHED
	began := time.Now()
	bundle, err := o.deps.Fetcher.Fetch(ctx, msg)
	metrics.StageDuration.WithLabelValues(stageLabel(model.StateEvidenceFetched)).Observe(time.Since(began).Seconds())
	if err != nil {
		var allFailed *evidence.AllFailedError
		if errors.As(err, &allFailed) {
			return o.fail(ctx, d, raw, log, inc.IncidentID, model.StateEvidenceFetched, err, attempt)
		}
		return o.requeue(ctx, d, raw, log, inc.IncidentID, model.StateEvidenceFetched, err, attempt)
	}
	if failed := bundle.Failed(); len(failed) > 0 {
		log.Warn("evidence partial", "failed_sources", failed)
	}
	o.transition(ctx, log, inc.IncidentID, model.StateEvidenceFetched, attempt,
		fmt.Sprintf("%d/%d sources", len(bundle.Succeeded()), len(bundle.Results)))

	// EVIDENCE_FETCHED -> STORED_RAW
	began = time.Now()
	desc := &model.ArtifactDescriptor{
		Version:    model.DescriptorVersion,
		IncidentID: inc.IncidentID,
		CompanyID:  inc.CompanyID,
		Service:    inc.Service,
		Env:        inc.Env,
		Raw:        make(map[model.SourceType]model.ArtifactRef, len(bundle.Results)),
		CreatedAt:  time.Now().UTC(),
	}
	var storeErr error
	for _, st := range bundle.Succeeded() {
		res := bundle.Results[st]
		ref, err := o.putRetry(ctx, func(ctx context.Context) (model.ArtifactRef, error) {
			return o.deps.Store.PutRaw(ctx, inc, st, res.Response)
		})
		if err != nil {
			storeErr = err
			break
		}
		desc.Raw[st] = ref
	}
	if storeErr == nil {
		_, storeErr = o.putRetry(ctx, func(ctx context.Context) (model.ArtifactRef, error) {
			return o.deps.Store.PutDescriptor(ctx, desc)
		})
	}
	metrics.StageDuration.WithLabelValues(stageLabel(model.StateStoredRaw)).Observe(time.Since(began).Seconds())
	if storeErr != nil {
		if ctx.Err() != nil {
			return o.requeue(ctx, d, raw, log, inc.IncidentID, model.StateStoredRaw, storeErr, attempt)
		}
		return o.fail(ctx, d, raw, log, inc.IncidentID, model.StateStoredRaw, storeErr, attempt)
	}
	o.transition(ctx, log, inc.IncidentID, model.StateStoredRaw, attempt,
		fmt.Sprintf("%d artifacts", len(desc.Raw)))

	// STORED_RAW -> ANALYZED
	began = time.Now()
	result, err := o.deps.Analyzer.Analyze(ctx, inc, bundle)
	metrics.StageDuration.WithLabelValues(stageLabel(model.StateAnalyzed)).Observe(time.Since(began).Seconds())
	if err != nil {
		var analysisErr *analysis.AnalysisError
		if errors.As(err, &analysisErr) {
			return o.fail(ctx, d, raw, log, inc.IncidentID, model.StateAnalyzed, err, attempt)
		}
		return o.requeue(ctx, d, raw, log, inc.IncidentID, model.StateAnalyzed, err, attempt)
	}
	o.transition(ctx, log, inc.IncidentID, model.StateAnalyzed, attempt,
		fmt.Sprintf("severity=%s confidence=%.2f", result.Severity, result.Confidence))

	// ANALYZED -> STORED_ANALYSIS. The descriptor is rewritten at its
	// deterministic key to bind the analysis artifact in.
	began = time.Now()
	analysisRef, err := o.putRetry(ctx, func(ctx context.Context) (model.ArtifactRef, error) {
		return o.deps.Store.PutAnalysis(ctx, inc, result)
	})
	if err == nil {
		desc.Analysis = &analysisRef
		_, err = o.putRetry(ctx, func(ctx context.Context) (model.ArtifactRef, error) {
			return o.deps.Store.PutDescriptor(ctx, desc)
		})
	}
	metrics.StageDuration.WithLabelValues(stageLabel(model.StateStoredAnalysis)).Observe(time.Since(began).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return o.requeue(ctx, d, raw, log, inc.IncidentID, model.StateStoredAnalysis, err, attempt)
		}
		return o.fail(ctx, d, raw, log, inc.IncidentID, model.StateStoredAnalysis, err, attempt)
	}
	o.transition(ctx, log, inc.IncidentID, model.StateStoredAnalysis, attempt, "")

	if o.deps.Indexer != nil {
		if err := o.deps.Indexer.IndexAnalysis(ctx, inc, result, artifactURLs(desc)); err != nil {
			log.Warn("analysis indexing failed", logging.Error(err))
		}
	}

	// STORED_ANALYSIS -> PUBLISHED
	began = time.Now()
	out := model.NewOutputMessage(inc, desc)
	err = o.deps.Publisher.Publish(ctx, &out)
	metrics.StageDuration.WithLabelValues(stageLabel(model.StatePublished)).Observe(time.Since(began).Seconds())
	if err != nil {
		var publishErr *publish.PublishError
		if errors.As(err, &publishErr) {
			return o.fail(ctx, d, raw, log, inc.IncidentID, model.StatePublished, err, attempt)
		}
		return o.requeue(ctx, d, raw, log, inc.IncidentID, model.StatePublished, err, attempt)
	}
	o.transition(ctx, log, inc.IncidentID, model.StatePublished, attempt, "")

	if err := d.Ack(); err != nil {
		log.Warn("ack failed, delivery may be reprocessed", logging.Error(err))
	}
	metrics.IncidentsTotal.WithLabelValues(string(OutcomePublished)).Inc()
	log.Info("incident completed",
		logging.Attempt(attempt),
		"sources", len(desc.Raw))
	return OutcomePublished, nil
}

// putRetry runs one artifact write under the in-place storage retry budget.
func (o *Orchestrator) putRetry(ctx context.Context, put func(ctx context.Context) (model.ArtifactRef, error)) (model.ArtifactRef, error) {
	var ref model.ArtifactRef
	err := o.cfg.StorageRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		ref, err = put(ctx)
		return err
	})
	return ref, err
}

// requeue schedules redelivery after a retryable failure, dead-lettering
// instead once the delivery budget is spent.
func (o *Orchestrator) requeue(ctx context.Context, d queue.Delivery, raw []byte, log *logging.Logger, incidentID string, stage model.State, cause error, attempt int) (Outcome, error) {
	metrics.StageErrors.WithLabelValues(stageLabel(stage)).Inc()

	if attempt >= o.cfg.MaxAttempts {
		log.Warn("delivery budget exhausted",
			logging.Stage(string(stage)),
			logging.Attempt(attempt),
			logging.Error(cause))
		return o.deadLetter(ctx, d, raw, log, incidentID, stage, cause, attempt, false)
	}

	log.Warn("incident requeued",
		logging.Stage(string(stage)),
		logging.Attempt(attempt),
		"delay", o.cfg.RequeueDelay,
		logging.Error(cause))
	if err := d.Requeue(o.cfg.RequeueDelay); err != nil {
		log.Warn("requeue failed", logging.Error(err))
	}
	return OutcomeRequeued, cause
}

// fail terminates the incident at the stage whose completion failed.
func (o *Orchestrator) fail(ctx context.Context, d queue.Delivery, raw []byte, log *logging.Logger, incidentID string, stage model.State, cause error, attempt int) (Outcome, error) {
	metrics.StageErrors.WithLabelValues(stageLabel(stage)).Inc()
	return o.deadLetter(ctx, d, raw, log, incidentID, stage, cause, attempt, false)
}

// poison handles messages that failed validation: dead-letter, then Reject
// so the broker never redelivers them.
func (o *Orchestrator) poison(ctx context.Context, d queue.Delivery, raw []byte, cause error, attempt int) (Outcome, error) {
	metrics.StageErrors.WithLabelValues(stageLabel(model.StateValidated)).Inc()
	o.logger.Warn("incident message rejected", logging.Error(cause))
	return o.deadLetter(ctx, d, raw, o.logger, "", model.StateValidated, cause, attempt, true)
}

// deadLetter writes the failure record, then finalizes the delivery. A
// failed dead-letter write leaves the delivery unsettled so the incident is
// not lost; the broker will redeliver it.
func (o *Orchestrator) deadLetter(ctx context.Context, d queue.Delivery, raw []byte, log *logging.Logger, incidentID string, stage model.State, cause error, attempt int, reject bool) (Outcome, error) {
	letter := dlq.NewDeadLetter(raw, cause, stage, attempt)
	if err := o.deps.DeadLetters.Write(ctx, letter); err != nil {
		log.Error("dead-letter write failed, leaving delivery unsettled",
			logging.Stage(string(stage)),
			logging.Error(err))
		return OutcomeAbandoned, fmt.Errorf("dead-letter write failed: %w", err)
	}

	if incidentID != "" {
		o.transition(ctx, log, incidentID, model.StateFailed, attempt, cause.Error())
	}

	var settleErr error
	if reject {
		settleErr = d.Reject()
	} else {
		settleErr = d.Ack()
	}
	if settleErr != nil {
		log.Warn("delivery finalize failed", logging.Error(settleErr))
	}

	metrics.IncidentsTotal.WithLabelValues(string(OutcomeDeadLettered)).Inc()
	return OutcomeDeadLettered, cause
}

// transition records one coarse state change in the journal and the log.
func (o *Orchestrator) transition(ctx context.Context, log *logging.Logger, incidentID string, state model.State, attempt int, detail string) {
	if o.deps.Journal != nil {
		err := o.deps.Journal.Append(ctx, journal.Entry{
			IncidentID: incidentID,
			State:      state,
			Detail:     detail,
			Attempt:    attempt,
		})
		if err != nil {
			log.Warn("journal append failed",
				logging.Stage(string(state)),
				logging.Error(err))
		}
	}

	args := []any{logging.Stage(string(state)), logging.Attempt(attempt)}
	if detail != "" {
		args = append(args, "detail", detail)
	}
	log.Info("incident state advanced", args...)
}

func (o *Orchestrator) releaseClaim(ctx context.Context, incidentID string, log *logging.Logger) {
	if err := o.deps.Claims.Release(ctx, incidentID); err != nil {
		log.Warn("claim release failed", logging.Error(err))
	}
}

// artifactURLs flattens a descriptor into the locator map handed to the
// indexer, keyed like the output message's sources.
func artifactURLs(desc *model.ArtifactDescriptor) map[string]string {
	urls := make(map[string]string, len(desc.Raw)+1)
	for st, ref := range desc.Raw {
		urls[string(st)] = ref.URL
	}
	if desc.Analysis != nil {
		urls[model.AnalysisSourceKey] = desc.Analysis.URL
	}
	return urls
}

func stageLabel(s model.State) string {
	return strings.ToLower(string(s))
}
