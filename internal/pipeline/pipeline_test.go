package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-triage/internal/analysis"
	"github.com/telhawk-systems/telhawk-triage/internal/evidence"
	"github.com/telhawk-systems/telhawk-triage/internal/journal"
	"github.com/telhawk-systems/telhawk-triage/internal/model"
	"github.com/telhawk-systems/telhawk-triage/internal/publish"
	"github.com/telhawk-systems/telhawk-triage/internal/queue"
	"github.com/telhawk-systems/telhawk-triage/internal/retry"
)

type fakeDelivery struct {
	body         []byte
	attempt      int
	acks         int
	rejects      int
	requeues     int
	requeueDelay time.Duration
	ackErr       error
}

var _ queue.Delivery = (*fakeDelivery)(nil)

func (d *fakeDelivery) Body() []byte { return d.body }
func (d *fakeDelivery) Attempt() int { return d.attempt }
func (d *fakeDelivery) Ack() error   { d.acks++; return d.ackErr }
func (d *fakeDelivery) Requeue(delay time.Duration) error {
	d.requeues++
	d.requeueDelay = delay
	return nil
}
func (d *fakeDelivery) Reject() error { d.rejects++; return nil }
func (d *fakeDelivery) Extend() error { return nil }

func (d *fakeDelivery) settled() int { return d.acks + d.rejects + d.requeues }

type fakeFetcher struct {
	bundle *model.EvidenceBundle
	err    error
	calls  int
}

func (f *fakeFetcher) Fetch(ctx context.Context, msg *model.IncidentMessage) (*model.EvidenceBundle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.bundle, nil
}

// fakeStore counts down the configured failure budgets before succeeding,
// which lets tests drive the in-place storage retry both ways.
type fakeStore struct {
	mu          sync.Mutex
	raw         map[model.SourceType][]byte
	descriptors []model.ArtifactDescriptor

	rawFailures      int
	analysisFailures int
	descFailures     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{raw: make(map[model.SourceType][]byte)}
}

func (s *fakeStore) PutRaw(ctx context.Context, inc model.Incident, sourceType model.SourceType, data []byte) (model.ArtifactRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rawFailures > 0 {
		s.rawFailures--
		return model.ArtifactRef{}, errors.New("put raw: connection reset")
	}
	s.raw[sourceType] = data
	key := fmt.Sprintf("raw/%s/%s.json", inc.IncidentID, sourceType)
	return model.ArtifactRef{Key: key, URL: "s3://triage-artifacts/" + key, Bytes: int64(len(data))}, nil
}

func (s *fakeStore) PutAnalysis(ctx context.Context, inc model.Incident, result *model.AnalysisResult) (model.ArtifactRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.analysisFailures > 0 {
		s.analysisFailures--
		return model.ArtifactRef{}, errors.New("put analysis: connection reset")
	}
	key := fmt.Sprintf("analysis/%s/analysis.json", inc.IncidentID)
	return model.ArtifactRef{Key: key, URL: "s3://triage-artifacts/" + key, Bytes: 1}, nil
}

func (s *fakeStore) PutDescriptor(ctx context.Context, desc *model.ArtifactDescriptor) (model.ArtifactRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.descFailures > 0 {
		s.descFailures--
		return model.ArtifactRef{}, errors.New("put descriptor: connection reset")
	}
	// Snapshot so later mutation of the caller's descriptor is not visible
	// in earlier writes.
	snap := *desc
	snap.Raw = make(map[model.SourceType]model.ArtifactRef, len(desc.Raw))
	for k, v := range desc.Raw {
		snap.Raw[k] = v
	}
	if desc.Analysis != nil {
		ref := *desc.Analysis
		snap.Analysis = &ref
	}
	s.descriptors = append(s.descriptors, snap)
	key := fmt.Sprintf("raw/%s/descriptor.json", desc.IncidentID)
	return model.ArtifactRef{Key: key, URL: "s3://triage-artifacts/" + key, Bytes: 1}, nil
}

type fakeAnalyzer struct {
	result *model.AnalysisResult
	err    error
	calls  int
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, inc model.Incident, bundle *model.EvidenceBundle) (*model.AnalysisResult, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

type fakePublisher struct {
	out   *model.OutputMessage
	err   error
	calls int
}

func (p *fakePublisher) Publish(ctx context.Context, out *model.OutputMessage) error {
	p.calls++
	if p.err != nil {
		return p.err
	}
	p.out = out
	return nil
}

type fakeDLQ struct {
	letters []*model.DeadLetter
	err     error
}

func (q *fakeDLQ) Write(ctx context.Context, letter *model.DeadLetter) error {
	if q.err != nil {
		return q.err
	}
	q.letters = append(q.letters, letter)
	return nil
}

type fakeClaims struct {
	denied   bool
	claimErr error
	claimed  []string
	released []string
}

func (c *fakeClaims) Claim(ctx context.Context, incidentID string) (bool, error) {
	if c.claimErr != nil {
		return false, c.claimErr
	}
	if c.denied {
		return false, nil
	}
	c.claimed = append(c.claimed, incidentID)
	return true, nil
}

func (c *fakeClaims) Release(ctx context.Context, incidentID string) error {
	c.released = append(c.released, incidentID)
	return nil
}

type fakeIndexer struct {
	calls int
	urls  map[string]string
	err   error
}

func (ix *fakeIndexer) IndexAnalysis(ctx context.Context, inc model.Incident, result *model.AnalysisResult, artifactURLs map[string]string) error {
	ix.calls++
	ix.urls = artifactURLs
	return ix.err
}

type fakeJournal struct {
	appendErr error
	entries   []journal.Entry
}

func (j *fakeJournal) Append(ctx context.Context, entry journal.Entry) error {
	if j.appendErr != nil {
		return j.appendErr
	}
	j.entries = append(j.entries, entry)
	return nil
}

func (j *fakeJournal) Entries(ctx context.Context, incidentID string) ([]journal.Entry, error) {
	return nil, nil
}

func (j *fakeJournal) Close() error { return nil }

func testIncident() model.Incident {
	return model.Incident{
		IncidentID: "INC-7001",
		CompanyID:  "acme",
		Service:    "checkout",
		Env:        "prod",
		TimeWindow: model.TimeWindow{
			Start: time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 3, 2, 10, 15, 0, 0, time.UTC),
		},
	}
}

func testMessage(t *testing.T) []byte {
	t.Helper()
	msg := model.IncidentMessage{
		Incident: testIncident(),
		DataSources: []model.DataSource{
			{Type: model.SourceLogs, Endpoint: "https://signoz.acme.dev", APIKey: "sk-test"},
			{Type: model.SourceMetrics, Endpoint: "https://signoz.acme.dev", APIKey: "sk-test"},
		},
	}
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func testBundle(incidentID string) *model.EvidenceBundle {
	return &model.EvidenceBundle{
		IncidentID: incidentID,
		FetchedAt:  time.Now().UTC(),
		Results: map[model.SourceType]model.SourceResult{
			model.SourceLogs:    {Type: model.SourceLogs, Response: json.RawMessage(`{"data":{"result":["log"]}}`), Rows: 12, DurationMS: 140},
			model.SourceMetrics: {Type: model.SourceMetrics, Response: json.RawMessage(`{"data":{"result":["series"]}}`), Rows: 3, DurationMS: 90},
		},
	}
}

func testVerdict(incidentID string) *model.AnalysisResult {
	return &model.AnalysisResult{
		IncidentID: incidentID,
		Summary:    "Checkout latency spiked after the 10:02 deploy; error rate tracks the new revision.",
		Severity:   model.SeverityHigh,
		Confidence: 0.82,
		Sources:    []model.SourceType{model.SourceLogs, model.SourceMetrics},
		Model:      "claude-sonnet-4-20250514",
		CreatedAt:  time.Now().UTC(),
	}
}

// fixture wires an orchestrator over fakes for every collaborator. Tests
// mutate individual fakes to force each failure mode.
type fixture struct {
	fetcher     *fakeFetcher
	store       *fakeStore
	analyzer    *fakeAnalyzer
	publisher   *fakePublisher
	deadLetters *fakeDLQ
	claims      *fakeClaims
	journal     *journal.MemoryJournal
	indexer     *fakeIndexer
}

func newFixture() *fixture {
	inc := testIncident()
	return &fixture{
		fetcher:     &fakeFetcher{bundle: testBundle(inc.IncidentID)},
		store:       newFakeStore(),
		analyzer:    &fakeAnalyzer{result: testVerdict(inc.IncidentID)},
		publisher:   &fakePublisher{},
		deadLetters: &fakeDLQ{},
		claims:      &fakeClaims{},
		journal:     journal.NewMemoryJournal(),
		indexer:     &fakeIndexer{},
	}
}

func (f *fixture) orchestrator() *Orchestrator {
	cfg := Config{
		MaxAttempts:  3,
		RequeueDelay: time.Millisecond,
		StorageRetry: retry.Policy{Base: time.Millisecond, Cap: time.Millisecond, Attempts: 2},
	}
	return New(cfg, Deps{
		Fetcher:     f.fetcher,
		Store:       f.store,
		Analyzer:    f.analyzer,
		Publisher:   f.publisher,
		DeadLetters: f.deadLetters,
		Claims:      f.claims,
		Journal:     f.journal,
		Indexer:     f.indexer,
	}, nil)
}

func delivery(t *testing.T) *fakeDelivery {
	t.Helper()
	return &fakeDelivery{body: testMessage(t), attempt: 1}
}

func journalStates(t *testing.T, j *journal.MemoryJournal, incidentID string) []model.State {
	t.Helper()
	entries, err := j.Entries(context.Background(), incidentID)
	require.NoError(t, err)
	states := make([]model.State, len(entries))
	for i, e := range entries {
		states[i] = e.State
	}
	return states
}

func TestOrchestrator_PublishesHappyPath(t *testing.T) {
	f := newFixture()
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)

	assert.Equal(t, 1, d.acks)
	assert.Equal(t, 1, d.settled())

	require.NotNil(t, f.publisher.out)
	assert.Equal(t, "INC-7001", f.publisher.out.Incident.IncidentID)
	assert.Contains(t, f.publisher.out.Sources, "logs")
	assert.Contains(t, f.publisher.out.Sources, "metrics")
	assert.Contains(t, f.publisher.out.Sources, model.AnalysisSourceKey)

	// Both raw artifacts landed, and the descriptor was written twice: once
	// raw-only, once with the analysis ref bound in.
	assert.Len(t, f.store.raw, 2)
	require.Len(t, f.store.descriptors, 2)
	assert.Nil(t, f.store.descriptors[0].Analysis)
	require.NotNil(t, f.store.descriptors[1].Analysis)
	assert.Equal(t, model.DescriptorVersion, f.store.descriptors[1].Version)
	assert.Len(t, f.store.descriptors[1].Raw, 2)

	assert.Equal(t, 1, f.indexer.calls)
	assert.NotEmpty(t, f.indexer.urls[model.AnalysisSourceKey])

	assert.Equal(t, []string{"INC-7001"}, f.claims.claimed)
	assert.Equal(t, []string{"INC-7001"}, f.claims.released)

	want := []model.State{
		model.StateValidated,
		model.StateEvidenceFetched,
		model.StateStoredRaw,
		model.StateAnalyzed,
		model.StateStoredAnalysis,
		model.StatePublished,
	}
	assert.Equal(t, want, journalStates(t, f.journal, "INC-7001"))

	assert.Empty(t, f.deadLetters.letters)
}

func TestOrchestrator_MalformedMessageRejected(t *testing.T) {
	f := newFixture()
	d := &fakeDelivery{body: []byte(`{"incident": oops`), attempt: 1}

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, OutcomeDeadLettered, outcome)

	// Poison messages are rejected so the broker never redelivers them.
	assert.Equal(t, 1, d.rejects)
	assert.Equal(t, 1, d.settled())

	require.Len(t, f.deadLetters.letters, 1)
	letter := f.deadLetters.letters[0]
	assert.Equal(t, model.StateValidated, letter.FailedStage)
	assert.Equal(t, 1, letter.Attempts)
	assert.Equal(t, json.RawMessage(d.body), letter.Message)

	assert.Equal(t, 0, f.fetcher.calls)
}

func TestOrchestrator_InvalidMessageRejected(t *testing.T) {
	f := newFixture()
	body, err := json.Marshal(model.IncidentMessage{Incident: testIncident()})
	require.NoError(t, err)
	d := &fakeDelivery{body: body, attempt: 1}

	outcome, runErr := f.orchestrator().Run(context.Background(), d)
	require.Error(t, runErr)
	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Equal(t, 1, d.rejects)
	assert.ErrorContains(t, runErr, "data_sources")
}

func TestOrchestrator_AllSourcesFailedDeadLetters(t *testing.T) {
	f := newFixture()
	f.fetcher.err = &evidence.AllFailedError{Sources: 2}
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, OutcomeDeadLettered, outcome)

	// Terminal failures past validation ack the delivery after recording it.
	assert.Equal(t, 1, d.acks)
	assert.Equal(t, 1, d.settled())

	require.Len(t, f.deadLetters.letters, 1)
	assert.Equal(t, model.StateEvidenceFetched, f.deadLetters.letters[0].FailedStage)
	assert.Contains(t, f.deadLetters.letters[0].FailureReason, "all 2 evidence sources failed")

	states := journalStates(t, f.journal, "INC-7001")
	assert.Equal(t, []model.State{model.StateValidated, model.StateFailed}, states)
	assert.Equal(t, 0, f.publisher.calls)
}

func TestOrchestrator_FetchErrorRequeues(t *testing.T) {
	f := newFixture()
	f.fetcher.err = errors.New("dial tcp: i/o timeout")
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)

	assert.Equal(t, 1, d.requeues)
	assert.Equal(t, time.Millisecond, d.requeueDelay)
	assert.Equal(t, 1, d.settled())
	assert.Empty(t, f.deadLetters.letters)
}

func TestOrchestrator_RetryBudgetExhaustedDeadLetters(t *testing.T) {
	f := newFixture()
	f.fetcher.err = errors.New("dial tcp: i/o timeout")
	d := delivery(t)
	d.attempt = 3 // matches the fixture's MaxAttempts

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, OutcomeDeadLettered, outcome)

	assert.Equal(t, 0, d.requeues)
	assert.Equal(t, 1, d.acks)
	require.Len(t, f.deadLetters.letters, 1)
	assert.Equal(t, 3, f.deadLetters.letters[0].Attempts)
}

func TestOrchestrator_StorageRetryRecovers(t *testing.T) {
	f := newFixture()
	f.store.rawFailures = 1
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)
	assert.Len(t, f.store.raw, 2)
}

func TestOrchestrator_StorageExhaustionDeadLetters(t *testing.T) {
	f := newFixture()
	f.store.rawFailures = 10
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, OutcomeDeadLettered, outcome)

	require.Len(t, f.deadLetters.letters, 1)
	assert.Equal(t, model.StateStoredRaw, f.deadLetters.letters[0].FailedStage)
	assert.Empty(t, f.store.descriptors)
	assert.Equal(t, 0, f.analyzer.calls)
	assert.Equal(t, 0, f.publisher.calls)
}

func TestOrchestrator_AnalysisErrorTerminal(t *testing.T) {
	f := newFixture()
	f.analyzer.err = &analysis.AnalysisError{Attempts: 2, Err: errors.New("invalid_request_error")}
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, OutcomeDeadLettered, outcome)

	require.Len(t, f.deadLetters.letters, 1)
	assert.Equal(t, model.StateAnalyzed, f.deadLetters.letters[0].FailedStage)

	// The raw evidence was already preserved before analysis ran.
	assert.Len(t, f.store.raw, 2)
	require.Len(t, f.store.descriptors, 1)
	assert.Nil(t, f.store.descriptors[0].Analysis)
}

func TestOrchestrator_AnalysisTransientRequeues(t *testing.T) {
	f := newFixture()
	f.analyzer.err = context.DeadlineExceeded
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, 1, d.requeues)
	assert.Empty(t, f.deadLetters.letters)
}

func TestOrchestrator_AnalysisStorageExhaustionDeadLetters(t *testing.T) {
	f := newFixture()
	f.store.analysisFailures = 10
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, OutcomeDeadLettered, outcome)

	require.Len(t, f.deadLetters.letters, 1)
	assert.Equal(t, model.StateStoredAnalysis, f.deadLetters.letters[0].FailedStage)
	require.Len(t, f.store.descriptors, 1)
	assert.Equal(t, 0, f.indexer.calls)
	assert.Equal(t, 0, f.publisher.calls)
}

func TestOrchestrator_PublishErrorDeadLetters(t *testing.T) {
	f := newFixture()
	f.publisher.err = &publish.PublishError{Attempts: 5, Err: errors.New("nats: timeout")}
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, OutcomeDeadLettered, outcome)

	require.Len(t, f.deadLetters.letters, 1)
	assert.Equal(t, model.StatePublished, f.deadLetters.letters[0].FailedStage)

	// Artifacts and the index entry were already durable before publish.
	require.Len(t, f.store.descriptors, 2)
	assert.Equal(t, 1, f.indexer.calls)
}

func TestOrchestrator_PublishTransientRequeues(t *testing.T) {
	f := newFixture()
	f.publisher.err = errors.New("nats: connection closed")
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, 1, d.requeues)
}

func TestOrchestrator_DeadLetterWriteFailureLeavesUnsettled(t *testing.T) {
	f := newFixture()
	f.fetcher.err = &evidence.AllFailedError{Sources: 2}
	f.deadLetters.err = errors.New("dlq stream unavailable")
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, OutcomeAbandoned, outcome)
	assert.ErrorContains(t, err, "dead-letter write failed")

	// Nothing settled: the broker must redeliver so the incident survives.
	assert.Equal(t, 0, d.settled())
}

func TestOrchestrator_ClaimConflictRequeues(t *testing.T) {
	f := newFixture()
	f.claims.denied = true
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	assert.Equal(t, 1, d.requeues)
	assert.Equal(t, 0, f.fetcher.calls)
	assert.Empty(t, journalStates(t, f.journal, "INC-7001"))
}

func TestOrchestrator_ClaimErrorFailsOpen(t *testing.T) {
	f := newFixture()
	f.claims.claimErr = errors.New("redis: connection refused")
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)

	// No claim was granted, so none is released.
	assert.Empty(t, f.claims.released)
}

func TestOrchestrator_ClaimReleasedOnTerminalFailure(t *testing.T) {
	f := newFixture()
	f.analyzer.err = &analysis.AnalysisError{Attempts: 2, Err: errors.New("overloaded_error")}
	d := delivery(t)

	outcome, _ := f.orchestrator().Run(context.Background(), d)
	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Equal(t, []string{"INC-7001"}, f.claims.released)
}

func TestOrchestrator_JournalFailureIsBestEffort(t *testing.T) {
	f := newFixture()
	broken := &fakeJournal{appendErr: errors.New("pq: connection refused")}
	o := New(Config{}, Deps{
		Fetcher:     f.fetcher,
		Store:       f.store,
		Analyzer:    f.analyzer,
		Publisher:   f.publisher,
		DeadLetters: f.deadLetters,
		Journal:     broken,
	}, nil)
	d := delivery(t)

	outcome, err := o.Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)
}

func TestOrchestrator_IndexerFailureIsBestEffort(t *testing.T) {
	f := newFixture()
	f.indexer.err = errors.New("opensearch returned error: 503")
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)
	assert.Equal(t, 1, f.indexer.calls)
}

func TestOrchestrator_OptionalDepsMayBeNil(t *testing.T) {
	f := newFixture()
	o := New(Config{}, Deps{
		Fetcher:     f.fetcher,
		Store:       f.store,
		Analyzer:    f.analyzer,
		Publisher:   f.publisher,
		DeadLetters: f.deadLetters,
	}, nil)
	d := delivery(t)

	outcome, err := o.Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)
}

func TestOrchestrator_PartialEvidenceProceeds(t *testing.T) {
	f := newFixture()
	f.fetcher.bundle = &model.EvidenceBundle{
		IncidentID: "INC-7001",
		FetchedAt:  time.Now().UTC(),
		Results: map[model.SourceType]model.SourceResult{
			model.SourceLogs:   {Type: model.SourceLogs, Response: json.RawMessage(`{"data":{}}`), Rows: 4, DurationMS: 80},
			model.SourceTraces: {Type: model.SourceTraces, Error: "status 502 from traces endpoint"},
		},
	}
	d := delivery(t)

	outcome, err := f.orchestrator().Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)

	// Only the succeeding source is stored or advertised downstream.
	assert.Len(t, f.store.raw, 1)
	assert.Contains(t, f.publisher.out.Sources, "logs")
	assert.NotContains(t, f.publisher.out.Sources, "traces")
	assert.Contains(t, f.publisher.out.Sources, model.AnalysisSourceKey)
}

func TestConfig_Defaults(t *testing.T) {
	o := New(Config{}, Deps{}, nil)
	assert.Equal(t, 5, o.cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, o.cfg.RequeueDelay)
	assert.Equal(t, 3, o.cfg.StorageRetry.Attempts)
}
