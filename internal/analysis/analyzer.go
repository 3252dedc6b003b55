// Package analysis turns an incident's gathered evidence into a triage
// verdict via the Anthropic Messages API. Partial evidence reduces scope,
// never aborts: whatever sources fetched successfully are what the model
// sees.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/internal/metrics"
	"github.com/telhawk-systems/telhawk-triage/internal/model"
	"github.com/telhawk-systems/telhawk-triage/internal/retry"
)

// Config holds inference settings.
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint, for tests and proxies.
	BaseURL string

	Model     string
	MaxTokens int64

	// Timeout bounds each inference attempt.
	Timeout time.Duration

	// MaxRetries is how many times a transient failure is retried on top of
	// the first attempt.
	MaxRetries int

	// RetryBase is the delay before the first retry; later retries double.
	RetryBase time.Duration

	// MaxEvidenceBytes bounds how much raw evidence is quoted to the model
	// per source type.
	MaxEvidenceBytes int
}

// DefaultConfig returns production inference settings.
func DefaultConfig() Config {
	return Config{
		Model:            "claude-sonnet-4-20250514",
		MaxTokens:        2048,
		Timeout:          120 * time.Second,
		MaxRetries:       2,
		RetryBase:        time.Second,
		MaxEvidenceBytes: 16 * 1024,
	}
}

// AnalysisError is the terminal failure of the analysis stage after the
// retry budget is exhausted or a non-retryable API error.
type AnalysisError struct {
	Attempts int
	Err      error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Analyzer produces verdicts from evidence bundles.
type Analyzer struct {
	cfg    Config
	client anthropic.Client
	logger *logging.Logger
}

// New builds an Analyzer. SDK-level retries are disabled; the retry policy
// here is the only one.
func New(cfg Config, logger *logging.Logger) *Analyzer {
	if logger == nil {
		logger = logging.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Analyzer{
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
		logger: logger,
	}
}

// Analyze submits the incident's evidence and returns the verdict. Transient
// API failures (timeouts, 429, 5xx) are retried with exponential backoff; a
// reply that is not the instructed JSON degrades to a summary-only result
// rather than failing the incident.
func (a *Analyzer) Analyze(ctx context.Context, inc model.Incident, bundle *model.EvidenceBundle) (*model.AnalysisResult, error) {
	sources := bundle.Succeeded()
	if len(sources) == 0 {
		return nil, &AnalysisError{Attempts: 0, Err: errors.New("no successful evidence sources to analyze")}
	}

	prompt := buildPrompt(inc, bundle, a.cfg.MaxEvidenceBytes)

	policy := retry.Policy{
		Base:     a.cfg.RetryBase,
		Cap:      30 * time.Second,
		Attempts: a.cfg.MaxRetries + 1,
		Jitter:   0.2,
	}

	var (
		msg      *anthropic.Message
		attempts int
	)
	err := policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		began := time.Now()
		m, err := a.complete(ctx, prompt)
		metrics.AnalysisDuration.Observe(time.Since(began).Seconds())

		if err == nil && verdictText(m) == "" {
			err = errors.New("empty analysis response")
		}
		if err != nil {
			metrics.AnalysisErrors.Inc()
			a.logger.Warn("analysis attempt failed",
				logging.IncidentID(inc.IncidentID),
				logging.Attempt(attempts),
				logging.Error(err))
			if !transient(err) {
				return retry.Permanent(err)
			}
			return err
		}

		msg = m
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &AnalysisError{Attempts: attempts, Err: err}
	}

	metrics.AnalysisTokens.WithLabelValues("input").Add(float64(msg.Usage.InputTokens))
	metrics.AnalysisTokens.WithLabelValues("output").Add(float64(msg.Usage.OutputTokens))

	text := verdictText(msg)
	v, ok := parseVerdict(text)
	if !ok {
		a.logger.Warn("analysis reply was not the verdict JSON, storing summary only",
			logging.IncidentID(inc.IncidentID))
		v = verdict{Summary: text, Severity: model.SeverityInfo}
	}

	result := &model.AnalysisResult{
		IncidentID:   inc.IncidentID,
		Summary:      v.Summary,
		Severity:     v.Severity,
		Confidence:   v.Confidence,
		Sources:      sources,
		Model:        string(msg.Model),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		CreatedAt:    time.Now().UTC(),
	}

	a.logger.Info("analysis complete",
		logging.IncidentID(inc.IncidentID),
		"severity", result.Severity,
		"confidence", result.Confidence,
		"sources", len(sources),
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens)

	return result, nil
}

func (a *Analyzer) complete(ctx context.Context, prompt string) (*anthropic.Message, error) {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	return a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		MaxTokens: a.cfg.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(0.3),
	})
}

// transient reports whether a failed attempt may succeed on retry. Rate
// limits and server errors qualify; other API errors are permanent.
// Anything that is not an API error (timeouts, connection resets) is worth
// retrying.
func transient(err error) bool {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode >= 500
	}
	return true
}
