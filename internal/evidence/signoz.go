package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

const (
	queryRangePath = "/api/v5/query_range"
	apiKeyHeader   = "SIGNOZ-API-KEY"
)

// serviceFilter builds the backend filter expression scoping a query to one
// service.
func serviceFilter(service string) string {
	return fmt.Sprintf("service.name = '%s'", service)
}

// logsQuery builds a v5 query-range payload for raw logs, newest first.
func logsQuery(startMS, endMS int64, filter string, limit int) map[string]interface{} {
	return map[string]interface{}{
		"start":       startMS,
		"end":         endMS,
		"requestType": "raw",
		"variables":   map[string]interface{}{},
		"compositeQuery": map[string]interface{}{
			"queries": []map[string]interface{}{{
				"type": "builder_query",
				"spec": map[string]interface{}{
					"name":   "A",
					"signal": "logs",
					"filter": map[string]interface{}{"expression": filter},
					"order": []map[string]interface{}{
						{"key": map[string]interface{}{"name": "timestamp"}, "direction": "desc"},
						{"key": map[string]interface{}{"name": "id"}, "direction": "desc"},
					},
					"offset": 0,
					"limit":  limit,
				},
			}},
		},
	}
}

// tracesQuery builds a v5 query-range payload for raw traces, slowest first.
func tracesQuery(startMS, endMS int64, filter string, limit int) map[string]interface{} {
	return map[string]interface{}{
		"start":       startMS,
		"end":         endMS,
		"requestType": "raw",
		"variables":   map[string]interface{}{},
		"compositeQuery": map[string]interface{}{
			"queries": []map[string]interface{}{{
				"type": "builder_query",
				"spec": map[string]interface{}{
					"name":   "A",
					"signal": "traces",
					"filter": map[string]interface{}{"expression": filter},
					"order": []map[string]interface{}{
						{"key": map[string]interface{}{"name": "durationNano"}, "direction": "desc"},
					},
					"offset": 0,
					"limit":  limit,
				},
			}},
		},
	}
}

// metricsQuery builds a v5 time-series payload for the request-rate metric.
// The metrics signal does not take the service filter expression, so the
// query is scoped only by the time window.
func metricsQuery(startMS, endMS int64, metricName string, stepSeconds int64) map[string]interface{} {
	return map[string]interface{}{
		"start":       startMS,
		"end":         endMS,
		"requestType": "time_series",
		"compositeQuery": map[string]interface{}{
			"queries": []map[string]interface{}{{
				"type": "builder_query",
				"spec": map[string]interface{}{
					"name":         "A",
					"signal":       "metrics",
					"stepInterval": stepSeconds,
					"aggregations": []map[string]interface{}{{
						"metricName":       metricName,
						"timeAggregation":  "rate",
						"spaceAggregation": "sum",
					}},
					"filter":   map[string]interface{}{},
					"groupBy":  []map[string]interface{}{},
					"disabled": false,
				},
			}},
		},
	}
}

// countRows extracts the number of result rows (or series, for metrics) from
// a v5 query-range response body. Malformed bodies count as zero.
func countRows(body []byte, sourceType model.SourceType) int {
	var envelope struct {
		Data struct {
			Data struct {
				Results []struct {
					Rows   []json.RawMessage `json:"rows"`
					Series []json.RawMessage `json:"series"`
				} `json:"results"`
			} `json:"data"`
		} `json:"data"`
	}

	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0
	}
	results := envelope.Data.Data.Results
	if len(results) == 0 {
		return 0
	}
	if sourceType == model.SourceMetrics {
		return len(results[0].Series)
	}
	return len(results[0].Rows)
}

// apiError is a non-2xx response from the telemetry backend.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("query failed with status %d: %s", e.status, e.body)
}

// backendClient talks to one telemetry backend using the credentials carried
// on the incident message. It is built per data source and discarded after
// the fetch; the underlying HTTP transport is shared for connection reuse.
type backendClient struct {
	endpoint   string
	apiKey     string
	client     *http.Client
	maxRetries int
	retryBase  time.Duration
	maxBody    int64
}

// queryRange executes a v5 query with bounded retries. Timeouts, connection
// errors, 5xx and 429 responses are retried with exponential backoff (the
// wait is doubled when the backend is rate limiting); other client errors
// are returned immediately.
func (c *backendClient) queryRange(ctx context.Context, payload map[string]interface{}) ([]byte, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		body, err := c.do(ctx, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) || attempt >= c.maxRetries {
			return nil, lastErr
		}

		wait := c.retryBase << attempt
		var ae *apiError
		if errors.As(err, &ae) && ae.status == http.StatusTooManyRequests {
			wait *= 2
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *backendClient) do(ctx context.Context, payload map[string]interface{}) ([]byte, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	url := strings.TrimRight(c.endpoint, "/") + queryRangePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{status: resp.StatusCode, body: truncate(string(body), 500)}
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("response exceeds %d bytes", c.maxBody)
	}

	return body, nil
}

// retryable reports whether the fetch should be attempted again. Rate limits
// and server errors are transient; so are network timeouts and connection
// failures. Anything else (bad request, auth rejection, oversized response)
// will not improve with repetition.
func retryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status == http.StatusTooManyRequests || ae.status >= http.StatusInternalServerError
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
