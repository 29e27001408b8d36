package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vigil-io/vigil/internal/monitor"
)

const maxJSONBodySize = 4 << 20 // 4 MiB

type jsonConfig struct {
	retrySpec

	Timeout    float64 `json:"timeout"` // seconds
	Username   string  `json:"username"`
	Password   string  `json:"password"`
	Thresholds []Rule  `json:"thresholds"`
}

// JSONExecutor fetches a JSON document over HTTP and applies threshold rules
// to it. Registered for both the json-http and json-metrics kinds. Transport
// errors, timeouts, and 5xx responses are transient and eligible for retry;
// 4xx responses are configuration problems and fail fast.
type JSONExecutor struct {
	client    *http.Client
	ownClient bool
	logger    *slog.Logger
}

var _ Executor = (*JSONExecutor)(nil)

// NewJSONExecutor builds an executor using the batch's shared HTTP client.
func NewJSONExecutor(res *Resources, logger *slog.Logger) *JSONExecutor {
	if res != nil && res.HTTPClient != nil {
		return &JSONExecutor{client: res.HTTPClient, logger: logger}
	}

	return &JSONExecutor{client: &http.Client{}, ownClient: true, logger: logger}
}

// Execute performs the probe.
func (e *JSONExecutor) Execute(ctx context.Context, check monitor.Check) *monitor.Result {
	var cfg jsonConfig
	if err := decodeData(check.Data, &cfg); err != nil {
		return configError(check.ID, err.Error())
	}

	// json-http may omit rules (plain reachability plus JSON validity);
	// json-metrics exists only to evaluate them.
	if check.Kind == monitor.KindJSONMetrics && len(cfg.Thresholds) == 0 {
		return configError(check.ID, "thresholds must contain at least one rule")
	}

	timeout := timeoutSeconds(cfg.Timeout, defaultHTTPTimeout)

	return retrying(ctx, cfg.Retries, cfg.delay(), func(ctx context.Context) (*monitor.Result, bool) {
		return e.attempt(ctx, check, cfg, timeout)
	})
}

func (e *JSONExecutor) attempt(ctx context.Context, check monitor.Check, cfg jsonConfig, timeout time.Duration) (*monitor.Result, bool) {
	status, body, duration, err := e.fetchBody(ctx, check.Target, cfg, timeout)
	if err != nil {
		if cancelled(ctx) {
			return nil, false
		}

		errorType := "request_error"
		if errors.Is(err, context.DeadlineExceeded) {
			errorType = "timeout"
		}

		result := monitor.ErrorResult(check.ID, errorType, err.Error())
		result.Payload["duration_ms"] = duration.Milliseconds()

		return result, true
	}

	if status >= http.StatusInternalServerError {
		result := monitor.ErrorResult(check.ID, "http_status",
			fmt.Sprintf("unexpected HTTP status %d", status))
		result.Payload["status_code"] = status
		result.Payload["duration_ms"] = duration.Milliseconds()

		return result, true
	}

	if status >= http.StatusBadRequest {
		result := monitor.ErrorResult(check.ID, "http_status",
			fmt.Sprintf("unexpected HTTP status %d", status))
		result.Payload["status_code"] = status
		result.Payload["duration_ms"] = duration.Milliseconds()

		return result, false
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		result := monitor.ErrorResult(check.ID, "json_error",
			fmt.Sprintf("response is not valid JSON: %v", err))
		result.Payload["status_code"] = status
		result.Payload["duration_ms"] = duration.Milliseconds()

		return result, false
	}

	critical, warning := EvaluateRules(doc, cfg.Thresholds)

	if len(critical) > 0 {
		result := monitor.ErrorResult(check.ID, "threshold_failed",
			fmt.Sprintf("%d threshold rule(s) failed", len(critical)+len(warning)))
		result.Payload["failed_rules"] = FailurePayloads(append(critical, warning...))
		result.Payload["status_code"] = status
		result.Payload["duration_ms"] = duration.Milliseconds()

		return result, false
	}

	payload := map[string]any{
		"status_code": status,
		"duration_ms": duration.Milliseconds(),
	}

	// Warning-only failures keep the check passing but mark the result so
	// dashboards and notifiers can surface the degradation.
	if len(warning) > 0 {
		payload["severity"] = SeverityWarning
		payload["failed_rules"] = FailurePayloads(warning)
	}

	return monitor.OKResult(check.ID, payload), false
}

func (e *JSONExecutor) fetchBody(ctx context.Context, url string, cfg jsonConfig, timeout time.Duration) (int, []byte, time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if cfg.Username != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		elapsed := time.Since(start)

		if reqCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("request timed out after %s: %w", timeout, context.DeadlineExceeded)
		}

		return 0, nil, elapsed, err
	}

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBodySize))
	elapsed := time.Since(start)

	if err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("reading body timed out after %s: %w", timeout, context.DeadlineExceeded)
		}

		return 0, nil, elapsed, fmt.Errorf("read response body: %w", err)
	}

	return resp.StatusCode, body, elapsed, nil
}

// Close releases the private client's idle connections.
func (e *JSONExecutor) Close() error {
	if e.ownClient {
		e.client.CloseIdleConnections()
	}

	return nil
}
