package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vigil-io/vigil/internal/monitor"
)

const defaultHTTPTimeout = 10 * time.Second

type httpConfig struct {
	Timeout float64 `json:"timeout"` // seconds
}

// HTTPExecutor issues a GET to the check target and classifies the response:
// any status below 400 is ok, anything else an http_status error.
type HTTPExecutor struct {
	client    *http.Client
	ownClient bool
	logger    *slog.Logger
}

var _ Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor builds an executor using the batch's shared HTTP client,
// creating a private one when none was provisioned.
func NewHTTPExecutor(res *Resources, logger *slog.Logger) *HTTPExecutor {
	if res != nil && res.HTTPClient != nil {
		return &HTTPExecutor{client: res.HTTPClient, logger: logger}
	}

	return &HTTPExecutor{client: &http.Client{}, ownClient: true, logger: logger}
}

// Execute performs the probe.
func (e *HTTPExecutor) Execute(ctx context.Context, check monitor.Check) *monitor.Result {
	var cfg httpConfig
	if err := decodeData(check.Data, &cfg); err != nil {
		return configError(check.ID, err.Error())
	}

	timeout := timeoutSeconds(cfg.Timeout, defaultHTTPTimeout)

	status, duration, err := fetch(ctx, e.client, check.Target, timeout, nil)
	if err != nil {
		if cancelled(ctx) {
			return nil
		}

		errorType := "request_error"
		if errors.Is(err, context.DeadlineExceeded) {
			errorType = "timeout"
		}

		result := monitor.ErrorResult(check.ID, errorType, err.Error())
		result.Payload["duration_ms"] = duration.Milliseconds()

		return result
	}

	if status >= http.StatusBadRequest {
		result := monitor.ErrorResult(check.ID, "http_status",
			fmt.Sprintf("unexpected HTTP status %d", status))
		result.Payload["status_code"] = status
		result.Payload["duration_ms"] = duration.Milliseconds()

		return result
	}

	return monitor.OKResult(check.ID, map[string]any{
		"status_code": status,
		"duration_ms": duration.Milliseconds(),
	})
}

// Close releases the private client's idle connections; a shared client is
// owned by the runner's resource set.
func (e *HTTPExecutor) Close() error {
	if e.ownClient {
		e.client.CloseIdleConnections()
	}

	return nil
}

// fetch GETs a URL within timeout, drains the body, and returns the status
// code plus elapsed time. When basicAuth is non-nil it carries
// {username, password}.
func fetch(ctx context.Context, client *http.Client, url string, timeout time.Duration, basicAuth *[2]string) (int, time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}

	if basicAuth != nil {
		req.SetBasicAuth(basicAuth[0], basicAuth[1])
	}

	resp, err := client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("request timed out after %s: %w", timeout, context.DeadlineExceeded)
		}

		return 0, elapsed, err
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	return resp.StatusCode, elapsed, nil
}
