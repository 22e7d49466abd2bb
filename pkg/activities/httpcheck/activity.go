// Package httpcheck provides an HTTP liveness activity: a GET against a URL
// that succeeds iff the status code falls in [200, 300).
package httpcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lfarias/sagaflow/pkg/saga"
)

const defaultTimeout = 10 * time.Second

// SagaName is the builtin single-step saga registered for scheduled
// liveness probes.
const SagaName = "healthcheck"

// Result is the outcome of a single probe.
type Result struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code"`
	URL        string `json:"url"`
}

// Activity implements saga.Activity over an HTTP client.
type Activity struct {
	client *http.Client
	logger *slog.Logger
}

func NewActivity(client *http.Client, logger *slog.Logger) *Activity {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return &Activity{
		client: client,
		logger: logger.With("module", "httpcheck"),
	}
}

// Execute probes the "url" entry of the run input.
func (a *Activity) Execute(ctx context.Context, runID string, input map[string]any) (any, error) {
	url, _ := input["url"].(string)
	if url == "" {
		return nil, errors.New("httpcheck requires a url input")
	}

	result, err := a.Check(ctx, url)
	if err != nil {
		return nil, err
	}

	if !result.OK {
		return result, fmt.Errorf("unhealthy status code %d from %s", result.StatusCode, url)
	}

	return result, nil
}

// Check performs the probe without saga bookkeeping, for synchronous use.
func (a *Activity) Check(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	result := &Result{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		URL:        url,
	}

	a.logger.DebugContext(ctx, "Probe completed", "url", url, "status_code", resp.StatusCode, "ok", result.OK)

	return result, nil
}

// Definition returns the builtin healthcheck saga: one probe step, no
// compensation, no confirmation signals.
func Definition(client *http.Client, logger *slog.Logger) *saga.Definition {
	return &saga.Definition{
		Name: SagaName,
		Steps: []saga.Step{
			{
				Name:     "probe",
				Activity: NewActivity(client, logger),
				Timeout:  defaultTimeout,
			},
		},
	}
}
