// Package apicall implements the external API call step handler with a
// retrying HTTP client. The workflow id and step id, joined by a colon, form
// the idempotency key so crash recovery can safely re-issue the call.
package apicall

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gridbee/marketflow/pkg/config"
	"github.com/gridbee/marketflow/pkg/handlers"
	"github.com/gridbee/marketflow/pkg/models"
)

const idempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	client *http.Client
	retry  config.Retry
}

func NewHandler(retry config.Retry) *Handler {
	return &Handler{
		client: &http.Client{Timeout: 30 * time.Second},
		retry:  retry,
	}
}

func (h *Handler) Validate(_ context.Context, step models.StepDefinition, _ map[string]any) []models.FieldError {
	if url, _ := step.Configuration["url"].(string); url == "" {
		return []models.FieldError{{Field: "url", Message: "api_call step requires a url"}}
	}

	return nil
}

// Execute issues the configured call under the retry policy. Server errors
// and transport failures are transient; 4xx responses are permanent.
func (h *Handler) Execute(ctx context.Context, ec handlers.ExecutionContext) (handlers.Result, error) {
	response, err := h.call(ctx, ec, callConfig(ec.Step.Configuration))
	if err != nil {
		return handlers.Result{
			Outcome: handlers.OutcomeFailed,
			Output:  map[string]any{"error": err.Error()},
		}, err
	}

	return handlers.Result{Outcome: handlers.OutcomeDefault, Output: response}, nil
}

// Compensate sends the configured counter-request (e.g. revoke credentials).
// Without one, compensation is a no-op for idempotent targets.
func (h *Handler) Compensate(ctx context.Context, ec handlers.ExecutionContext) error {
	compensation, ok := ec.Step.Configuration["compensation"].(map[string]any)
	if !ok {
		return nil
	}

	_, err := h.call(ctx, ec, callConfig(compensation))

	return err
}

type request struct {
	method  string
	url     string
	headers map[string]string
	body    string
}

func callConfig(configuration map[string]any) request {
	r := request{headers: make(map[string]string)}

	r.method, _ = configuration["method"].(string)
	if r.method == "" {
		r.method = http.MethodPost
	}

	r.method = strings.ToUpper(r.method)
	r.url, _ = configuration["url"].(string)
	r.body, _ = configuration["body"].(string)

	if headers, ok := configuration["headers"].(map[string]any); ok {
		for k, v := range headers {
			if value, ok := v.(string); ok {
				r.headers[k] = value
			}
		}
	}

	return r
}

func (h *Handler) call(ctx context.Context, ec handlers.ExecutionContext, r request) (map[string]any, error) {
	var response map[string]any

	err := handlers.Retry(ctx, h.retry, func(ctx context.Context) error {
		var bodyReader io.Reader
		if r.body != "" {
			bodyReader = strings.NewReader(r.body)
		}

		req, err := http.NewRequestWithContext(ctx, r.method, r.url, bodyReader)
		if err != nil {
			return handlers.Permanent(fmt.Errorf("failed to build request: %w", err))
		}

		for key, value := range r.headers {
			req.Header.Set(key, value)
		}

		req.Header.Set(idempotencyKeyHeader, ec.WorkflowID+":"+ec.Step.ID)

		resp, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		defer func() {
			_ = resp.Body.Close()
		}()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error: status %d", resp.StatusCode)
		}

		if resp.StatusCode >= 400 {
			return handlers.Permanent(fmt.Errorf("client error: status %d", resp.StatusCode))
		}

		response = map[string]any{
			"status_code": resp.StatusCode,
			"body":        string(bodyBytes),
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return response, nil
}
