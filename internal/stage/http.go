package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pmwflow/internal/config"
	"pmwflow/internal/services"
)

const maxResponseBytes = 8 << 20

// HTTPExecutor forwards stage requests to an external agent service at
// POST <base>/stages/<stage>.
type HTTPExecutor struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPExecutor builds an executor from configuration.
func NewHTTPExecutor(cfg config.HTTPExecutor, client *http.Client) (*HTTPExecutor, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "http executor", "executors.http.base_url is required", nil)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "http executor", "executors.http.base_url is invalid", err)
	}
	if client == nil {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPExecutor{baseURL: base, token: cfg.Token, client: client}, nil
}

type httpResponse struct {
	Output       json.RawMessage `json:"output"`
	Score        *float64        `json:"score"`
	Feedback     string          `json:"feedback"`
	Model        string          `json:"model"`
	Prompt       string          `json:"prompt"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Cost         float64         `json:"cost"`
}

// Execute implements Executor. Transport errors and non-2xx statuses are call
// failures.
func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode stage request: %w", err)
	}
	endpoint := e.baseURL + "/stages/" + url.PathEscape(req.Stage)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build stage request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if e.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Response{}, services.Wrap(services.ErrExecutor, req.Stage, "call agent", "agent service unreachable", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, services.Wrap(services.ErrExecutor, req.Stage, "call agent", "read agent response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("agent returned %s", resp.Status)
		if detail := strings.TrimSpace(string(payload)); detail != "" {
			if len(detail) > 256 {
				detail = detail[:256]
			}
			msg += ": " + detail
		}
		return Response{}, services.Wrap(services.ErrExecutor, req.Stage, "call agent", msg, nil)
	}

	var decoded httpResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Response{}, services.Wrap(services.ErrExecutor, req.Stage, "decode agent response", "agent response is not JSON", err)
	}
	return Response{
		Output:       outputText(decoded.Output),
		Score:        decoded.Score,
		Feedback:     decoded.Feedback,
		Model:        decoded.Model,
		Prompt:       decoded.Prompt,
		InputTokens:  decoded.InputTokens,
		OutputTokens: decoded.OutputTokens,
		Cost:         decoded.Cost,
	}, nil
}

// HealthCheck implements HealthChecker with GET <base>/health.
func (e *HTTPExecutor) HealthCheck(ctx context.Context) Health {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return Unhealthy("http", err.Error())
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return Unhealthy("http", err.Error())
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Unhealthy("http", "agent health returned "+resp.Status)
	}
	return Healthy("http")
}

// outputText accepts either a JSON string or an inline JSON document.
func outputText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err == nil {
			return text
		}
	}
	return string(trimmed)
}
