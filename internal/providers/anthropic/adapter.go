// Package anthropic implements the Provider collaborator contract (spec
// §6) against Anthropic's Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/providers"
)

// Adapter implements provider.Provider for Anthropic.
type Adapter struct {
	id           string
	apiKey       string
	baseURL      string
	modelID      string
	capabilities map[string]bool
	client       *http.Client
}

// New creates a new Anthropic adapter. modelID is the concrete model this
// Adapter instance targets (one Agent per model, per the registry's
// one-ID-per-backend convention). A zero timeout defaults to 30s.
func New(id, apiKey, baseURL, modelID string, capabilities map[string]bool, opts ...Option) *Adapter {
	a := &Adapter{
		id:           id,
		apiKey:       apiKey,
		baseURL:      baseURL,
		modelID:      modelID,
		capabilities: capabilities,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client = &http.Client{Timeout: d} }
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Capabilities() map[string]bool { return a.capabilities }

// HealthEndpoint satisfies internal/health.Probeable. A GET to the messages
// endpoint returns 405 (Method Not Allowed), which proves reachability
// without spending a completion.
func (a *Adapter) HealthEndpoint() string { return a.baseURL + "/v1/messages" }

func (a *Adapter) HealthProbe(ctx context.Context) (provider.HealthReport, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.HealthEndpoint(), nil)
	if err != nil {
		return provider.HealthReport{}, err
	}
	for k, v := range a.headers() {
		req.Header.Set(k, v)
	}
	resp, err := a.client.Do(req)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		return provider.HealthReport{Healthy: false, LatencyMs: latency, Detail: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	// A GET to a completions endpoint typically returns 405 (Method Not
	// Allowed) rather than 200; anything below 500 proves the backend is
	// reachable and routing requests rather than erroring out internally.
	healthy := resp.StatusCode < 500
	report := provider.HealthReport{Healthy: healthy, LatencyMs: latency}
	if !healthy {
		report.Detail = resp.Status
	}
	return report, nil
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}
}

func (a *Adapter) Execute(ctx context.Context, call provider.PreparedCall, deadline time.Time) (provider.RawResult, error) {
	payload := map[string]any{
		"model":      a.modelID,
		"max_tokens": 4096,
		"messages": []map[string]string{
			{"role": "user", "content": call.Content},
		},
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, a.headers())
	if err != nil {
		return provider.RawResult{}, classify(err)
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return provider.RawResult{}, &provider.Error{Kind: provider.FatalServer, Err: err}
	}

	var text strings.Builder
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return provider.RawResult{
		Content:      text.String(),
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

// classify maps a StatusError onto the provider.ErrorKind taxonomy the
// Executor's recovery chain consumes.
func classify(err error) *provider.Error {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 401 || se.StatusCode == 403:
			return &provider.Error{Kind: provider.AuthFailure, Err: err}
		case se.StatusCode == 429 || se.StatusCode == 529:
			return &provider.Error{Kind: provider.RateLimited, Err: err, RetryAfter: se.RetryAfterSecs}
		case se.StatusCode >= 500:
			return &provider.Error{Kind: provider.FatalServer, Err: err}
		case strings.Contains(se.Body, "prompt is too long") || strings.Contains(se.Body, "prompt_too_long"):
			return &provider.Error{Kind: provider.FatalClient, Err: err}
		case se.StatusCode >= 400:
			return &provider.Error{Kind: provider.FatalClient, Err: err}
		}
	}
	return &provider.Error{Kind: provider.Retryable, Err: err}
}
