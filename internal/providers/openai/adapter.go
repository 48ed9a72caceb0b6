// Package openai implements the Provider collaborator contract (spec §6)
// against the OpenAI chat completions API.
package openai

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

// Adapter implements provider.Provider for OpenAI.
type Adapter struct {
	id           string
	apiKey       string
	baseURL      string
	modelID      string
	capabilities map[string]bool
	client       *http.Client
}

// New creates a new OpenAI adapter targeting a single model.
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

// HealthEndpoint satisfies internal/health.Probeable.
func (a *Adapter) HealthEndpoint() string { return a.baseURL + "/v1/chat/completions" }

func (a *Adapter) HealthProbe(ctx context.Context) (provider.HealthReport, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.HealthEndpoint(), nil)
	if err != nil {
		return provider.HealthReport{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	resp, err := a.client.Do(req)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		return provider.HealthReport{Healthy: false, LatencyMs: latency, Detail: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	healthy := resp.StatusCode < 500
	report := provider.HealthReport{Healthy: healthy, LatencyMs: latency}
	if !healthy {
		report.Detail = resp.Status
	}
	return report, nil
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

func (a *Adapter) Execute(ctx context.Context, call provider.PreparedCall, deadline time.Time) (provider.RawResult, error) {
	payload := map[string]any{
		"model": a.modelID,
		"messages": []map[string]string{
			{"role": "user", "content": call.Content},
		},
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, a.headers())
	if err != nil {
		return provider.RawResult{}, classify(err)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return provider.RawResult{}, &provider.Error{Kind: provider.FatalServer, Err: err}
	}
	if len(parsed.Choices) == 0 {
		return provider.RawResult{}, &provider.Error{Kind: provider.FatalServer, Err: errors.New("openai: empty choices array")}
	}

	return provider.RawResult{
		Content:      parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
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
		case se.StatusCode == 429:
			return &provider.Error{Kind: provider.RateLimited, Err: err, RetryAfter: se.RetryAfterSecs}
		case se.StatusCode >= 500:
			return &provider.Error{Kind: provider.FatalServer, Err: err}
		case strings.Contains(se.Body, "context_length_exceeded"):
			return &provider.Error{Kind: provider.FatalClient, Err: err}
		case se.StatusCode >= 400:
			return &provider.Error{Kind: provider.FatalClient, Err: err}
		}
	}
	return &provider.Error{Kind: provider.Retryable, Err: err}
}
