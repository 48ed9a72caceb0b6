// Package vllm implements the Provider collaborator contract (spec §6)
// against a self-hosted vLLM OpenAI-compatible endpoint, round-robining
// across replicas when more than one is configured.
package vllm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/providers"
)

// Adapter implements provider.Provider for vLLM instances. Supports
// round-robin across multiple endpoints behind a single agent ID.
type Adapter struct {
	id           string
	modelID      string
	capabilities map[string]bool
	endpoints    []string
	counter      atomic.Uint64
	client       *http.Client
}

// New creates a new vLLM adapter with one or more endpoints. A zero
// timeout defaults to 30s.
func New(id, modelID string, capabilities map[string]bool, endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		id:           id,
		modelID:      modelID,
		capabilities: capabilities,
		endpoints:    []string{endpoint},
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
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithEndpoints adds additional endpoints for round-robin balancing.
func WithEndpoints(endpoints ...string) Option {
	return func(a *Adapter) { a.endpoints = append(a.endpoints, endpoints...) }
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Capabilities() map[string]bool { return a.capabilities }

// nextEndpoint returns the next endpoint in round-robin order.
func (a *Adapter) nextEndpoint() string {
	idx := a.counter.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
}

// HealthEndpoint satisfies internal/health.Probeable, probing only the
// first configured endpoint.
func (a *Adapter) HealthEndpoint() string { return a.endpoints[0] + "/v1/chat/completions" }

func (a *Adapter) HealthProbe(ctx context.Context) (provider.HealthReport, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.HealthEndpoint(), nil)
	if err != nil {
		return provider.HealthReport{}, err
	}
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

func (a *Adapter) Execute(ctx context.Context, call provider.PreparedCall, deadline time.Time) (provider.RawResult, error) {
	payload := map[string]any{
		"model": a.modelID,
		"messages": []map[string]string{
			{"role": "user", "content": call.Content},
		},
	}

	baseURL := a.nextEndpoint()
	body, err := providers.DoRequest(ctx, a.client, baseURL+"/v1/chat/completions", payload, nil)
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
		return provider.RawResult{}, &provider.Error{Kind: provider.FatalServer, Err: errors.New("vllm: empty choices array")}
	}

	return provider.RawResult{
		Content:      parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// classify maps a StatusError onto the provider.ErrorKind taxonomy the
// Executor's recovery chain consumes. Local vLLM deployments have no auth
// layer of their own, so 401/403 never occurs here.
func classify(err error) *provider.Error {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429:
			return &provider.Error{Kind: provider.RateLimited, Err: err, RetryAfter: se.RetryAfterSecs}
		case se.StatusCode >= 500:
			return &provider.Error{Kind: provider.FatalServer, Err: err}
		case se.StatusCode >= 400:
			return &provider.Error{Kind: provider.FatalClient, Err: err}
		}
	}
	return &provider.Error{Kind: provider.Retryable, Err: err}
}
