package vllm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jordanhubbard/routingcore/internal/provider"
)

func TestExecuteSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no Authorization header for vLLM, got %s", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected /v1/chat/completions, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Hello from vLLM!"}},
			},
		})
	}))
	defer ts.Close()

	a := New("vllm-local", "local-model", map[string]bool{"chat": true}, ts.URL)
	res, err := a.Execute(context.Background(), provider.PreparedCall{Content: "hi"}, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "Hello from vLLM!" {
		t.Errorf("unexpected content: %q", res.Content)
	}
}

func TestExecuteRateLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer ts.Close()

	a := New("vllm-local", "local-model", nil, ts.URL)
	_, err := a.Execute(context.Background(), provider.PreparedCall{Content: "hi"}, time.Now().Add(time.Minute))
	if err == nil {
		t.Fatal("expected error")
	}
	pe := err.(*provider.Error)
	if pe.Kind != provider.RateLimited {
		t.Errorf("expected RateLimited, got %s", pe.Kind)
	}
}

func TestExecuteServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`internal error`))
	}))
	defer ts.Close()

	a := New("vllm-local", "local-model", nil, ts.URL)
	_, err := a.Execute(context.Background(), provider.PreparedCall{Content: "hi"}, time.Now().Add(time.Minute))
	if err == nil {
		t.Fatal("expected error")
	}
	pe := err.(*provider.Error)
	if pe.Kind != provider.FatalServer {
		t.Errorf("expected FatalServer, got %s", pe.Kind)
	}
}

func TestExecutePayload(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer ts.Close()

	a := New("vllm-local", "my-local-model", nil, ts.URL)
	_, _ = a.Execute(context.Background(), provider.PreparedCall{Content: "Hello"}, time.Now().Add(time.Minute))

	if payload["model"] != "my-local-model" {
		t.Errorf("expected model my-local-model, got %v", payload["model"])
	}
}

func TestExecuteRoundRobin(t *testing.T) {
	var hitsA, hitsB atomic.Int64
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsA.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"a"}}]}`))
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"b"}}]}`))
	}))
	defer srvB.Close()

	a := New("vllm-local", "local-model", nil, srvA.URL, WithEndpoints(srvB.URL))
	for i := 0; i < 4; i++ {
		_, err := a.Execute(context.Background(), provider.PreparedCall{Content: "hi"}, time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if hitsA.Load() != 2 || hitsB.Load() != 2 {
		t.Errorf("expected even round-robin split, got a=%d b=%d", hitsA.Load(), hitsB.Load())
	}
}

func TestIDAndCapabilities(t *testing.T) {
	caps := map[string]bool{"chat": true}
	a := New("vllm-local", "local-model", caps, "http://localhost:8000")
	if a.ID() != "vllm-local" {
		t.Errorf("unexpected ID: %s", a.ID())
	}
	if !a.Capabilities()["chat"] {
		t.Error("expected chat capability")
	}
}
