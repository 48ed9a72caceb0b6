package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jordanhubbard/routingcore/internal/batcher"
	"github.com/jordanhubbard/routingcore/internal/cache"
	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/config"
	"github.com/jordanhubbard/routingcore/internal/engine"
	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/executor"
	"github.com/jordanhubbard/routingcore/internal/health"
	"github.com/jordanhubbard/routingcore/internal/httpapi"
	"github.com/jordanhubbard/routingcore/internal/metrics"
	"github.com/jordanhubbard/routingcore/internal/obslog"
	"github.com/jordanhubbard/routingcore/internal/preprocess"
	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/providers/anthropic"
	"github.com/jordanhubbard/routingcore/internal/providers/openai"
	"github.com/jordanhubbard/routingcore/internal/providers/vllm"
	"github.com/jordanhubbard/routingcore/internal/registry"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
	"github.com/jordanhubbard/routingcore/internal/responseprocessor"
	"github.com/jordanhubbard/routingcore/internal/router"
	"github.com/jordanhubbard/routingcore/internal/temporal"
	"github.com/jordanhubbard/routingcore/internal/tracing"
)

// version is set at build time via -ldflags.
var version = "dev"

// runHealthCheck performs an HTTP health check against the given address.
// addr should be in the form ":port" or "host:port".
func runHealthCheck(addr string) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost%s/healthz", addr))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	// Built-in health check mode for Docker HEALTHCHECK (distroless has no curl).
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		addr := os.Getenv("ROUTINGCORE_LISTEN_ADDR")
		if addr == "" {
			addr = ":8080"
		}
		if err := runHealthCheck(addr); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := obslog.Setup(cfg.LogLevel)
	logger.Info("routingcore starting", slog.String("version", version))

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		log.Fatalf("tracing init error: %v", err)
	}

	policy, err := config.LoadRoutingPolicy(cfg.RoutingPolicyFile)
	if err != nil {
		log.Fatalf("routing policy error: %v", err)
	}

	metricsReg := metrics.New()
	bus := events.NewBus()

	providerSet, probeTargets := buildProviders(cfg)
	lookup := func(agentID string) (provider.Provider, bool) {
		p, ok := providerSet[agentID]
		return p, ok
	}

	store, err := buildCacheStore(cfg)
	if err != nil {
		log.Fatalf("cache backend error: %v", err)
	}

	engineCfg := engine.Config{
		Preprocess: preprocess.Config{
			MaxContentLen: cfg.MaxContentLen,
		},
		Batcher: batcherConfig(cfg),
		Executor: executor.Config{
			MaxRetries:           cfg.MaxRetries,
			BaseRetryDelay:       time.Duration(cfg.BaseRetryDelayMs) * time.Millisecond,
			MaxRetryDelay:        time.Duration(cfg.MaxRetryDelayMs) * time.Millisecond,
			RetryJitter:          cfg.RetryJitter,
			BreakerThreshold:     cfg.BreakerThreshold,
			BreakerTimeout:       time.Duration(cfg.BreakerTimeoutMs) * time.Millisecond,
			FallbackEnabled:      cfg.FallbackEnabled,
			DegradationEnabled:   cfg.DegradationEnabled,
			DeadlineSafetyMargin: 500 * time.Millisecond,
		},
		ResponseProcessor: responseprocessor.DefaultConfig(),
		Health:            registry.DefaultHealthConfig(),
		CacheTTL:          time.Duration(cfg.CacheTTLSec) * time.Second,
		EmergencyAgentID:  cfg.EmergencyAgentID,
		FallbackDisabled:  !cfg.FallbackEnabled,
		DefaultDeadline:   30 * time.Second,

		OrchestrationEnabled:   true,
		OrchestrationMode:      router.OrchestrationAdversarial,
		OrchestrationIterations: 1,

		RouterOptions: []router.Option{
			router.WithPriorityOverrides(policy.StrategyPriorities),
			router.WithTieBreakWeights(policy.TieBreak.QualityWeight, policy.TieBreak.LatencyWeight, policy.TieBreak.CostWeight),
		},
	}

	bandit := router.NewLoadBalancedBandit(router.NewThompsonSampler())
	core := engine.New(engineCfg, store, lookup, bus, clock.Real, bandit)

	for _, agent := range buildAgents(cfg, providerSet) {
		core.Registry().Register(agent)
	}

	prober := health.NewProber(health.DefaultProberConfig(), core.Registry(), probeTargets, logger)
	prober.Start()

	var temporalMgr *temporal.Manager
	if cfg.TemporalEnabled {
		acts := temporal.NewActivities(lookup, bus, cfg.BreakerThreshold, time.Duration(cfg.BreakerTimeoutMs)*time.Millisecond)
		temporalMgr, err = temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, acts)
		if err != nil {
			log.Fatalf("temporal init error: %v", err)
		}
		if err := temporalMgr.Start(); err != nil {
			log.Fatalf("temporal worker start error: %v", err)
		}
		logger.Info("temporal worker started", slog.String("task_queue", cfg.TemporalTaskQueue))
	}

	opsHandler := tracing.Middleware()(httpapi.NewRouter(httpapi.Dependencies{
		Metrics:  metricsReg,
		EventBus: bus,
	}))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           opsHandler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      300 * time.Second, // allow long LLM streaming responses
	}

	go func() {
		logger.Info("routingcore ops surface listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	// core.Submit/SubmitStreaming is the transport-agnostic API; this binary
	// exposes only the ops surface above, since request-submission
	// transports (HTTP, gRPC, queue consumers) are external collaborators.

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down (draining in-flight requests)...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown error", slog.String("error", err.Error()))
	}
	prober.Stop()
	if temporalMgr != nil {
		temporalMgr.Stop()
	}
	if err := tracingShutdown(ctx); err != nil {
		logger.Warn("tracing shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
}

// batcherConfig translates the flat config.Config fields onto
// batcher.Config.
func batcherConfig(cfg config.Config) batcher.Config {
	return batcher.Config{
		MaxBatchSize:     cfg.MaxBatchSize,
		MinBatchSize:     cfg.MinBatchSize,
		BaseMaxWaitTime:  time.Duration(cfg.MaxWaitTimeMs) * time.Millisecond,
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		HighWater:        cfg.HighWater,
		LowWater:         cfg.LowWater,
	}
}

// chatCapabilities is the flag set every chat-completion-style backend
// (Anthropic, OpenAI, vLLM) advertises. Embedding and multimodal backends
// are out of scope for this demo wiring (spec §1 leaves backend discovery
// itself an external/operational concern).
var chatCapabilities = map[string]bool{
	"text":     true,
	"chat":     true,
	"code":     true,
	"analysis": true,
}

// buildProviders constructs one Provider adapter per configured model and
// returns both the agentID->Provider lookup table the Executor/Orchestrator
// consume and the Probeable subset the health Prober watches.
func buildProviders(cfg config.Config) (map[string]provider.Provider, []health.Probeable) {
	providerSet := make(map[string]provider.Provider)
	var targets []health.Probeable

	for _, model := range cfg.AnthropicModels {
		a := anthropic.New(model, cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, model, chatCapabilities)
		providerSet[model] = a
		targets = append(targets, a)
	}
	for _, model := range cfg.OpenAIModels {
		a := openai.New(model, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, model, chatCapabilities)
		providerSet[model] = a
		targets = append(targets, a)
	}
	if cfg.VLLMModel != "" && len(cfg.VLLMEndpoints) > 0 {
		v := vllm.New(cfg.VLLMModel, cfg.VLLMModel, chatCapabilities, cfg.VLLMEndpoints[0], vllm.WithEndpoints(cfg.VLLMEndpoints[1:]...))
		providerSet[cfg.VLLMModel] = v
		targets = append(targets, v)
	}
	return providerSet, targets
}

// buildAgents turns each configured Provider into the Agent record the
// AgentRegistry ranks against. Latency/quality/cost figures are
// placeholder operational defaults an operator would tune post-deploy via
// the registry's live stats, not values sourced from any provider API.
func buildAgents(cfg config.Config, providerSet map[string]provider.Provider) []reqtype.Agent {
	agents := make([]reqtype.Agent, 0, len(providerSet))
	for id, p := range providerSet {
		capabilities := make(map[string]reqtype.Capability, len(p.Capabilities()))
		for name, has := range p.Capabilities() {
			if has {
				capabilities[name] = reqtype.Capability{Name: name, Proficiency: 1.0}
			}
		}
		agents = append(agents, reqtype.Agent{
			ID:                 id,
			Kind:               reqtype.KindProvider,
			BackendType:        backendTypeOf(cfg, id),
			Capabilities:       capabilities,
			CostPerInputToken:  0.000003,
			CostPerOutputToken: 0.000015,
			LatencyP50:         400,
			LatencyP95:         1200,
			MaxConcurrency:     20,
			HealthState:        reqtype.HealthHealthy,
			QualityScore:       0.85,
		})
	}
	return agents
}

func backendTypeOf(cfg config.Config, id string) string {
	for _, m := range cfg.AnthropicModels {
		if m == id {
			return "anthropic"
		}
	}
	for _, m := range cfg.OpenAIModels {
		if m == id {
			return "openai"
		}
	}
	if id == cfg.VLLMModel {
		return "vllm"
	}
	return "unknown"
}

// buildCacheStore selects the Cache's KVStore backend per
// ROUTINGCORE_CACHE_BACKEND, already validated by config.Validate.
func buildCacheStore(cfg config.Config) (cache.KVStore, error) {
	switch cfg.CacheBackend {
	case "redis":
		return cache.NewRedisStore(cfg.RedisAddr, "routingcore"), nil
	case "sqlite":
		return cache.NewSQLiteStore(cfg.SQLiteDSN)
	default:
		return cache.NewMemoryStore(10000), nil
	}
}
