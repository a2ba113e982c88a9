// Package app wires all Kitsunebi subsystems into a running orchestrator.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithPolicyProvider, WithTTSProvider, etc.). When an option is not
// provided, New creates real worker clients from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kitsunebi-ai/kitsunebi/internal/broker"
	"github.com/kitsunebi-ai/kitsunebi/internal/config"
	"github.com/kitsunebi-ai/kitsunebi/internal/engine"
	"github.com/kitsunebi-ai/kitsunebi/internal/health"
	"github.com/kitsunebi-ai/kitsunebi/internal/memory"
	memollama "github.com/kitsunebi-ai/kitsunebi/internal/memory/ollama"
	mempostgres "github.com/kitsunebi-ai/kitsunebi/internal/memory/postgres"
	"github.com/kitsunebi-ai/kitsunebi/internal/module"
	"github.com/kitsunebi-ai/kitsunebi/internal/observe"
	"github.com/kitsunebi-ai/kitsunebi/internal/persona"
	"github.com/kitsunebi-ai/kitsunebi/internal/server"
	"github.com/kitsunebi-ai/kitsunebi/internal/state"
	"github.com/kitsunebi-ai/kitsunebi/internal/supervisor"
	"github.com/kitsunebi-ai/kitsunebi/internal/telemetry"
	"github.com/kitsunebi-ai/kitsunebi/pkg/provider/policy"
	policyhttp "github.com/kitsunebi-ai/kitsunebi/pkg/provider/policy/httpapi"
	"github.com/kitsunebi-ai/kitsunebi/pkg/provider/tts"
	ttshttp "github.com/kitsunebi-ai/kitsunebi/pkg/provider/tts/httpapi"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	broker   *broker.Broker
	modules  *module.Registry
	personas *persona.Store
	memory   *memory.Buffer
	engine   *engine.Engine
	orch     *state.Orchestrator
	server   *server.Server
	sup      *supervisor.Supervisor
	metrics  *observe.Metrics

	policyProvider policy.Provider
	ttsProvider    tts.Provider
	store          memory.SummaryStore
	summarizer     memory.Summarizer

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPolicyProvider injects a policy provider instead of the HTTP client.
func WithPolicyProvider(p policy.Provider) Option {
	return func(a *App) { a.policyProvider = p }
}

// WithTTSProvider injects a TTS provider instead of the HTTP client.
func WithTTSProvider(p tts.Provider) Option {
	return func(a *App) { a.ttsProvider = p }
}

// WithSummaryStore injects a summary store instead of building one from config.
func WithSummaryStore(s memory.SummaryStore) Option {
	return func(a *App) { a.store = s }
}

// WithSummarizer injects a summariser instead of building one from config.
func WithSummarizer(s memory.Summarizer) Option {
	return func(a *App) { a.summarizer = s }
}

// WithMetrics injects the metric instruments shared with the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any collaborator.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	var brokerOpts []broker.Option
	if cfg.Telemetry.Endpoint != "" {
		sinkOpts := []telemetry.Option{}
		if cfg.Telemetry.Timeout > 0 {
			sinkOpts = append(sinkOpts, telemetry.WithTimeout(cfg.Telemetry.Timeout))
		}
		brokerOpts = append(brokerOpts, broker.WithSink(telemetry.New(cfg.Telemetry.Endpoint, sinkOpts...)))
		slog.Info("telemetry forwarding enabled", "endpoint", cfg.Telemetry.Endpoint)
	}
	a.broker = broker.New(brokerOpts...)
	a.modules = module.NewRegistry(module.DefaultRoster())
	a.personas = persona.NewStore(cfg.Personas.Presets, cfg.Personas.Initial)

	a.engine = engine.New(engine.Config{
		Broker:   a.broker,
		Modules:  a.modules,
		Personas: a.personas,
		Memory:   a.memory,
		Policy:   a.policyProvider,
		TTS:      a.ttsProvider,
		Metrics:  a.metrics,
		Voice:    cfg.TTS.DefaultVoice,
	})
	a.orch = state.New(state.Config{
		Broker:   a.broker,
		Modules:  a.modules,
		Personas: a.personas,
		Memory:   a.memory,
		Engine:   a.engine,
	})

	a.server = server.New(server.Config{
		Addr:         cfg.Server.ListenAddr,
		Orchestrator: a.orch,
		Broker:       a.broker,
		Health:       health.New(a.healthCheckers()...),
		Metrics:      a.metrics,
	})

	a.sup = supervisor.New(serviceSpecs(cfg.Supervisor.Services),
		supervisor.WithDisabled(disabledServices(cfg)),
		supervisor.WithMetrics(a.metrics),
	)

	return a, nil
}

// Orchestrator exposes the state facade, mainly for tests.
func (a *App) Orchestrator() *state.Orchestrator { return a.orch }

// initProviders builds the worker HTTP clients unless doubles were injected.
func (a *App) initProviders() error {
	if a.policyProvider == nil {
		if a.cfg.Policy.BaseURL == "" {
			return fmt.Errorf("policy.base_url is required when no policy provider is injected")
		}
		var opts []policyhttp.Option
		if a.cfg.Policy.Path != "" {
			opts = append(opts, policyhttp.WithPath(a.cfg.Policy.Path))
		}
		if a.cfg.Policy.Timeout > 0 {
			opts = append(opts, policyhttp.WithTimeout(a.cfg.Policy.Timeout))
		}
		c, err := policyhttp.New(a.cfg.Policy.BaseURL, opts...)
		if err != nil {
			return err
		}
		a.policyProvider = c
	}

	if a.ttsProvider == nil {
		if a.cfg.TTS.BaseURL == "" {
			return fmt.Errorf("tts.base_url is required when no tts provider is injected")
		}
		var opts []ttshttp.Option
		if a.cfg.TTS.Path != "" {
			opts = append(opts, ttshttp.WithPath(a.cfg.TTS.Path))
		}
		if a.cfg.TTS.Timeout > 0 {
			opts = append(opts, ttshttp.WithTimeout(a.cfg.TTS.Timeout))
		}
		c, err := ttshttp.New(a.cfg.TTS.BaseURL, opts...)
		if err != nil {
			return err
		}
		a.ttsProvider = c
	}
	return nil
}

// initMemory builds the summary store and summariser, then restores the
// freshest persisted summary inside the configured window.
func (a *App) initMemory(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Memory.Backend {
		case config.BackendPostgres:
			store, err := mempostgres.NewStore(ctx, a.cfg.Memory.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = store
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
			slog.Info("summary store connected", "backend", "postgres")
		default:
			a.store = memory.NewMemStore()
		}
	}

	if a.summarizer == nil {
		switch a.cfg.Memory.Summarizer {
		case config.SummarizerOllama:
			s, err := memollama.New(a.cfg.Memory.Ollama.BaseURL, a.cfg.Memory.Ollama.Model)
			if err != nil {
				return err
			}
			a.summarizer = s
			slog.Info("summariser configured", "kind", "ollama", "model", a.cfg.Memory.Ollama.Model)
		default:
			a.summarizer = memory.HeuristicSummarizer{}
		}
	}

	var memOpts []memory.Option
	if a.cfg.Memory.Capacity > 0 {
		memOpts = append(memOpts, memory.WithCapacity(a.cfg.Memory.Capacity))
	}
	if a.cfg.Memory.SummaryInterval > 0 {
		memOpts = append(memOpts, memory.WithSummaryInterval(a.cfg.Memory.SummaryInterval))
	}
	a.memory = memory.NewBuffer(a.summarizer, a.store, memOpts...)

	restore := a.cfg.Memory.RestoreWindow > 0
	if err := a.memory.Prepare(ctx, restore, a.cfg.Memory.RestoreWindow); err != nil {
		slog.Warn("memory restore failed, starting cold", "err", err)
	}
	return nil
}

// healthCheckers assembles the readiness checks from the configured
// collaborators.
func (a *App) healthCheckers() []health.Checker {
	var checks []health.Checker
	if a.cfg.Policy.HealthURL != "" {
		checks = append(checks, health.WorkerReachable("policy_worker", a.cfg.Policy.HealthURL, nil))
	}
	if a.cfg.TTS.HealthURL != "" {
		checks = append(checks, health.WorkerReachable("tts_worker", a.cfg.TTS.HealthURL, nil))
	}
	if p, ok := a.store.(health.Pinger); ok {
		checks = append(checks, health.StorePing(p))
	}
	return checks
}

// disabledEnv names the environment variable listing services the operator
// wants skipped, comma separated. It extends supervisor.disabled from the
// config file.
const disabledEnv = "KITSUNEBI_DISABLED_SERVICES"

// disabledServices merges the config-disabled service names with the
// environment-provided set.
func disabledServices(cfg *config.Config) []string {
	names := append([]string(nil), cfg.Supervisor.Disabled...)
	for _, n := range strings.Split(os.Getenv(disabledEnv), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// serviceSpecs converts the config service list into supervisor specs,
// attaching start predicates.
func serviceSpecs(services []config.ServiceConfig) []supervisor.ServiceSpec {
	specs := make([]supervisor.ServiceSpec, 0, len(services))
	for _, svc := range services {
		spec := supervisor.ServiceSpec{
			Name:         svc.Name,
			Command:      svc.Command,
			Env:          svc.Env,
			Dir:          svc.Dir,
			Restart:      svc.Restart,
			RestartDelay: svc.RestartDelay,
		}
		if svc.HealthURL != "" {
			spec.Health = &supervisor.HealthProbe{
				URL:      svc.HealthURL,
				Interval: svc.HealthInterval,
				Retries:  svc.HealthRetries,
			}
		}
		var preds []supervisor.Predicate
		if svc.RequireBinary != "" {
			preds = append(preds, supervisor.BinaryOnPath(svc.RequireBinary))
		}
		if svc.RequireEndpoint != "" {
			preds = append(preds, supervisor.EndpointReachable(svc.RequireEndpoint))
		}
		if svc.RequirePortFree > 0 {
			preds = append(preds, supervisor.PortAvailable(svc.RequirePortFree))
		}
		if len(preds) == 1 {
			spec.Predicate = preds[0]
		} else if len(preds) > 1 {
			spec.Predicate = supervisor.And(preds...)
		}
		specs = append(specs, spec)
	}
	return specs
}

// Run starts the supervisor, the status broadcaster, and the HTTP surface,
// then blocks until ctx is cancelled and everything has drained.
func (a *App) Run(ctx context.Context) error {
	a.orch.StartBackgroundTasks(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(ctx) })
	g.Go(func() error { return a.sup.Run(ctx) })

	slog.Info("orchestrator running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"services", len(a.cfg.Supervisor.Services),
	)
	return g.Wait()
}

// Shutdown tears down subsystems in reverse-init order. It respects the
// context deadline: remaining closers are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.orch.Shutdown(ctx)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
