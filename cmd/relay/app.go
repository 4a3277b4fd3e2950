package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ShayCichocki/relay/internal/api"
	"github.com/ShayCichocki/relay/internal/collab"
	"github.com/ShayCichocki/relay/internal/config"
	"github.com/ShayCichocki/relay/internal/decompose"
	"github.com/ShayCichocki/relay/internal/exec"
	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/internal/registry"
	"github.com/ShayCichocki/relay/internal/router"
	"github.com/ShayCichocki/relay/internal/state"
)

// app holds the components of one relay process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	catalog  *config.Catalog
	registry *registry.Registry
	router   *router.Router
	store    state.Store
	engine   *orchestrator.Engine
	metrics  *prometheus.Registry
	watcher  *router.HealthWatcher
	client   *api.Client
}

type appOptions struct {
	// approver replaces the interactive approval manager.
	approver orchestrator.Approver
	// executor replaces the configured executor.
	executor exec.Executor
	// planner replaces the configured planner.
	planner decompose.Planner
}

// newApp wires the registry, router, store, executor and engine from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.catalog, err = config.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	a.registry = registry.New()
	a.router = router.New(cfg.Router.Config, router.WithLogger(logger.With("module", "router")))
	if err := a.catalog.Apply(a.registry, a.router); err != nil {
		return nil, err
	}

	if cfg.Router.HealthFile != "" {
		a.watcher = router.NewHealthWatcher(cfg.Router.HealthFile, a.router, logger.With("module", "health"))
		if err := a.watcher.Start(ctx); err != nil {
			return nil, err
		}
	}

	a.store, err = state.OpenStore(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	executor := opts.executor
	if executor == nil {
		executor, err = a.buildExecutor(ctx)
		if err != nil {
			return nil, err
		}
	}

	planner := opts.planner
	if planner == nil && a.client != nil {
		model, ok := a.catalog.Model(cfg.Anthropic.PlannerModel)
		if !ok {
			return nil, fmt.Errorf("planner model %q is not in the catalog", cfg.Anthropic.PlannerModel)
		}
		planner = api.NewPlanner(a.client, model, logger.With("module", "planner"))
	}

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engineOpts := []orchestrator.Option{
		orchestrator.WithConfig(cfg.Orchestrator),
		orchestrator.WithLogger(logger.With("module", "orchestrator")),
		orchestrator.WithMetrics(orchestrator.NewMetrics(a.metrics)),
		orchestrator.WithRetryManager(failure.NewManager(cfg.Retry, failure.WithLogger(logger.With("module", "retry")))),
		orchestrator.WithCollaboration(collab.New(cfg.Collaboration, executor, collab.WithLogger(logger.With("module", "collab")))),
	}
	if planner != nil {
		engineOpts = append(engineOpts, orchestrator.WithPlanner(planner))
	}
	if opts.approver != nil {
		engineOpts = append(engineOpts, orchestrator.WithApprover(opts.approver))
	}

	a.engine, err = orchestrator.New(orchestrator.RequiredConfig{
		Registry: a.registry,
		Router:   a.router,
		Store:    a.store,
		Executor: executor,
	}, engineOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildExecutor returns the executor for cfg.Executor.Kind. The Anthropic
// executor serves only Anthropic models; other providers fail over to the
// router's fallbacks.
func (a *app) buildExecutor(ctx context.Context) (exec.Executor, error) {
	cfg := a.cfg
	switch cfg.Executor.Kind {
	case config.ExecutorEcho:
		return exec.NewMux(exec.EchoExecutor{}), nil
	case config.ExecutorCommand:
		return exec.NewMux(exec.NewCommandExecutor(cfg.Executor.Command[0], cfg.Executor.Command[1:]...)), nil
	case config.ExecutorAnthropic:
		key, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w (set ANTHROPIC_API_KEY, anthropic.use_bedrock, or executor.kind)", err)
		}
		// A custom base_url may front a gateway with its own key format.
		if !cfg.Anthropic.UseBedrock && cfg.Anthropic.BaseURL == "" {
			if err := config.ValidateAPIKey(key); err != nil {
				return nil, fmt.Errorf("anthropic key from %s: %w", config.GetAPIKeySource(cfg), err)
			}
		}
		a.client, err = api.NewClient(ctx, api.ClientConfig{
			APIKey:        key,
			BaseURL:       cfg.Anthropic.BaseURL,
			UseAWSBedrock: cfg.Anthropic.UseBedrock,
			AWSRegion:     cfg.Anthropic.AWSRegion,
			AWSProfile:    cfg.Anthropic.AWSProfile,
		})
		if err != nil {
			return nil, fmt.Errorf("create anthropic client: %w", err)
		}
		mux := exec.NewMux(nil)
		mux.Handle(api.Provider, api.NewExecutor(a.client, a.logger.With("module", "executor")))
		return mux, nil
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Executor.Kind)
	}
}

// Close stops the engine and releases the store and the health watcher.
func (a *app) Close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
