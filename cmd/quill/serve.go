package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/quillhq/quill/pkg/bus"
	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/controller"
	"github.com/quillhq/quill/pkg/dispatch"
	"github.com/quillhq/quill/pkg/embedders"
	"github.com/quillhq/quill/pkg/llms"
	"github.com/quillhq/quill/pkg/logger"
	"github.com/quillhq/quill/pkg/mission"
	"github.com/quillhq/quill/pkg/observability"
	"github.com/quillhq/quill/pkg/retrieval"
	"github.com/quillhq/quill/pkg/server"
	"github.com/quillhq/quill/pkg/tools"
	"github.com/quillhq/quill/pkg/usage"
	"github.com/quillhq/quill/pkg/vector"
	"github.com/quillhq/quill/pkg/webcache"
)

// ServeCmd starts the mission server.
type ServeCmd struct {
	Address string `help:"Listen address (overrides config)." placeholder:"HOST:PORT"`
	UserID  string `name:"user-id" help:"User the settings watcher reloads overrides for." default:"default"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := logger.GetLogger()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	metrics, err := observability.InitMetrics(ctx, cfg.Observability.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	observability.SetGlobalMetrics(metrics)

	if _, err := observability.InitGlobalTracer(ctx, cfg.Observability.Tracing); err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	persister, err := mission.NewSQLPersisterFromConfig(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open mission storage: %w", err)
	}
	defer persister.Close()

	eventBus := bus.New(
		bus.WithGracePeriod(cfg.Server.StreamGracePeriod),
		bus.WithLogger(log),
	)
	defer eventBus.Close()

	meter := usage.NewMeter(eventBus.PublishStats)
	store := mission.NewStore(persister, log)
	resolver := config.NewResolver(cfg)

	if cfg.UserSettingsPath != "" {
		watcher, err := config.NewSettingsWatcher(cfg.UserSettingsPath, c.UserID, resolver, log)
		if err != nil {
			return fmt.Errorf("failed to create settings watcher: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn("Settings watcher stopped", "error", err)
			}
		}()
	}

	providers := llms.NewRegistry()
	defer providers.CloseAll()
	dispatcher := dispatch.New(resolver, providers, meter, dispatch.WithLogger(log))

	engine, err := buildRetrieval(cfg, dispatcher, log)
	if err != nil {
		return err
	}

	toolRegistry, err := buildTools(cfg, engine, eventBus, meter, log)
	if err != nil {
		return err
	}

	ctrl := controller.New(controller.Deps{
		Store:    store,
		Bus:      eventBus,
		Resolver: resolver,
		Model:    dispatcher,
		Tools:    toolRegistry,
		Meter:    meter,
		Logger:   log,
	})
	defer ctrl.Close()

	addr := cfg.Server.Address
	if c.Address != "" {
		addr = c.Address
	}
	srv := server.New(ctrl, store, eventBus, meter, server.Options{
		Addr:   addr,
		Logger: log,
	})

	log.Info("Quill server ready",
		"addr", addr,
		"storage", cfg.Storage.Driver,
		"vector_store", cfg.Vector.Type,
		"web_search", cfg.WebSearch.Provider,
	)
	return srv.ListenAndServe(ctx)
}

// buildRetrieval assembles the vector store, embedder and retrieval
// engine. Query enhancement and reranking ride the fast dispatch tier.
func buildRetrieval(cfg *config.Config, dispatcher *dispatch.Dispatcher, log *slog.Logger) (*retrieval.Engine, error) {
	provider, err := vector.New(&cfg.Vector)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}

	embedder, err := embedders.New(&cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	return retrieval.NewEngine(provider, embedder, cfg.Vector.Collection, cfg.Search,
		retrieval.WithModelCaller(&fastTierCaller{dispatcher: dispatcher}),
		retrieval.WithLogger(log),
	), nil
}

// buildTools registers the agent tool set. A broken web search provider
// only disables that tool; document research still works.
func buildTools(cfg *config.Config, engine *retrieval.Engine, eventBus *bus.Bus, meter *usage.Meter, log *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	registry.SetMeter(meter)

	register := func(tool tools.Tool) error {
		return registry.Register(tool.GetName(), tool)
	}

	if err := register(tools.NewDocumentSearchTool(engine)); err != nil {
		return nil, err
	}
	if err := register(tools.NewCalculatorTool()); err != nil {
		return nil, err
	}
	if err := register(tools.NewReadFileTool(&cfg.FileReader, eventBus)); err != nil {
		return nil, err
	}

	cache, err := webcache.New(&cfg.WebCache)
	if err != nil {
		return nil, fmt.Errorf("failed to create web cache: %w", err)
	}
	if err := register(tools.NewWebFetchTool(cache, eventBus)); err != nil {
		return nil, err
	}

	webSearch, err := tools.NewWebSearchTool(&cfg.WebSearch, eventBus)
	if err != nil {
		log.Warn("Web search disabled", "error", err)
	} else {
		webSearch.SetMeter(meter)
		if err := register(webSearch); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// fastTierCaller adapts the dispatcher to the single-prompt surface the
// retrieval engine uses for query enhancement and reranking.
type fastTierCaller struct {
	dispatcher *dispatch.Dispatcher
}

func (f *fastTierCaller) Generate(ctx context.Context, prompt string) (string, error) {
	// Retrieval runs inside tool executions; the invocation carries the
	// user so these calls count against the per-user request limit.
	// They stay off the mission meter: metered cost must match the
	// mission's update log entries, and retrieval steps produce none.
	inv, _ := tools.InvocationFrom(ctx)
	result, _, err := f.dispatcher.Dispatch(ctx, dispatch.Call{
		UserID: inv.UserID,
		Tier:   config.TierFast,
		Messages: []llms.Message{
			{Role: llms.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
