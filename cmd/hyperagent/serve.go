package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hyperstudiox/hyperagent/internal/app"
	"github.com/hyperstudiox/hyperagent/internal/config"
	"github.com/hyperstudiox/hyperagent/internal/eventbus"
	"github.com/hyperstudiox/hyperagent/internal/hitl"
	"github.com/hyperstudiox/hyperagent/internal/httpapi"
	"github.com/hyperstudiox/hyperagent/internal/llm"
	"github.com/hyperstudiox/hyperagent/internal/llm/providers"
	"github.com/hyperstudiox/hyperagent/internal/observability"
	"github.com/hyperstudiox/hyperagent/internal/queue"
	"github.com/hyperstudiox/hyperagent/internal/reactloop"
	"github.com/hyperstudiox/hyperagent/internal/sandbox"
	"github.com/hyperstudiox/hyperagent/internal/skills"
	"github.com/hyperstudiox/hyperagent/internal/supervisor"
	"github.com/hyperstudiox/hyperagent/internal/tools"
	"github.com/hyperstudiox/hyperagent/internal/tools/browserctl"
	"github.com/hyperstudiox/hyperagent/internal/tools/codeexec"
	exectools "github.com/hyperstudiox/hyperagent/internal/tools/exec"
	"github.com/hyperstudiox/hyperagent/internal/tools/files"
	"github.com/hyperstudiox/hyperagent/internal/tools/httpreq"
	imagetool "github.com/hyperstudiox/hyperagent/internal/tools/image"
	"github.com/hyperstudiox/hyperagent/internal/tools/websearch"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and streaming HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "hyperagent.yaml", "path to the config file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	logger := obsLogger.Slog()
	slog.SetDefault(logger)

	tracer, stopTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "hyperagent",
		ServiceVersion: version,
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stopTracing(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Task persistence and job broker.
	var store queue.Store
	if dsn := os.Getenv("HYPERAGENT_DATABASE_URL"); dsn != "" {
		cockroach, err := queue.NewCockroachStoreFromDSN(dsn, nil)
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		defer cockroach.Close()
		if err := cockroach.EnsureSchema(ctx); err != nil {
			return err
		}
		store = cockroach
	} else {
		logger.Warn("HYPERAGENT_DATABASE_URL not set, using in-memory task store")
		store = queue.NewMemoryStore()
	}
	broker := queue.NewMemoryBroker()

	bus := eventbus.New(logger)
	hitlManager := hitl.NewManager(hitl.NewMemoryStore())

	// Prometheus metrics on their own listener.
	observability.NewMetrics()
	go func() {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	// One session manager per sandbox kind. The execution kind backs
	// execute_code/sandbox_file; the desktop kind backs the browser tool.
	execSessions := sandbox.NewManager(sandbox.Config{
		Kind:       "execution",
		Factory:    executionFactory(cfg),
		DefaultTTL: cfg.Tools.Sandbox.SessionTTL,
	}, logger)
	defer execSessions.Stop()

	desktopSessions := sandbox.NewManager(sandbox.Config{
		Kind: "desktop",
		Factory: browserctl.Factory(browserctl.Config{
			Headless: cfg.Tools.Browser.Headless,
		}),
		DefaultTTL: cfg.Tools.Sandbox.SessionTTL,
	}, logger)
	defer desktopSessions.Stop()

	// Tool catalogue.
	registry := tools.NewRegistry()
	registry.Register(tools.CategorySearch, websearch.NewWebSearchTool(&websearch.Config{
		SearXNGURL:     cfg.Tools.WebSearch.URL,
		BraveAPIKey:    cfg.Tools.WebSearch.BraveAPIKey,
		ExtractContent: true,
	}))
	registry.Register(tools.CategorySearch, websearch.NewWebFetchTool(&websearch.FetchConfig{MaxChars: cfg.Tools.WebFetch.MaxChars}))
	registry.Register(tools.CategorySearch, httpreq.NewRequestTool())

	filesCfg := files.Config{Workspace: cfg.Tools.Sandbox.WorkspaceRoot}
	registry.Register(tools.CategoryFiles, files.NewReadTool(filesCfg))
	registry.Register(tools.CategoryFiles, files.NewWriteTool(filesCfg))
	registry.Register(tools.CategoryFiles, files.NewEditTool(filesCfg))
	registry.Register(tools.CategoryFiles, files.NewApplyPatchTool(filesCfg))

	// Skill engine: declared skills run out-of-process through the exec
	// manager; plugin manifests contribute further definitions.
	execManager := exectools.NewManager(cfg.Tools.Sandbox.WorkspaceRoot)
	skillRegistry := skills.NewMemoryRegistry()
	skillEngine := skills.NewEngine(
		skillRegistry,
		&skills.CommandSubGraph{Manager: execManager},
		skills.NewMemoryExecutionStore(),
		bus,
	)
	if cfg.Skills.PluginDir != "" {
		plugins := skills.NewPluginLoader(cfg.Skills.PluginDir, skillRegistry, logger)
		if err := plugins.Load(); err != nil {
			logger.Warn("plugin skills not loaded", "error", err)
		}
		if cfg.Skills.Watch {
			if err := plugins.Watch(); err != nil {
				logger.Warn("plugin watcher unavailable", "error", err)
			}
			defer plugins.Stop()
		}
	}

	// Model providers bound to the shared tool catalogue.
	agents, err := buildAgents(cfg, registry)
	if err != nil {
		return err
	}

	// Supervisor, runner, worker.
	runner := &app.LoopRunner{
		Agents:   agents,
		Tools:    &app.RegistryExecutor{Registry: registry},
		Pipeline: tools.NewPipeline(),
		HITL:     hitlManager,
		Bus:      bus,
		Config:   reactloop.DefaultConfig(),
		PerRunTools: func(task *queue.Task, channel string) []llm.Tool {
			perRun := []llm.Tool{
				tools.NewAskUserTool(hitlManager, task.ID, cfg.HITL.RequestTTL),
				&skills.InvokeSkillTool{Engine: skillEngine, UserID: task.UserID, TaskID: task.ID, Channel: channel},
				&codeexec.ExecuteCodeTool{Sessions: execSessions, UserID: task.UserID, TaskID: task.ID},
				&codeexec.SandboxFileTool{Sessions: execSessions, UserID: task.UserID, TaskID: task.ID},
				&browserctl.Tool{Sessions: desktopSessions, UserID: task.UserID, TaskID: task.ID},
			}
			if key := cfg.LLM.Providers["openai"].APIKey; key != "" {
				gen := imagetool.NewGenerateTool(key, "")
				gen.UserID = task.UserID
				perRun = append(perRun, gen)
			}
			return perRun
		},
	}
	runner.Supervisor = supervisor.New(runner, bus)

	workerCfg := queue.DefaultWorkerConfig()
	workerCfg.MaxJobs = cfg.Queue.Concurrency
	workerCfg.PollDelay = cfg.Queue.PollDelay
	workerCfg.Logger = logger
	worker := queue.NewWorker(broker, store, bus, runner, workerCfg, queue.Hooks{
		OnShutdown: func(ctx context.Context) error {
			execSessions.Stop()
			desktopSessions.Stop()
			return nil
		},
	})
	if err := worker.Start(ctx); err != nil {
		return err
	}

	scheduler := queue.NewScheduler(store, broker, uuid.NewString, logger)
	for _, sched := range cfg.Queue.Schedules {
		st := queue.ScheduledTask{
			Name:   sched.Name,
			Spec:   sched.Spec,
			Kind:   queue.Kind(sched.Kind),
			Query:  sched.Query,
			UserID: sched.UserID,
		}
		if st.Kind == "" {
			st.Kind = queue.KindTask
		}
		if err := scheduler.Add(st); err != nil {
			return fmt.Errorf("schedule %q: %w", sched.Name, err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	api := &httpapi.Server{
		Store:       store,
		Broker:      broker,
		Bus:         bus,
		Worker:      worker,
		HITL:        hitlManager,
		Skills:      skillEngine,
		RateLimiter: httpapi.NewSlidingWindow(120, time.Minute),
		Identity:    httpapi.Identity{Secret: []byte(os.Getenv("HYPERAGENT_JWT_SECRET"))},
		Logger:      logger,
	}
	handler := api.Handler()
	traced := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "http "+r.Method+" "+r.URL.Path)
		defer span.End()
		handler.ServeHTTP(w, r.WithContext(ctx))
	})
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	server := &http.Server{Addr: addr, Handler: traced}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = worker.Stop(25 * time.Second)
	return nil
}

// buildAgents binds the two canonical agents to the configured default
// provider. Both share one provider and the static search/files catalogue;
// session-bound tools (exec, files-in-sandbox, browser, image, skills,
// ask_user) are appended per run by the runner.
func buildAgents(cfg *config.Config, registry *tools.Registry) (map[supervisor.Agent]app.AgentBinding, error) {
	provider, modelID, err := buildProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}

	model := &app.ProviderModel{Provider: provider, ModelID: modelID}
	taskSpecs := specsFor(registry, tools.CategorySearch, tools.CategoryFiles)
	researchSpecs := specsFor(registry, tools.CategorySearch, tools.CategoryFiles)
	return map[supervisor.Agent]app.AgentBinding{
		supervisor.AgentTask: {
			Model:     model,
			ToolSpecs: taskSpecs,
			System:    "You are a capable assistant that completes the user's task using the available tools.",
		},
		supervisor.AgentResearch: {
			Model:     model,
			ToolSpecs: researchSpecs,
			System:    "You are a research agent. Investigate the request across sources, verify findings, and write a structured report.",
		},
	}, nil
}

func specsFor(registry *tools.Registry, categories ...tools.Category) []reactloop.ToolSpec {
	descriptors := registry.ForCategories(categories...)
	specs := make([]reactloop.ToolSpec, 0, len(descriptors))
	for _, d := range descriptors {
		specs = append(specs, reactloop.ToolSpec{Name: d.Name, Description: d.Description, ArgsSchema: d.ArgsSchema})
	}
	return specs
}

func buildProvider(cfg config.LLMConfig) (llm.Provider, string, error) {
	name := cfg.DefaultProvider
	pc := cfg.Providers[name]
	switch name {
	case "anthropic", "":
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: pc.APIKey})
		if err != nil {
			return nil, "", err
		}
		return p, pc.DefaultModel, nil
	case "openai":
		return providers.NewOpenAIProvider(pc.APIKey), pc.DefaultModel, nil
	case "google":
		p, err := providers.NewGoogleProvider(providers.GoogleConfig{APIKey: pc.APIKey})
		if err != nil {
			return nil, "", err
		}
		return p, pc.DefaultModel, nil
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{BaseURL: pc.BaseURL}), pc.DefaultModel, nil
	default:
		return nil, "", fmt.Errorf("unknown llm provider %q", name)
	}
}

// executionFactory picks the execution sandbox backend from config: the
// local per-session workspace by default, Firecracker microVMs or hosted
// Daytona sandboxes when configured.
func executionFactory(cfg *config.Config) sandbox.Factory {
	sb := cfg.Tools.Sandbox
	switch sb.Backend {
	case "firecracker":
		return sandbox.FirecrackerFactory(sandbox.FirecrackerConfig{
			RuntimeDir: sb.WorkspaceRoot,
			KernelPath: os.Getenv("HYPERAGENT_FC_KERNEL"),
			RootfsPath: os.Getenv("HYPERAGENT_FC_ROOTFS"),
		})
	case "daytona":
		return sandbox.DaytonaFactory(sandbox.DaytonaConfig{
			APIURL:         sb.Daytona.APIURL,
			APIKey:         sb.Daytona.APIKey,
			Target:         sb.Daytona.Target,
			Snapshot:       sb.Daytona.Snapshot,
			Image:          sb.Daytona.Image,
			NetworkEnabled: sb.NetworkEnabled,
		})
	default:
		return sandbox.WorkspaceFactory(sb.WorkspaceRoot)
	}
}

