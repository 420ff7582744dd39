// Command arkad runs the orchestrator and runner behind a single HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arka-os/arka/internal/agent"
	"github.com/arka-os/arka/internal/config"
	"github.com/arka-os/arka/internal/emit"
	"github.com/arka-os/arka/internal/flow"
	"github.com/arka-os/arka/internal/httpapi"
	"github.com/arka-os/arka/internal/metrics"
	"github.com/arka-os/arka/internal/orch"
	"github.com/arka-os/arka/internal/provider"
	"github.com/arka-os/arka/internal/provider/anthropic"
	"github.com/arka-os/arka/internal/provider/google"
	"github.com/arka-os/arka/internal/provider/openai"
	"github.com/arka-os/arka/internal/runner"
	"github.com/arka-os/arka/internal/store"
)

type arkad struct {
	cfg         *config.Config
	store       store.Store
	registry    *prometheus.Registry
	providers   *provider.Registry
	runner      *runner.Service
	engine      *orch.Engine
	orchMetrics *metrics.OrchestratorMetrics
	httpServer  *http.Server
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func main() {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	a := &arkad{cfg: cfg}
	if err := a.run(); err != nil {
		slog.Error("Failed to start application", slog.Any("error", err))
		os.Exit(1)
	}
}

func (a *arkad) run() error {
	a.setupLogging()

	if err := a.initializeStore(); err != nil {
		return err
	}
	defer a.store.Close()

	a.initializeProviders()
	if err := a.initializeServices(); err != nil {
		return err
	}
	a.startServer()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.shutdown()
	return nil
}

func (a *arkad) setupLogging() {
	level, ok := logLevels[a.cfg.LogLevel]
	if !ok {
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))

	slog.Info("arkad starting",
		slog.String("db_driver", a.cfg.DatabaseDriver),
		slog.String("os_root", a.cfg.OSRoot),
		slog.String("api_host", a.cfg.APIHost),
		slog.Int("api_port", a.cfg.APIPort))
}

func (a *arkad) initializeStore() error {
	var err error
	switch a.cfg.DatabaseDriver {
	case "sqlite":
		a.store, err = store.NewSQLite(a.cfg.DatabaseDSN)
	case "mysql":
		a.store, err = store.NewMySQL(a.cfg.DatabaseDSN)
	case "memory":
		a.store = store.NewMemory()
	default:
		err = fmt.Errorf("unknown database driver %q", a.cfg.DatabaseDriver)
	}
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	return nil
}

func (a *arkad) initializeProviders() {
	a.providers = provider.NewRegistry()

	if key := a.cfg.AnthropicAPIKey; key != "" {
		a.providers.Register(anthropic.New(key, ""))
	}
	if key := a.cfg.OpenAIAPIKey; key != "" {
		a.providers.Register(openai.New(key, ""))
	}
	if key := a.cfg.GoogleAPIKey; key != "" {
		a.providers.Register(google.New(key, ""))
	}

	for _, binding := range a.cfg.ProviderAdapters {
		if cmd, ok := strings.CutPrefix(binding.BaseURL, "cli:"); ok {
			parts := strings.Fields(cmd)
			if len(parts) == 0 {
				slog.Warn("Skipping provider with empty command",
					slog.String("name", binding.Name))
				continue
			}
			a.providers.Register(provider.NewCLIAdapter(
				binding.Name, parts[0], parts[1:], a.cfg.CLITimeout,
			))
			continue
		}
		var opts []provider.HTTPOption
		if binding.APIKey != "" {
			opts = append(opts, provider.WithAPIKey(binding.APIKey))
		}
		a.providers.Register(provider.NewHTTPAdapter(
			binding.Name, binding.BaseURL, a.cfg.ProviderTimeout, opts...,
		))
	}

	slog.Info("Providers registered",
		slog.Any("names", a.providers.Names()))
}

func (a *arkad) initializeServices() error {
	a.registry = prometheus.NewRegistry()
	emitter := emit.NewSlogEmitter(slog.Default())

	var routing runner.Routing
	if a.cfg.RoutingURL != "" {
		routing = runner.NewHTTPRouting(a.cfg.RoutingURL, a.cfg.ProviderTimeout)
	}

	a.runner = runner.New(a.store, a.providers, runner.Options{
		AgentRoot:     a.cfg.OSRoot,
		Routing:       routing,
		RedactPII:     a.cfg.RedactPII,
		DefaultBudget: a.cfg.DefaultBudgetTokens,
		Metrics:       metrics.NewRunnerMetrics(a.registry),
		Emitter:       emitter,
	})

	hints, err := loadHints(a.cfg.RoleHintsPath)
	if err != nil {
		return err
	}

	a.orchMetrics = metrics.NewOrchestratorMetrics(a.registry)
	a.engine = orch.NewEngine(
		a.store,
		flow.NewLoader(a.cfg.OSRoot),
		agent.NewResolver(a.store, hints),
		orch.NewLocalRunner(a.runner),
		orch.EngineOptions{
			Metrics: a.orchMetrics,
			Emitter: emitter,
		},
	)
	return nil
}

func loadHints(path string) (map[string]agent.Hint, error) {
	if path == "" {
		return nil, nil
	}
	hints, err := agent.LoadRoleHints(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load role hints: %w", err)
	}
	return hints, nil
}

func (a *arkad) startServer() {
	srv := httpapi.NewServer(a.engine, a.runner, httpapi.Options{
		Metrics:  a.orchMetrics,
		Gatherer: a.registry,
		APIKeys:  a.cfg.APIKeys,
	})
	a.httpServer = &http.Server{
		Addr:    a.cfg.Addr(),
		Handler: srv.SetupRoutes(),
	}

	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", a.httpServer.Addr))
		err := a.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", slog.Any("error", err))
		}
	}()
}

func (a *arkad) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), a.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", slog.Any("error", err))
	}
}
