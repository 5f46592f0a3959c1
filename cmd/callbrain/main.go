// Command callbrain is the realtime voice-agent call server: it terminates
// the platform's bidirectional message stream and runs one session core per
// call.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evelabs/callbrain/internal/app"
	"github.com/evelabs/callbrain/internal/clock"
	"github.com/evelabs/callbrain/internal/config"
	"github.com/evelabs/callbrain/internal/health"
	"github.com/evelabs/callbrain/internal/observe"
	"github.com/evelabs/callbrain/internal/tools"
	"github.com/evelabs/callbrain/internal/tools/mcpbridge"
	"github.com/evelabs/callbrain/pkg/provider/llm"
	llmmock "github.com/evelabs/callbrain/pkg/provider/llm/mock"
	llmopenai "github.com/evelabs/callbrain/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callbrain: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callbrain: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("callbrain starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"profile", cfg.Policy.Profile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "callbrain",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── MCP tool servers ──────────────────────────────────────────────────────
	bridge := mcpbridge.New()
	defer func() {
		if err := bridge.Close(); err != nil {
			slog.Warn("mcp bridge close error", "err", err)
		}
	}()

	toolsFor := func(sessionID string, clk clock.Clock) *tools.Registry {
		reg := tools.NewRegistry(sessionID, clk, tools.WithLatencyMS(cfg.Tools.LatencyMS))
		if len(cfg.Tools.MCP) > 0 {
			if err := bridge.Connect(ctx, cfg.Tools.MCP, reg); err != nil {
				slog.Warn("mcp tool bridge failed; continuing with builtins", "err", err)
			}
		}
		return reg
	}

	// ── LLM provider (optional) ───────────────────────────────────────────────
	nlg, err := buildLLM(cfg)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}

	// ── Session manager + HTTP mux ────────────────────────────────────────────
	manager := app.NewSessionManager(ctx, app.SessionManagerConfig{
		Config:  cfg,
		Metrics: metrics,
		LLM:     nlg,
		Tools:   toolsFor,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/"+cfg.Server.WSRoute+"/", manager.HandleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.Checker{
		Name: "sessions",
		Check: func(context.Context) error {
			_ = manager.ActiveSessions()
			return nil
		},
	}).Register(mux)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("session drain error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildLLM instantiates the configured streaming-text provider, or nil when
// the deterministic plan builder should handle every turn.
func buildLLM(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "none":
		return nil, nil
	case "mock":
		return &llmmock.Client{}, nil
	case "openai":
		key := os.Getenv(cfg.LLM.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("llm provider %q: environment variable %s is empty", cfg.LLM.Provider, cfg.LLM.APIKeyEnv)
		}
		client, err := llmopenai.New(key, cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
