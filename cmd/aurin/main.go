// Command aurin is the main entry point for the Aurin conversational gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aurin-ai/aurin/internal/config"
	"github.com/aurin-ai/aurin/internal/dispatch"
	"github.com/aurin-ai/aurin/internal/engine"
	"github.com/aurin-ai/aurin/internal/hub"
	"github.com/aurin-ai/aurin/internal/memory"
	"github.com/aurin-ai/aurin/internal/observe"
	"github.com/aurin-ai/aurin/internal/server"
	"github.com/aurin-ai/aurin/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; defaults plus env vars apply without one)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aurin: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Slog(),
	}))
	slog.SetDefault(logger)

	slog.Info("aurin starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "aurin"})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Memory engine ─────────────────────────────────────────────────────────
	store, err := memory.Open(ctx, cfg.Memory.DBPath)
	if err != nil {
		slog.Error("failed to open memory store", "path", cfg.Memory.DBPath, "err", err)
		return 1
	}
	defer store.Close()
	mem := memory.NewService(cfg.Memory, store, nil)

	// ── Engine catalog ────────────────────────────────────────────────────────
	engines, err := engine.LoadCatalog(cfg.Server.EngineConfigPath)
	if err != nil {
		slog.Error("failed to load engine catalog", "path", cfg.Server.EngineConfigPath, "err", err)
		return 1
	}

	// ── Event pipeline ────────────────────────────────────────────────────────
	sessions := session.NewRegistry()
	dispatcher := dispatch.New(cfg, sessions, mem, logger)
	eventHub := hub.New(dispatcher, cfg.Server.AuthToken, logger,
		hub.WithOriginPatterns(cfg.Server.CORSAllowOrigins))

	printStartupSummary(cfg, engines)

	srv := server.New(cfg, eventHub, mem, engines, logger)

	slog.Info("server ready - press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, engines *engine.Store) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Aurin - startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM provider", cfg.LLM.Provider)
	if cfg.Memory.Enabled {
		printRow("Memory", cfg.Memory.DBPath)
	} else {
		printRow("Memory", "(disabled)")
	}
	printRow("Agent engines", fmt.Sprintf("%d", len(engines.List(engine.KindAgent))))
	if cfg.Server.AuthToken != "" {
		printRow("Auth", "token required")
	} else {
		printRow("Auth", "open")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", label, value)
}
