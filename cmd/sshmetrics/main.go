package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/obsidianstack/sshmetrics/internal/config"
	"github.com/obsidianstack/sshmetrics/internal/httpserver"
	"github.com/obsidianstack/sshmetrics/internal/parser"
	"github.com/obsidianstack/sshmetrics/internal/registry"
	"github.com/obsidianstack/sshmetrics/internal/sshtail"
	"github.com/obsidianstack/sshmetrics/internal/supervisor"
	"github.com/obsidianstack/sshmetrics/pkg/target"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to scrape config file")
	listenAddr := flag.String("listen", ":9119", "address to serve /metrics on")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("sshmetrics starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"prefix", cfg.Global.Prefix,
		"environments", len(cfg.SSH.Environments),
		"columns", len(cfg.Global.Format),
	)

	reg := registry.New(cfg.Global.Prefix, cfg.Global.TTLDuration())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// sup is assigned right after New returns, before Run (and therefore
	// before factory can ever actually be invoked) — the closure reads
	// sup.Config() at worker-construction time so a target started after
	// a hot reload builds its parser from the reloaded schema and
	// histogram buckets instead of the ones loaded at startup.
	var sup *supervisor.Supervisor
	factory := func(t target.Target) supervisor.Runner {
		live := sup.Config()
		baseLabels := map[string]string{"environment": t.Environment, "host": t.Host}
		lp, err := parser.New(reg, live.Readers(), baseLabels, live.Global.Histograms)
		if err != nil {
			slog.Error("failed to build parser for target", "target", t.ID(), "err", err)
			os.Exit(1)
		}
		return sshtail.New(t, reg, lp)
	}

	sup = supervisor.New(cfg, factory)
	go sup.Run(ctx)

	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			sup.SetConfig(updated)
			sup.Reconcile(ctx)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	handler, err := httpserver.New(reg)
	if err != nil {
		slog.Error("failed to build http handler", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{Addr: *listenAddr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving /metrics", "addr", *listenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server failed", "err", err)
		os.Exit(1)
	}

	slog.Info("sshmetrics shut down")
}

func defaultConfigPath() string {
	if p := os.Getenv("SCRAPECONFIG"); p != "" {
		return p
	}
	return "/etc/scrapeconfig.yml"
}
