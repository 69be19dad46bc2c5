package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"blastguard.ai/internal/config"
	"blastguard.ai/internal/guard"
	"blastguard.ai/internal/ledger"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/blastguard.yaml", "config path (missing file means defaults)")
		backend    = flag.String("ledger", "", "ledger backend override: sqlite, jsonl, http, memory")
		dataDir    = flag.String("data", "", "ledger data directory override")
		logLevel   = flag.String("log_level", "info", "debug, info, warn or error")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With("app", "blastguard")

	cfg, warnings := config.Load(*configPath)
	for _, w := range warnings {
		logger.Warn("config fallback", "field", w.Field, "msg", w.Msg)
	}
	if b := strings.TrimSpace(*backend); b != "" {
		cfg.Ledger.Backend = strings.ToLower(b)
	}
	if d := strings.TrimSpace(*dataDir); d != "" {
		cfg.Ledger.DataDir = d
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := guard.Open(ctx, cfg, logger)
	if err != nil {
		if errors.Is(err, ledger.ErrIncompatible) {
			logger.Error("ledger missing or incompatible; explosion protection not started", "backend", cfg.Ledger.Backend, "err", err)
		} else {
			logger.Error("start", "err", err)
		}
		os.Exit(1)
	}
	defer svc.Close()

	mux := newMux(svc, muxOptions{
		AdminHTTP: envBool("BG_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		Pprof:     envBool("BG_ENABLE_PPROF_HTTP", false),
		HostToken: cfg.Host.Token,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	if cfg.Host.Token == "" {
		logger.Warn("no host token configured; /v1/ws accepts loopback hosts only")
	}
	logger.Info("listening", "addr", *addr, "enabled", svc.Enabled())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("ListenAndServe", "err", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
