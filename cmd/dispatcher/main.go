// Command dispatcher starts the anti-ban dispatcher and its control API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/waflow/antiban-dispatcher/internal/adapter/brain"
	httpserver "github.com/waflow/antiban-dispatcher/internal/adapter/httpserver"
	"github.com/waflow/antiban-dispatcher/internal/adapter/kv"
	"github.com/waflow/antiban-dispatcher/internal/adapter/observability"
	"github.com/waflow/antiban-dispatcher/internal/adapter/orchestrator"
	"github.com/waflow/antiban-dispatcher/internal/app"
	"github.com/waflow/antiban-dispatcher/internal/config"
	"github.com/waflow/antiban-dispatcher/internal/dispatch"
	"github.com/waflow/antiban-dispatcher/internal/incident"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Infra: KV connections (shared + blocking)
	clients, err := kv.Connect(cfg.RedisURL)
	if err != nil {
		slog.Error("kv connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := clients.Close(); err != nil {
			slog.Error("failed to close kv clients", slog.Any("error", err))
		}
	}()
	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := clients.Wait(waitCtx); err != nil {
		waitCancel()
		slog.Error("kv unreachable", slog.Any("error", err))
		os.Exit(1)
	}
	waitCancel()

	store := kv.NewStore(clients, kv.StoreConfig{
		GatewayQueueKey:    cfg.GatewayQueueKey,
		PriorityQueueKey:   cfg.PriorityQueueKey,
		SessionQueuePrefix: cfg.SessionQueuePrefix,
		JobStatsTTL:        cfg.JobStatsTTL(),
	})

	// Orchestrator client doubles as session source and handoff target.
	orch := orchestrator.New(cfg, store)

	// Optional brain sink; nil when unconfigured.
	brainClient := brain.New(cfg.SessionBrainURL)
	incidents := incident.NewLog(clients.Shared, brainClient)

	d := dispatch.New(cfg, store, orch, orch, incidents)
	if cfg.AutoStart {
		d.Start()
	}
	defer d.Stop()

	kvCheck, orchCheck := app.BuildReadinessChecks(cfg, clients)
	srv := httpserver.NewServer(cfg, d, store, kvCheck, orchCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
