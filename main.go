package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hive/server/internal/api"
	"github.com/hive/server/internal/broadcast"
	"github.com/hive/server/internal/bus"
	"github.com/hive/server/internal/config"
	"github.com/hive/server/internal/mailbox"
	"github.com/hive/server/internal/metrics"
	"github.com/hive/server/internal/presence"
	"github.com/hive/server/internal/push"
	"github.com/hive/server/internal/store"
	"github.com/hive/server/internal/swarm"
)

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.Server.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	db, err := sql.Open("postgres", cfg.Server.DatabaseURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	st := store.New(db)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("migrate schema: %v", err)
	}

	shutdownTracing, err := metrics.InitTracing(ctx)
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("tracing shutdown failed", "err", err)
		}
	}()

	if err := st.Ping(ctx); err != nil {
		slog.Error("initial database ping failed, continuing; /readyz will report it", "err", err)
	}

	eventBus := bus.New()

	var presenceTracker *presence.Tracker
	metricsRecorder, err := metrics.New(func() int64 {
		if presenceTracker == nil {
			return 0
		}
		return presenceTracker.OnlineCount()
	})
	if err != nil {
		log.Fatalf("init metrics: %v", err)
	}

	mailboxEngine := mailbox.New(st, eventBus, &cfg, metricsRecorder)
	presenceTracker = presence.New(eventBus, cfg.Names(), cfg.APITimeoutDuration(), mailboxEngine.CountsLookup)
	go presenceTracker.RunSweeper(ctx, cfg.SweepIntervalDuration())

	broadcastEngine := broadcast.New(st, eventBus, publicBaseURL(), metricsRecorder)
	swarmEngine := swarm.New(st, eventBus, broadcastEngine, metricsRecorder)
	pushAdapter := push.New(eventBus, presenceTracker, broadcastEngine)

	auth := api.NewAuthenticator(cfg.Server.JWTSecret, &cfg)
	dispatcher := api.NewDispatcher(mailboxEngine, broadcastEngine, swarmEngine, pushAdapter, presenceTracker, auth, &cfg, st)

	mux := http.NewServeMux()
	dispatcher.Mount(mux)
	handler := otelhttp.NewHandler(api.StripAPIPrefix(mux), "hive.server")

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "err", err)
		}
	}()

	slog.Info("hive server listening", "addr", cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server stopped: %v", err)
	}
}

func configPath() string {
	if p := os.Getenv("HIVE_CONFIG"); p != "" {
		return p
	}
	return "config.toml"
}

func publicBaseURL() string {
	if v := os.Getenv("HIVE_PUBLIC_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}
