package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jw6ventures/calsync/internal/api"
	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/config"
	httpserver "github.com/jw6ventures/calsync/internal/http"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/provider/graph"
	"github.com/jw6ventures/calsync/internal/scheduler"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/sync"
	"github.com/jw6ventures/calsync/internal/webhook"
)

func main() {
	log.Println("Starting CalSync server...")

	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	st := store.New(pool)

	var locker sync.Locker
	var dedup webhook.Deduper
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		client := redis.NewClient(opts)
		locker = sync.NewRedisLocker(client)
		dedup = webhook.NewRedisDeduper(client)
	} else {
		log.Println("[WARN] no redis configured, sync locks are process-local and duplicate notifications are not suppressed")
		locker = sync.NewMemoryLocker()
	}

	tokens := provider.NewTokenManager(cfg.Graph.ClientID, cfg.Graph.ClientSecret, cfg.Graph.Tenant, st.Connections)

	registry := provider.NewRegistry()
	registry.Register(store.ProviderGraph, graph.New())

	engine := sync.NewEngine(st.Connections, st.Events, registry, tokens, locker, sync.EngineConfig{
		WindowPast:   cfg.Sync.WindowPast,
		WindowFuture: cfg.Sync.WindowFuture,
		LockTTL:      2 * cfg.Sync.ManualTimeout,
	})

	manager := webhook.NewManager(st.Connections, st.Subscriptions, registry, tokens, cfg.CallbackURL(), cfg.Webhook.SubscriptionTTL)
	dispatcher := webhook.NewDispatcher(manager, engine, st.Connections, dedup, cfg.Webhook.Workers, cfg.Webhook.QueueSize, cfg.Scheduler.DispatchTimeout)
	defer dispatcher.Stop()

	sched := scheduler.New(st.Subscriptions, st.APITokens, manager, scheduler.Config{
		RenewInterval:   cfg.Scheduler.RenewInterval,
		RenewLookahead:  cfg.Scheduler.RenewLookahead,
		CleanupInterval: cfg.Scheduler.CleanupInterval,
	})
	sched.Start(ctx)
	defer sched.Stop()

	authService := auth.NewService(st.Users, st.APITokens)
	apiHandler := api.NewHandler(st.Connections, st.Events, st.Subscriptions, engine, manager, cfg.Sync.ManualTimeout)

	r := httpserver.NewRouter(cfg, st, authService, apiHandler, dispatcher.Handler())

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("[ERROR] server error: %v", err)
	}
}
