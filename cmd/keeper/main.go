package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/keeperhq/keeper/pkg/api"
	"github.com/keeperhq/keeper/pkg/cache"
	"github.com/keeperhq/keeper/pkg/config"
	"github.com/keeperhq/keeper/pkg/discord"
	"github.com/keeperhq/keeper/pkg/middleware"
	"github.com/keeperhq/keeper/pkg/observability"
	"github.com/keeperhq/keeper/pkg/rbac"
	"github.com/keeperhq/keeper/pkg/session"
)

// sessionRetention is how long a session row may sit idle before the sweep
// removes it
const sessionRetention = 30 * 24 * time.Hour

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	// Identity store
	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		logger.WithError(err).Error("failed to open postgres connection")
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Postgres.ConnTimeout)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		logger.WithError(err).Error("failed to ping postgres")
		os.Exit(1)
	}
	cancel()

	ctx := context.Background()
	if err := rbac.RunMigrations(ctx, db); err != nil {
		logger.WithError(err).Error("migrations failed")
		os.Exit(1)
	}

	store := rbac.NewStore(db)
	if err := rbac.VerifyRoleCatalog(ctx, store); err != nil {
		logger.WithError(err).Error("role catalog verification failed")
		os.Exit(1)
	}

	// Credential cache
	credCache, err := cache.NewCache(cfg.Redis, cfg.Cache, logger, metrics)
	if err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	defer credCache.Close()

	// Provider client and strategies
	provider := discord.NewClient(cfg.Discord)
	resolver := rbac.NewResolver(store)
	core := session.NewCore(provider, store, resolver, credCache, logger, metrics, cfg.Token.DefaultTTL)
	tokens := session.NewTokenStrategy(core, cfg.Token, cfg.ServiceClients)
	cookies := session.NewCookieStrategy(core, cfg.Token.DefaultTTL)

	gate := middleware.NewGate(tokens, cookies, cfg.Server.CookieName, logger)
	server := api.NewServer(cfg, store, credCache, tokens, cookies, gate, provider, logger, metrics)

	bgCtx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	server.StartBackground(bgCtx)

	// Periodic sweep of long-idle session rows
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("15 3 * * *", func() {
		n, err := store.PruneExpiredSessions(context.Background(), time.Now().Add(-sessionRetention))
		if err != nil {
			logger.WithError(err).Error("session sweep failed")
			return
		}
		logger.WithField("pruned", n).Info("session sweep completed")
	}); err != nil {
		logger.WithError(err).Error("failed to schedule session sweep")
		os.Exit(1)
	}
	sweeper.Start()

	// Health and metrics listener, separate from the API port
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := credCache.Ping(r.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
	}

	healthSrv := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	apiSrv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.WithField("addr", apiSrv.Addr).Info("auth server listening")
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			os.Exit(1)
		}
	}()

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("health server shutdown failed")
	}

	cronCtx := sweeper.Stop()
	<-cronCtx.Done()

	logger.Info("stopped")
}
