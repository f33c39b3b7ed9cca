// Package main is the entrypoint for the Governor API server.
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

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/internal/api"
	"github.com/kiranshivaraju/governor/internal/api/handler"
	mw "github.com/kiranshivaraju/governor/internal/api/middleware"
	"github.com/kiranshivaraju/governor/internal/api/response"
	"github.com/kiranshivaraju/governor/internal/apikey"
	"github.com/kiranshivaraju/governor/internal/approval"
	"github.com/kiranshivaraju/governor/internal/cache"
	"github.com/kiranshivaraju/governor/internal/changemgmt"
	"github.com/kiranshivaraju/governor/internal/config"
	"github.com/kiranshivaraju/governor/internal/events"
	"github.com/kiranshivaraju/governor/internal/learning"
	"github.com/kiranshivaraju/governor/internal/lock"
	"github.com/kiranshivaraju/governor/internal/policy"
	"github.com/kiranshivaraju/governor/internal/store"
	"github.com/kiranshivaraju/governor/internal/tracing"
	"github.com/kiranshivaraju/governor/pkg/models"
)

const (
	serviceName       = "governor"
	serviceVersion    = "0.1.0"
	shutdownTimeout   = 30 * time.Second
	auditStreamMaxLen = 100_000
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "change_mgmt", cfg.ChangeMgmt.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Tracing
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(ctx, serviceName, serviceVersion, cfg.Tracing.Output)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("flushing traces", "error", err)
			}
		}()
		slog.Info("tracing enabled", "output", cfg.Tracing.Output)
	}

	// 3. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 4. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 5. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 6. Create store and seed the bootstrap key
	pgStore := store.NewPostgresStore(pool)
	if cfg.Auth.BootstrapAdminKey != "" {
		if err := bootstrapAdminKey(ctx, pgStore, cfg.Auth.BootstrapAdminKey); err != nil {
			return fmt.Errorf("bootstrap admin key: %w", err)
		}
	}

	// 7. Approval rules
	rules := policy.Default()
	if cfg.Approval.PolicyFile != "" {
		rules, err = policy.Load(cfg.Approval.PolicyFile)
		if err != nil {
			return fmt.Errorf("load approval policy: %w", err)
		}
	}
	slog.Info("approval policy loaded", "impact_levels", rules.ImpactLevels())

	// 8. Services
	changes := changemgmt.NewHTTPClient(cfg.ChangeMgmt.BaseURL, cfg.ChangeMgmt.Token, cfg.ChangeMgmt.Timeout)
	locker := lock.NewRedisLocker(redisCache, cfg.Approval.LockTTL, slog.Default())

	approvals := approval.NewService(pgStore, rules, changes,
		approval.WithLocker(locker),
		approval.WithPendingCache(approval.NewRedisPendingCache(redisCache, cfg.Approval.PendingCacheTTL, slog.Default())),
		approval.WithEventSink(events.NewStreamSink(redisCache, cache.AuditStream, auditStreamMaxLen)),
	)

	learnCfg := learning.DefaultConfig()
	learnCfg.MaxBoost = cfg.Learning.MaxBoost
	learnCfg.PatternTTL = cfg.Learning.PatternTTL
	learner := learning.NewService(pgStore, learnCfg, learning.WithLocker(locker))

	if cfg.Learning.SweepInterval > 0 {
		go learner.RunSweeper(ctx, cfg.Learning.SweepInterval)
		slog.Info("learning sweeper started", "interval", cfg.Learning.SweepInterval)
	}

	// 9. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.PerMinute),

		HealthHandler: healthHandler(pgStore, redisCache),

		ClassifyHandler: handler.NewClassifyHandler(learner),

		CreateFlowHandler: handler.NewCreateFlowHandler(approvals),
		SubmitVoteHandler: handler.NewSubmitVoteHandler(approvals),
		FinalizeHandler:   handler.NewFinalizeHandler(approvals),
		GetFlowHandler:    handler.NewGetFlowHandler(approvals),
		HistoryHandler:    handler.NewHistoryHandler(approvals),
		SummaryHandler:    handler.NewSummaryHandler(approvals),
		PendingHandler:    handler.NewPendingHandler(approvals),

		FeedbackHandler: handler.NewFeedbackHandler(learner),
		BoostHandler:    handler.NewBoostHandler(learner),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 10. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

// keyBootstrapper is the part of the store bootstrapAdminKey needs.
type keyBootstrapper interface {
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// bootstrapAdminKey installs raw as an admin key for the default tenant,
// unless that tenant already has keys.
func bootstrapAdminKey(ctx context.Context, s keyBootstrapper, raw string) error {
	tenant, err := s.GetDefaultTenant(ctx)
	if err != nil {
		return fmt.Errorf("default tenant: %w", err)
	}
	existing, err := s.ListAPIKeys(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("bootstrap admin key skipped, tenant already has keys", "tenant_id", tenant.ID)
		return nil
	}

	key, err := apikey.New(raw, apikey.Params{
		TenantID: tenant.ID,
		Name:     "bootstrap admin",
		ActorID:  "bootstrap",
		Scopes:   []string{"admin"},
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("create key: %w", err)
	}
	slog.Info("bootstrap admin key installed", "tenant_id", tenant.ID, "key_prefix", key.KeyPrefix)
	return nil
}
