package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadrouter_backend/internal/crm"
	"leadrouter_backend/internal/events"
	apphttp "leadrouter_backend/internal/http"
	"leadrouter_backend/internal/http/router"
	"leadrouter_backend/internal/leads"
	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/internal/leads/session"
	"leadrouter_backend/internal/notify"
	"leadrouter_backend/internal/operator"
	"leadrouter_backend/internal/reply"
	"leadrouter_backend/internal/scheduler"
	"leadrouter_backend/migrations"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/db"
	"leadrouter_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, migrations.FS)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	tenants, err := config.LoadTenants(cfg.TenantsFile)
	if err != nil {
		log.Error("failed to load tenant registry", "error", err)
		panic("failed to load tenant registry: " + err.Error())
	}
	log.Info("tenant registry loaded", "tenants", len(tenants.All()), "file", cfg.TenantsFile)

	rdb, err := newRedisClient(cfg)
	if err != nil {
		log.Error("failed to initialize redis client", "error", err)
		panic("failed to initialize redis client: " + err.Error())
	}
	defer rdb.Close()

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	repo := repository.New(pool)
	machine := session.NewMachine(repo, repo, eventBus, log, cfg.GetTransitionMaxAttempts())
	replies := reply.NewGenerator(cfg, log)

	followUps, err := scheduler.NewClient(cfg, tenants)
	if err != nil {
		log.Error("failed to initialize follow-up scheduler client", "error", err)
		panic("failed to initialize follow-up scheduler client: " + err.Error())
	}
	defer followUps.Close()

	crmModule := crm.NewModule(cfg, tenants, rdb, repo, eventBus, log)

	// The processor sends replies through the CRM client, and the CRM
	// webhook handler feeds the processor (broken via SetProcessor).
	processor := leads.NewProcessor(tenants, repo, repo, machine, replies, crmModule.Client(), followUps, eventBus, log)
	crmModule.SetProcessor(processor)

	operatorModule := operator.NewModule(repo, eventBus, log)

	// Operator email notifications subscribe to escalation and failure events
	mailer := notify.NewMailer(cfg, tenants, log)
	mailer.Register(eventBus)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   repo,
		EventBus: eventBus,
		Modules: []apphttp.Module{
			crmModule,
			operatorModule,
		},
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router.New(app),
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	if cfg.RedisTLSInsecure && opts.TLSConfig != nil {
		opts.TLSConfig.InsecureSkipVerify = true
	}
	return redis.NewClient(opts), nil
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
