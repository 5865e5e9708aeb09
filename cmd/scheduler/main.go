package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadrouter_backend/internal/crm"
	"leadrouter_backend/internal/events"
	"leadrouter_backend/internal/leads"
	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/internal/leads/session"
	"leadrouter_backend/internal/notify"
	"leadrouter_backend/internal/reply"
	"leadrouter_backend/internal/scheduler"
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

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	tenants, err := config.LoadTenants(cfg.TenantsFile)
	if err != nil {
		log.Error("failed to load tenant registry", "error", err)
		panic("failed to load tenant registry: " + err.Error())
	}

	rdb, err := newRedisClient(cfg)
	if err != nil {
		log.Error("failed to initialize redis client", "error", err)
		panic("failed to initialize redis client: " + err.Error())
	}
	defer rdb.Close()

	eventBus := events.NewInMemoryBus(log)

	repo := repository.New(pool)
	machine := session.NewMachine(repo, repo, eventBus, log, cfg.GetTransitionMaxAttempts())
	replies := reply.NewGenerator(cfg, log)

	followUps, err := scheduler.NewClient(cfg, tenants)
	if err != nil {
		log.Error("failed to initialize follow-up scheduler client", "error", err)
		panic("failed to initialize follow-up scheduler client: " + err.Error())
	}
	defer followUps.Close()

	// The worker sends follow-up messages through the same CRM client the
	// API uses, and state writes flow through the same projector.
	crmModule := crm.NewModule(cfg, tenants, rdb, repo, eventBus, log)
	processor := leads.NewProcessor(tenants, repo, repo, machine, replies, crmModule.Client(), followUps, eventBus, log)
	crmModule.SetProcessor(processor)

	mailer := notify.NewMailer(cfg, tenants, log)
	mailer.Register(eventBus)

	catchup := scheduler.NewCatchup(cfg, tenants, repo, followUps, processor, log)
	go catchup.Run(ctx)

	worker, err := scheduler.NewWorker(cfg, processor, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	worker.Run(ctx)
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
		return errors.New(name + ": invalid retry attempts")
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
