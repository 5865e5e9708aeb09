package scheduler

import (
	"context"
	"fmt"

	"leadrouter_backend/internal/leads"
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// Worker consumes follow-up ticks and hands them to the lead processor.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor *leads.Processor
	log       *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, processor *leads.Processor, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:    server,
		mux:       mux,
		processor: processor,
		log:       log,
	}

	mux.HandleFunc(TaskFollowUpTick, w.handleFollowUpTick)

	return w, nil
}

func (w *Worker) handleFollowUpTick(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseFollowUpTickPayload(task)
	if err != nil {
		// A payload that never parses will never parse; do not retry.
		w.log.Error("malformed follow-up tick payload", "error", err)
		return nil
	}

	bot := domain.BotType(payload.Bot)
	if !bot.Valid() {
		w.log.Error("follow-up tick for unknown bot", "bot", payload.Bot, "tenant_id", payload.TenantID)
		return nil
	}

	return w.processor.ProcessTick(ctx, payload.TenantID, payload.ContactID, bot, payload.Step)
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}
