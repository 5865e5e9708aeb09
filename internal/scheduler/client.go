package scheduler

import (
	"context"
	"crypto/tls"
	"fmt"

	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/platform/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Client enqueues follow-up ticks. It implements the processor's
// FollowUpScheduler interface.
type Client struct {
	client  *asynq.Client
	queue   string
	tenants *config.TenantRegistry
}

func NewClient(cfg config.SchedulerConfig, tenants *config.TenantRegistry) (*Client, error) {
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

	return &Client{
		client:  asynq.NewClient(opt),
		queue:   queue,
		tenants: tenants,
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// ScheduleFollowUps enqueues one tick per cadence step of the lead's active
// bot, offset from its bot entry time. Steps missing from the tenant
// cadence are skipped; the catch-up scan would only re-derive the same
// gaps.
func (c *Client) ScheduleFollowUps(ctx context.Context, lead domain.Lead) error {
	if c == nil || c.client == nil {
		return nil
	}
	tenant, ok := c.tenants.Get(lead.TenantID)
	if !ok {
		return fmt.Errorf("unknown tenant %q", lead.TenantID)
	}

	for _, step := range domain.FollowUpSteps(lead.ActiveBot) {
		offset, ok := tenant.FollowUp.Cadence[step]
		if !ok {
			continue
		}
		runAt := lead.EnteredBotAt.Add(offset)

		task, err := NewFollowUpTickTask(FollowUpTickPayload{
			TenantID:     lead.TenantID,
			ContactID:    lead.ContactID,
			Bot:          string(lead.ActiveBot),
			Step:         step,
			ScheduledFor: runAt,
		})
		if err != nil {
			return err
		}
		if _, err := c.client.EnqueueContext(ctx, task, asynq.ProcessAt(runAt), asynq.Queue(c.queue)); err != nil {
			return fmt.Errorf("enqueue %s tick for %s: %w", step, lead.ContactID, err)
		}
	}
	return nil
}

// EnqueueTick enqueues a single immediate tick. The catch-up scan uses this
// for steps whose scheduled delivery never arrived.
func (c *Client) EnqueueTick(ctx context.Context, payload FollowUpTickPayload) error {
	if c == nil || c.client == nil {
		return nil
	}
	task, err := NewFollowUpTickTask(payload)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue))
	return err
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
