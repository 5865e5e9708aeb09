package scheduler

import (
	"context"
	"time"

	"leadrouter_backend/internal/leads"
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"
)

// Catchup is the safety net for the follow-up cadence: it re-enqueues ticks
// whose scheduled delivery got lost and applies the inactivity rule. Both
// paths are idempotent, so overlapping with normal delivery is harmless.
type Catchup struct {
	tenants   *config.TenantRegistry
	store     repository.LeadStore
	client    *Client
	processor *leads.Processor
	interval  time.Duration
	log       *logger.Logger
	now       func() time.Time
}

func NewCatchup(
	cfg config.SchedulerConfig,
	tenants *config.TenantRegistry,
	store repository.LeadStore,
	client *Client,
	processor *leads.Processor,
	log *logger.Logger,
) *Catchup {
	interval := cfg.GetCatchupInterval()
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Catchup{
		tenants:   tenants,
		store:     store,
		client:    client,
		processor: processor,
		interval:  interval,
		log:       log,
		now:       time.Now,
	}
}

// Run scans periodically until the context is cancelled.
func (c *Catchup) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Scan(ctx)
		}
	}
}

// Scan runs one catch-up pass over every tenant.
func (c *Catchup) Scan(ctx context.Context) {
	for _, tenant := range c.tenants.All() {
		if err := c.scanTenant(ctx, tenant); err != nil {
			c.log.Error("catch-up scan failed", "tenant_id", tenant.ID, "error", err)
		}
	}
}

func (c *Catchup) scanTenant(ctx context.Context, tenant *config.Tenant) error {
	escalated, err := c.processor.EscalateInactive(ctx, tenant.ID)
	if err != nil {
		return err
	}
	if escalated > 0 {
		c.log.Info("inactive leads escalated", "tenant_id", tenant.ID, "count", escalated)
	}

	active, err := c.store.ListActive(ctx, tenant.ID)
	if err != nil {
		return err
	}

	now := c.now()
	for _, lead := range active {
		step, ok := c.missedStep(tenant, lead, now)
		if !ok {
			continue
		}
		err := c.client.EnqueueTick(ctx, FollowUpTickPayload{
			TenantID:     tenant.ID,
			ContactID:    lead.ContactID,
			Bot:          string(lead.ActiveBot),
			Step:         step,
			ScheduledFor: now,
		})
		if err != nil {
			c.log.Error("enqueue missed tick", "tenant_id", tenant.ID, "contact_id", lead.ContactID, "step", step, "error", err)
		}
	}
	return nil
}

// missedStep returns the first cadence step whose offset elapsed while the
// lead's workflow is still behind it. At most one step per scan; the tick
// ledger absorbs any overlap with regular delivery.
func (c *Catchup) missedStep(tenant *config.Tenant, lead domain.Lead, now time.Time) (string, bool) {
	currentIdx := domain.NodeIndex(lead.ActiveBot, lead.WorkflowNode)
	for _, step := range domain.FollowUpSteps(lead.ActiveBot) {
		offset, ok := tenant.FollowUp.Cadence[step]
		if !ok {
			continue
		}
		if domain.NodeIndex(lead.ActiveBot, step) <= currentIdx {
			continue
		}
		if now.After(lead.EnteredBotAt.Add(offset)) {
			return step, true
		}
	}
	return "", false
}
