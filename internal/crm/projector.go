package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"leadrouter_backend/internal/events"
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"

	"github.com/google/uuid"
)

// Field mapping keys a tenant must configure. Values are CRM custom field
// IDs; the tenant loader refuses to start without them.
const (
	FieldFRS            = "financial_readiness_score"
	FieldPCS            = "commitment_score"
	FieldTemperature    = "temperature"
	FieldActiveBot      = "active_bot"
	FieldHandoffHistory = "handoff_history"
	FieldContext        = "conversation_context"
)

// Projector mirrors internal lead state onto the CRM contact record. It
// consumes domain events; failures never propagate back into lead state.
type Projector struct {
	client      *Client
	tenants     *config.TenantRegistry
	store       repository.LeadStore
	letters     repository.DeadLetterStore
	bus         events.Bus
	log         *logger.Logger
	maxAttempts int
	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewProjector creates the state projector.
func NewProjector(
	cfg config.CrmConfig,
	client *Client,
	tenants *config.TenantRegistry,
	store repository.LeadStore,
	letters repository.DeadLetterStore,
	bus events.Bus,
	log *logger.Logger,
) *Projector {
	maxAttempts := cfg.GetCrmMaxAttempts()
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoffBase := cfg.GetCrmBackoffBase()
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}
	return &Projector{
		client:      client,
		tenants:     tenants,
		store:       store,
		letters:     letters,
		bus:         bus,
		log:         log,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		sleep:       sleepCtx,
	}
}

// Register subscribes the projector to the event bus.
func (p *Projector) Register(bus events.Bus) {
	bus.Subscribe("leads.state.changed", events.HandlerFunc(p.handleStateChanged))
	bus.Subscribe("leads.escalated", events.HandlerFunc(p.handleEscalated))
}

func (p *Projector) handleStateChanged(ctx context.Context, e events.Event) error {
	evt, ok := e.(events.LeadStateChanged)
	if !ok {
		return fmt.Errorf("unexpected event type %T", e)
	}
	return p.ProjectState(ctx, evt)
}

func (p *Projector) handleEscalated(ctx context.Context, e events.Event) error {
	evt, ok := e.(events.LeadEscalated)
	if !ok {
		return fmt.Errorf("unexpected event type %T", e)
	}
	return p.TriggerEscalation(ctx, evt)
}

// ProjectState writes scores, temperature, routing state, and handoff
// history to the contact's custom fields and swaps the temperature tag.
func (p *Projector) ProjectState(ctx context.Context, evt events.LeadStateChanged) error {
	tenant, ok := p.tenants.Get(evt.TenantID)
	if !ok {
		return fmt.Errorf("unknown tenant %q", evt.TenantID)
	}

	fields, err := p.buildFields(ctx, tenant, evt)
	if err != nil {
		return err
	}

	writeErr := p.withRetry(ctx, evt.TenantID, evt.ContactID, "project state", func(ctx context.Context) error {
		return p.client.UpdateCustomFields(ctx, evt.TenantID, evt.ContactID, fields)
	})
	if writeErr != nil {
		p.deadLetter(ctx, evt.TenantID, evt.ContactID, "project state", evt, writeErr)
		return writeErr
	}

	p.swapTemperatureTags(ctx, tenant, evt)
	return nil
}

// TriggerEscalation enrolls the contact in the tenant's escalation workflow
// so a human gets pinged inside the CRM.
func (p *Projector) TriggerEscalation(ctx context.Context, evt events.LeadEscalated) error {
	tenant, ok := p.tenants.Get(evt.TenantID)
	if !ok {
		return fmt.Errorf("unknown tenant %q", evt.TenantID)
	}
	if tenant.CRM.EscalationWorkflowID == "" {
		return nil
	}

	err := p.withRetry(ctx, evt.TenantID, evt.ContactID, "trigger escalation workflow", func(ctx context.Context) error {
		return p.client.TriggerWorkflow(ctx, evt.TenantID, evt.ContactID, tenant.CRM.EscalationWorkflowID)
	})
	if err != nil {
		p.deadLetter(ctx, evt.TenantID, evt.ContactID, "trigger escalation workflow", evt, err)
		return err
	}
	return nil
}

func (p *Projector) buildFields(ctx context.Context, tenant *config.Tenant, evt events.LeadStateChanged) (map[string]string, error) {
	contextJSON, err := json.Marshal(evt.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	history, err := p.handoffHistory(ctx, evt.LeadID)
	if err != nil {
		p.log.DatabaseError("load handoff history", err)
		history = ""
	}

	fields := map[string]string{
		tenant.CRM.Fields[FieldFRS]:            strconv.Itoa(evt.FRS),
		tenant.CRM.Fields[FieldPCS]:            strconv.Itoa(evt.PCS),
		tenant.CRM.Fields[FieldTemperature]:    string(evt.Temperature),
		tenant.CRM.Fields[FieldActiveBot]:      string(evt.ActiveBot),
		tenant.CRM.Fields[FieldHandoffHistory]: history,
		tenant.CRM.Fields[FieldContext]:        string(contextJSON),
	}
	return fields, nil
}

func (p *Projector) handoffHistory(ctx context.Context, leadID uuid.UUID) (string, error) {
	records, err := p.store.ListHandoffs(ctx, leadID)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(records))
	for _, r := range records {
		parts = append(parts, fmt.Sprintf("%s->%s (%s)", r.FromBot, r.ToBot, r.CreatedAt.Format("2006-01-02")))
	}
	return strings.Join(parts, "; "), nil
}

// swapTemperatureTags keeps exactly one temperature tag on the contact.
// Tag automations on the CRM side are fire and forget: a failed swap is
// logged and left for the next state change to repair.
func (p *Projector) swapTemperatureTags(ctx context.Context, tenant *config.Tenant, evt events.LeadStateChanged) {
	var keep string
	var drop []string
	switch evt.Temperature {
	case domain.TempHot:
		keep, drop = tenant.CRM.HotTag, []string{tenant.CRM.WarmTag, tenant.CRM.ColdTag}
	case domain.TempWarm:
		keep, drop = tenant.CRM.WarmTag, []string{tenant.CRM.HotTag, tenant.CRM.ColdTag}
	default:
		keep, drop = tenant.CRM.ColdTag, []string{tenant.CRM.HotTag, tenant.CRM.WarmTag}
	}
	if keep == "" {
		return
	}

	var remove []string
	for _, tag := range drop {
		if tag != "" {
			remove = append(remove, tag)
		}
	}
	if len(remove) > 0 {
		if err := p.client.RemoveTags(ctx, evt.TenantID, evt.ContactID, remove); err != nil {
			p.log.WithContext(ctx).Warn("remove temperature tags",
				"tenant_id", evt.TenantID, "contact_id", evt.ContactID, "error", err)
		}
	}
	if err := p.client.AddTags(ctx, evt.TenantID, evt.ContactID, []string{keep}); err != nil {
		p.log.WithContext(ctx).Warn("add temperature tag",
			"tenant_id", evt.TenantID, "contact_id", evt.ContactID, "error", err)
	}
}

// withRetry runs an outbound write with exponential backoff and jitter on
// transient failures. Permanent failures abort immediately.
func (p *Projector) withRetry(ctx context.Context, tenantID, contactID, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}

		p.log.CrmRetry(tenantID, contactID, attempt, lastErr)
		if attempt == p.maxAttempts {
			break
		}
		if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", op, p.maxAttempts, lastErr)
}

func (p *Projector) backoff(attempt int) time.Duration {
	d := p.backoffBase << uint(attempt-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

// deadLetter records an exhausted write exactly once. Lead state stays
// untouched; operators requeue from the dead-letter queue.
func (p *Projector) deadLetter(ctx context.Context, tenantID, contactID, op string, evt events.Event, cause error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		payload = []byte("{}")
	}

	_, insErr := p.letters.InsertDeadLetter(ctx, repository.DeadLetter{
		ID:        uuid.New(),
		TenantID:  tenantID,
		ContactID: contactID,
		Category:  repository.CategoryCrmWrite,
		Payload:   payload,
		Attempts:  p.maxAttempts,
		LastError: cause.Error(),
	})
	if insErr != nil {
		p.log.DatabaseError("insert crm dead letter", insErr)
		return
	}

	p.log.DeadLetter(tenantID, contactID, repository.CategoryCrmWrite, cause)
	p.bus.Publish(ctx, events.CrmWriteDeadLettered{
		BaseEvent: events.NewBaseEvent(),
		TenantID:  tenantID,
		ContactID: contactID,
		Category:  op,
		Detail:    cause.Error(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
