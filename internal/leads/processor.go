// Package leads orchestrates the lead-routing pipeline: inbound messages
// flow through reply generation, scoring, and handoff evaluation into a
// version-guarded state write; scheduler ticks advance follow-up sequences.
package leads

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"leadrouter_backend/internal/events"
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/internal/leads/handoff"
	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/internal/leads/scoring"
	"leadrouter_backend/internal/leads/session"
	"leadrouter_backend/platform/apperr"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"

	"golang.org/x/sync/errgroup"
)

// escalationConcurrency bounds parallel inactivity escalations per sweep.
const escalationConcurrency = 4

// InboundMessage is a normalized contact message after webhook verification
// and deduplication.
type InboundMessage struct {
	TenantID   string
	ContactID  string
	EventKey   string
	Channel    string
	Phone      string
	Body       string
	OccurredAt time.Time
}

// ReplyResult is what the conversational boundary produces for one inbound
// message: the outbound text plus the structured signals the pipeline needs.
// Components is the cumulative qualification snapshot, not a delta.
type ReplyResult struct {
	Text                  string
	Intent                handoff.IntentSignal
	Components            scoring.Signal
	ContextUpdates        map[string]string
	QualificationComplete bool
}

// ReplyGenerator produces replies and qualification signals for a lead.
type ReplyGenerator interface {
	Generate(ctx context.Context, lead domain.Lead, msg InboundMessage) (ReplyResult, error)
	FollowUp(ctx context.Context, lead domain.Lead, step string) (string, error)
}

// MessageSender delivers outbound conversation messages to the contact.
type MessageSender interface {
	SendMessage(ctx context.Context, tenantID, contactID, body string) error
}

// FollowUpScheduler enqueues a lead's cadence ticks when it enters a bot.
type FollowUpScheduler interface {
	ScheduleFollowUps(ctx context.Context, lead domain.Lead) error
}

// Processor drives lead state from inbound messages and scheduler ticks.
type Processor struct {
	tenants   *config.TenantRegistry
	store     repository.LeadStore
	ticks     repository.TickLedger
	machine   *session.Machine
	replies   ReplyGenerator
	sender    MessageSender
	scheduler FollowUpScheduler
	bus       events.Bus
	log       *logger.Logger
	now       func() time.Time
}

// NewProcessor wires the pipeline together.
func NewProcessor(
	tenants *config.TenantRegistry,
	store repository.LeadStore,
	ticks repository.TickLedger,
	machine *session.Machine,
	replies ReplyGenerator,
	sender MessageSender,
	scheduler FollowUpScheduler,
	bus events.Bus,
	log *logger.Logger,
) *Processor {
	return &Processor{
		tenants:   tenants,
		store:     store,
		ticks:     ticks,
		machine:   machine,
		replies:   replies,
		sender:    sender,
		scheduler: scheduler,
		bus:       bus,
		log:       log,
		now:       time.Now,
	}
}

// ProcessMessage runs the full inbound pipeline for one deduplicated
// message. Stale deliveries return a KindStale error without touching the
// lead; the transport layer acknowledges those so the sender stops retrying.
func (p *Processor) ProcessMessage(ctx context.Context, msg InboundMessage) (domain.Lead, error) {
	tenant, ok := p.tenants.Get(msg.TenantID)
	if !ok {
		return domain.Lead{}, apperr.NotFound(fmt.Sprintf("unknown tenant %q", msg.TenantID))
	}

	lead, err := p.loadOrCreate(ctx, msg)
	if err != nil {
		return domain.Lead{}, err
	}

	if msg.OccurredAt.Before(lead.LastInteractionAt) {
		p.log.StaleEvent(msg.TenantID, msg.ContactID)
		return lead, apperr.Stale(fmt.Sprintf("event at %s predates last interaction %s",
			msg.OccurredAt.Format(time.RFC3339), lead.LastInteractionAt.Format(time.RFC3339)))
	}

	result, err := p.replies.Generate(ctx, lead, msg)
	if err != nil {
		return domain.Lead{}, fmt.Errorf("generate reply: %w", err)
	}

	engine := scoring.NewEngine(tenant.Scoring)
	scores, err := engine.Update(result.Components)
	if err != nil {
		// Malformed signals never corrupt stored scores. Keep the current
		// snapshot and carry on with routing.
		p.log.WithContext(ctx).Warn("invalid scoring signal, keeping current scores",
			"tenant_id", msg.TenantID, "contact_id", msg.ContactID, "error", err)
		scores = scoring.Result{
			FinancialReadiness: lead.FinancialReadiness,
			PsychCommitment:    lead.PsychCommitment,
			Temperature:        lead.Temperature,
		}
	}

	scored := lead
	scored.FinancialReadiness = scores.FinancialReadiness
	scored.PsychCommitment = scores.PsychCommitment
	scored.Temperature = scores.Temperature
	scored.QualificationComplete = lead.QualificationComplete || result.QualificationComplete

	decision, err := handoff.Evaluate(scored, result.Intent, tenant.Handoff.ConfidenceThreshold)
	if err != nil {
		if !apperr.Is(err, apperr.KindUnroutable) {
			return domain.Lead{}, err
		}
		// An unroutable lead goes to a person instead of getting stuck.
		p.log.WithContext(ctx).Error("unroutable lead, escalating to human",
			"tenant_id", msg.TenantID, "contact_id", msg.ContactID, "error", err)
		decision = handoff.Decision{
			Outcome:   handoff.OutcomeEscalate,
			TargetBot: domain.BotHuman,
			Reason:    "unroutable state",
		}
	}

	// The normalized phone rides along in the conversation context so CRM
	// projections and follow-up prompts can reach the contact. A phone the
	// conversation itself surfaced wins over the envelope's.
	contextUpdates := result.ContextUpdates
	if msg.Phone != "" && contextUpdates["phone"] == "" {
		merged := make(map[string]string, len(contextUpdates)+1)
		for k, v := range contextUpdates {
			merged[k] = v
		}
		merged["phone"] = msg.Phone
		contextUpdates = merged
	}

	now := p.now()
	var record *domain.HandoffRecord
	updated, err := p.machine.Apply(ctx, msg.TenantID, msg.ContactID, func(current domain.Lead) (domain.Lead, *domain.HandoffRecord, error) {
		// Re-checked under the version guard: a concurrent newer delivery
		// can commit between the snapshot read and this write attempt, and
		// an older message must never roll the lead back.
		if msg.OccurredAt.Before(current.LastInteractionAt) {
			return domain.Lead{}, nil, apperr.Stale(fmt.Sprintf("event at %s predates last interaction %s",
				msg.OccurredAt.Format(time.RFC3339), current.LastInteractionAt.Format(time.RFC3339)))
		}

		next := current
		next.FinancialReadiness = scored.FinancialReadiness
		next.PsychCommitment = scored.PsychCommitment
		next.Temperature = scored.Temperature
		next.QualificationComplete = current.QualificationComplete || result.QualificationComplete
		next.ConversationContext = domain.MergeContext(current.ConversationContext, contextUpdates)
		next.LastInteractionAt = msg.OccurredAt

		switch decision.Outcome {
		case handoff.OutcomeHandoff, handoff.OutcomeEscalate:
			target := decision.TargetBot
			next, record = session.Handoff(next, target, decision.Confidence, decision.Reason, now)
			next.LastInteractionAt = msg.OccurredAt
			return next, record, nil
		default:
			record = nil
			// Conversation nodes progress message by message; the clock
			// owns the follow-up nodes.
			if nextNode, ok := domain.NextNode(current.ActiveBot, current.WorkflowNode); ok &&
				!domain.IsFollowUpNode(current.WorkflowNode) &&
				!domain.IsFollowUpNode(nextNode) && nextNode != domain.NodeDone {
				next.WorkflowNode = nextNode
			}
			return next, nil, nil
		}
	})
	if err != nil {
		if apperr.Is(err, apperr.KindStale) {
			p.log.StaleEvent(msg.TenantID, msg.ContactID)
		}
		return domain.Lead{}, err
	}

	p.publishStateChanged(ctx, updated)
	if record != nil {
		p.bus.Publish(ctx, events.HandoffOccurred{
			BaseEvent:  events.NewBaseEvent(),
			LeadID:     updated.ID,
			TenantID:   updated.TenantID,
			ContactID:  updated.ContactID,
			FromBot:    record.FromBot,
			ToBot:      record.ToBot,
			Confidence: record.Confidence,
			Reason:     record.Reason,
		})
	}
	if decision.Outcome == handoff.OutcomeEscalate {
		p.bus.Publish(ctx, events.LeadEscalated{
			BaseEvent: events.NewBaseEvent(),
			LeadID:    updated.ID,
			TenantID:  updated.TenantID,
			ContactID: updated.ContactID,
			Reason:    decision.Reason,
		})
	}

	// A bot switch restarts the follow-up clock under the new owner.
	if decision.Outcome == handoff.OutcomeHandoff {
		if err := p.scheduler.ScheduleFollowUps(ctx, updated); err != nil {
			p.log.WithContext(ctx).Error("schedule follow-ups after handoff",
				"tenant_id", updated.TenantID, "contact_id", updated.ContactID, "error", err)
		}
	}

	// Humans answer for themselves; bots reply here. Delivery is best
	// effort, the conversation state is already durable.
	if updated.ActiveBot != domain.BotHuman && result.Text != "" {
		if err := p.sender.SendMessage(ctx, updated.TenantID, updated.ContactID, result.Text); err != nil {
			p.log.WithContext(ctx).Error("send reply",
				"tenant_id", updated.TenantID, "contact_id", updated.ContactID, "error", err)
		}
	}

	return updated, nil
}

// ProcessTick handles one scheduled follow-up delivery. Duplicate ticks and
// ticks for a bot that no longer owns the lead are silently dropped.
func (p *Processor) ProcessTick(ctx context.Context, tenantID, contactID string, bot domain.BotType, step string) error {
	lead, err := p.store.GetByContact(ctx, tenantID, contactID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil
		}
		return err
	}

	if lead.ActiveBot != bot || lead.IsTerminal() {
		return nil
	}

	done, err := p.ticks.TickProcessed(ctx, lead.ID, bot, step)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	now := p.now()
	updated, err := p.machine.Apply(ctx, tenantID, contactID, func(current domain.Lead) (domain.Lead, *domain.HandoffRecord, error) {
		if current.ActiveBot != bot || current.IsTerminal() {
			return domain.Lead{}, nil, session.ErrNoChange
		}
		next, ok := session.AdvanceFollowUp(current, step, now)
		if !ok {
			return domain.Lead{}, nil, session.ErrNoChange
		}
		return next, nil, nil
	})
	if err != nil {
		return err
	}
	if updated.WorkflowNode != step && updated.WorkflowNode != domain.NodeDone {
		// Mutation declined the advance; nothing to send.
		return nil
	}

	// Marked only after the advance is durable: a tick that failed mid-way
	// stays unclaimed and the scheduler's redelivery gets a clean retry.
	if _, err := p.ticks.MarkTickProcessed(ctx, lead.ID, bot, step); err != nil {
		p.log.WithContext(ctx).Warn("tick ledger mark failed",
			"tenant_id", tenantID, "contact_id", contactID, "step", step, "error", err)
	}

	body, err := p.replies.FollowUp(ctx, lead, step)
	if err != nil {
		return fmt.Errorf("follow-up message for %s: %w", step, err)
	}
	if body != "" {
		if err := p.sender.SendMessage(ctx, tenantID, contactID, body); err != nil {
			p.log.WithContext(ctx).Error("send follow-up",
				"tenant_id", tenantID, "contact_id", contactID, "step", step, "error", err)
		}
	}

	p.publishStateChanged(ctx, updated)
	return nil
}

// EscalateInactive hands leads that have been quiet past the tenant's
// inactivity window over to a human. The scheduler's catch-up pass calls
// this per tenant.
func (p *Processor) EscalateInactive(ctx context.Context, tenantID string) (int, error) {
	tenant, ok := p.tenants.Get(tenantID)
	if !ok {
		return 0, apperr.NotFound(fmt.Sprintf("unknown tenant %q", tenantID))
	}
	window := tenant.FollowUp.InactivityWindow
	if window <= 0 {
		return 0, nil
	}

	active, err := p.store.ListActive(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	now := p.now()
	var escalated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(escalationConcurrency)
	for _, lead := range active {
		if now.Sub(lead.LastInteractionAt) <= window {
			continue
		}

		g.Go(func() error {
			updated, err := p.machine.Apply(gctx, tenantID, lead.ContactID, func(current domain.Lead) (domain.Lead, *domain.HandoffRecord, error) {
				if current.IsTerminal() || now.Sub(current.LastInteractionAt) <= window {
					return domain.Lead{}, nil, session.ErrNoChange
				}
				next, record := session.Handoff(current, domain.BotHuman, 0, "inactivity window elapsed", now)
				// Escalation is not an interaction; keep the silence visible.
				next.LastInteractionAt = current.LastInteractionAt
				return next, record, nil
			})
			if err != nil {
				p.log.WithContext(gctx).Error("inactivity escalation failed",
					"tenant_id", tenantID, "contact_id", lead.ContactID, "error", err)
				return nil
			}
			if updated.ActiveBot != domain.BotHuman {
				return nil
			}

			escalated.Add(1)
			p.publishStateChanged(gctx, updated)
			p.bus.Publish(gctx, events.LeadEscalated{
				BaseEvent: events.NewBaseEvent(),
				LeadID:    updated.ID,
				TenantID:  tenantID,
				ContactID: updated.ContactID,
				Reason:    "inactivity window elapsed",
			})
			return nil
		})
	}
	_ = g.Wait()
	return int(escalated.Load()), nil
}

func (p *Processor) loadOrCreate(ctx context.Context, msg InboundMessage) (domain.Lead, error) {
	lead, err := p.store.GetByContact(ctx, msg.TenantID, msg.ContactID)
	if err == nil {
		return lead, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return domain.Lead{}, err
	}

	created, err := p.store.Create(ctx, domain.NewLead(msg.TenantID, msg.ContactID, msg.OccurredAt))
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			// Lost a first-contact race; the winner's row is authoritative.
			return p.store.GetByContact(ctx, msg.TenantID, msg.ContactID)
		}
		return domain.Lead{}, err
	}

	if err := p.scheduler.ScheduleFollowUps(ctx, created); err != nil {
		p.log.WithContext(ctx).Error("schedule follow-ups for new lead",
			"tenant_id", created.TenantID, "contact_id", created.ContactID, "error", err)
	}
	return created, nil
}

func (p *Processor) publishStateChanged(ctx context.Context, lead domain.Lead) {
	p.bus.Publish(ctx, events.LeadStateChanged{
		BaseEvent:    events.NewBaseEvent(),
		LeadID:       lead.ID,
		TenantID:     lead.TenantID,
		ContactID:    lead.ContactID,
		FRS:          lead.FinancialReadiness,
		PCS:          lead.PsychCommitment,
		Temperature:  lead.Temperature,
		ActiveBot:    lead.ActiveBot,
		WorkflowNode: lead.WorkflowNode,
		Context:      lead.ConversationContext,
	})
}
