// Package session serializes lead mutations. Every state change, whether
// driven by an inbound message or a scheduler tick, goes through the
// machine's optimistic retry loop so concurrent writers never clobber each
// other's updates.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadrouter_backend/internal/events"
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/platform/apperr"
	"leadrouter_backend/platform/logger"

	"github.com/google/uuid"
)

// ErrNoChange signals that a mutation decided the lead needs no write. The
// machine returns the current lead untouched.
var ErrNoChange = errors.New("session: no change")

// Mutation computes a lead's next state from its current one. It runs inside
// the retry loop and may execute more than once, so it must be free of side
// effects. The returned handoff record, when non-nil, is persisted atomically
// with the state write.
type Mutation func(lead domain.Lead) (domain.Lead, *domain.HandoffRecord, error)

// Machine applies mutations to leads with optimistic concurrency control.
type Machine struct {
	store       repository.LeadStore
	letters     repository.DeadLetterStore
	bus         events.Bus
	log         *logger.Logger
	maxAttempts int
}

// NewMachine creates a session machine. maxAttempts bounds the optimistic
// retry loop; values below 1 are coerced to 1.
func NewMachine(store repository.LeadStore, letters repository.DeadLetterStore, bus events.Bus, log *logger.Logger, maxAttempts int) *Machine {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Machine{
		store:       store,
		letters:     letters,
		bus:         bus,
		log:         log,
		maxAttempts: maxAttempts,
	}
}

// Apply loads the lead, runs the mutation, and writes the result guarded by
// the version read. A version conflict re-reads and retries; when the retry
// budget is exhausted the failure is dead-lettered for operator
// reconciliation and a conflict event is published.
func (m *Machine) Apply(ctx context.Context, tenantID, contactID string, mutate Mutation) (domain.Lead, error) {
	var lastErr error

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		lead, err := m.store.GetByContact(ctx, tenantID, contactID)
		if err != nil {
			return domain.Lead{}, err
		}

		next, handoff, err := mutate(lead)
		if errors.Is(err, ErrNoChange) {
			return lead, nil
		}
		if err != nil {
			return domain.Lead{}, err
		}

		updated, err := m.store.ApplyTransition(ctx, repository.TransitionParams{
			LeadID:                lead.ID,
			ExpectedVersion:       lead.Version,
			FRS:                   next.FinancialReadiness,
			PCS:                   next.PsychCommitment,
			Temperature:           next.Temperature,
			ActiveBot:             next.ActiveBot,
			WorkflowNode:          next.WorkflowNode,
			Context:               next.ConversationContext,
			QualificationComplete: next.QualificationComplete,
			LastInteractionAt:     next.LastInteractionAt,
			EnteredBotAt:          next.EnteredBotAt,
			Handoff:               handoff,
		})
		if err == nil {
			return updated, nil
		}
		if !apperr.Is(err, apperr.KindVersionConflict) {
			return domain.Lead{}, err
		}
		lastErr = err
	}

	m.deadLetterConflict(ctx, tenantID, contactID, lastErr)
	return domain.Lead{}, apperr.VersionConflict(
		fmt.Sprintf("lead %s/%s: transition abandoned after %d attempts", tenantID, contactID, m.maxAttempts))
}

func (m *Machine) deadLetterConflict(ctx context.Context, tenantID, contactID string, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}

	payload, _ := json.Marshal(map[string]string{
		"contactId": contactID,
		"detail":    detail,
	})
	_, err := m.letters.InsertDeadLetter(ctx, repository.DeadLetter{
		ID:        uuid.New(),
		TenantID:  tenantID,
		ContactID: contactID,
		Category:  repository.CategoryConflict,
		Payload:   payload,
		Attempts:  m.maxAttempts,
		LastError: detail,
	})
	if err != nil {
		m.log.DatabaseError("insert conflict dead letter", err)
	}
	m.log.DeadLetter(tenantID, contactID, repository.CategoryConflict, cause)

	m.bus.Publish(ctx, events.TransitionConflict{
		BaseEvent: events.NewBaseEvent(),
		TenantID:  tenantID,
		ContactID: contactID,
		Detail:    detail,
	})
}

// Handoff builds the next state for an ownership transition: the lead moves
// to the target bot's first node, its clock restarts, and an audit record is
// attached. Scores and context on next are expected to be set by the caller
// beforehand.
func Handoff(lead domain.Lead, target domain.BotType, confidence float64, reason string, now time.Time) (domain.Lead, *domain.HandoffRecord) {
	next := lead
	next.ActiveBot = target
	next.WorkflowNode = domain.InitialNode(target)
	next.EnteredBotAt = now
	next.LastInteractionAt = now

	record := &domain.HandoffRecord{
		ID:         uuid.New(),
		LeadID:     lead.ID,
		ContactID:  lead.ContactID,
		FromBot:    lead.ActiveBot,
		ToBot:      target,
		Confidence: confidence,
		Reason:     reason,
	}
	return next, record
}

// AdvanceFollowUp moves the lead's workflow to a scheduled follow-up step.
// The move is refused when it would run the workflow backward or when the
// step does not belong to the lead's current bot; refusals return false and
// the lead unchanged. The final step of a sequence also retires the lead to
// done on the next advance.
func AdvanceFollowUp(lead domain.Lead, step string, now time.Time) (domain.Lead, bool) {
	stepIdx := domain.NodeIndex(lead.ActiveBot, step)
	if stepIdx < 0 {
		return lead, false
	}
	currentIdx := domain.NodeIndex(lead.ActiveBot, lead.WorkflowNode)
	if currentIdx >= stepIdx {
		return lead, false
	}

	next := lead
	next.WorkflowNode = step
	if last, ok := domain.LastFollowUpStep(lead.ActiveBot); ok && step == last {
		next.WorkflowNode = domain.NodeDone
	}
	next.LastInteractionAt = now
	return next, true
}
