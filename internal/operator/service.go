// Package operator is the human console behind the router: dead-letter
// triage, conflict review, and lead inspection.
package operator

import (
	"context"
	"encoding/json"

	"leadrouter_backend/internal/events"
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/platform/apperr"
	"leadrouter_backend/platform/logger"

	"github.com/google/uuid"
)

// Service implements the operator console operations.
type Service struct {
	store   repository.LeadStore
	letters repository.DeadLetterStore
	bus     events.Bus
	log     *logger.Logger
}

func NewService(store repository.LeadStore, letters repository.DeadLetterStore, bus events.Bus, log *logger.Logger) *Service {
	return &Service{store: store, letters: letters, bus: bus, log: log}
}

// ListDeadLetters returns the tenant's failure queue, optionally filtered
// by status.
func (s *Service) ListDeadLetters(ctx context.Context, tenantID, status string, limit int) ([]repository.DeadLetter, error) {
	return s.letters.ListDeadLetters(ctx, tenantID, status, limit)
}

// RequeueDeadLetter replays a failed CRM write by republishing its original
// event. Conflict records carry no replayable write; they are resolved, not
// requeued.
func (s *Service) RequeueDeadLetter(ctx context.Context, tenantID string, id uuid.UUID) (repository.DeadLetter, error) {
	letter, err := s.letters.GetDeadLetter(ctx, id)
	if err != nil {
		return repository.DeadLetter{}, err
	}
	if letter.TenantID != tenantID {
		return repository.DeadLetter{}, apperr.NotFound("dead letter not found")
	}
	if letter.Status != repository.StatusPending {
		return repository.DeadLetter{}, apperr.Conflict("dead letter is not pending")
	}
	if letter.Category != repository.CategoryCrmWrite {
		return repository.DeadLetter{}, apperr.Validation("only crm write failures can be requeued")
	}

	var evt events.LeadStateChanged
	if err := json.Unmarshal(letter.Payload, &evt); err != nil {
		return repository.DeadLetter{}, apperr.Wrap(apperr.KindInternal, "unreplayable dead letter payload", err)
	}

	if err := s.letters.UpdateDeadLetterStatus(ctx, id, repository.StatusRequeued); err != nil {
		return repository.DeadLetter{}, err
	}
	s.bus.Publish(ctx, evt)
	s.log.Info("dead letter requeued", "tenant_id", tenantID, "dead_letter_id", id, "contact_id", letter.ContactID)

	letter.Status = repository.StatusRequeued
	return letter, nil
}

// ResolveDeadLetter closes a failure record without replaying it.
func (s *Service) ResolveDeadLetter(ctx context.Context, tenantID string, id uuid.UUID) error {
	letter, err := s.letters.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if letter.TenantID != tenantID {
		return apperr.NotFound("dead letter not found")
	}
	return s.letters.UpdateDeadLetterStatus(ctx, id, repository.StatusResolved)
}

// LeadView bundles a lead with its handoff audit trail.
type LeadView struct {
	Lead     domain.Lead            `json:"lead"`
	Handoffs []domain.HandoffRecord `json:"handoffs"`
}

// GetLead returns a lead and its handoff history by contact.
func (s *Service) GetLead(ctx context.Context, tenantID, contactID string) (LeadView, error) {
	lead, err := s.store.GetByContact(ctx, tenantID, contactID)
	if err != nil {
		return LeadView{}, err
	}
	handoffs, err := s.store.ListHandoffs(ctx, lead.ID)
	if err != nil {
		return LeadView{}, err
	}
	return LeadView{Lead: lead, Handoffs: handoffs}, nil
}
