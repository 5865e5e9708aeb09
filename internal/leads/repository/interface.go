// Package repository provides data access for lead records, the idempotency
// ledgers, and the dead-letter store. The leads table is the single source
// of truth; every state mutation goes through the version-guarded
// ApplyTransition.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"leadrouter_backend/internal/leads/domain"

	"github.com/google/uuid"
)

// TransitionParams describes one conditional lead mutation. The write only
// succeeds when the stored version equals ExpectedVersion; the new version
// is ExpectedVersion+1.
type TransitionParams struct {
	LeadID                uuid.UUID
	ExpectedVersion       int64
	FRS                   int
	PCS                   int
	Temperature           domain.Temperature
	ActiveBot             domain.BotType
	WorkflowNode          string
	Context               map[string]string
	QualificationComplete bool
	LastInteractionAt     time.Time
	EnteredBotAt          time.Time
	// Handoff, when set, is appended atomically with the state write.
	Handoff *domain.HandoffRecord
}

// DeadLetter is an operator-visible failure record: an exhausted CRM write
// or a transition conflict awaiting reconciliation.
type DeadLetter struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  string          `json:"tenantId"`
	ContactID string          `json:"contactId"`
	Category  string          `json:"category"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Dead-letter categories and statuses.
const (
	CategoryCrmWrite = "crm_write"
	CategoryConflict = "transition_conflict"
	StatusPending    = "pending"
	StatusRequeued   = "requeued"
	StatusResolved   = "resolved"
)

// LeadStore is the persistence boundary the session machine and processor
// depend on. Satisfied by *Repository; tests substitute an in-memory fake.
type LeadStore interface {
	GetByContact(ctx context.Context, tenantID, contactID string) (domain.Lead, error)
	GetByID(ctx context.Context, leadID uuid.UUID) (domain.Lead, error)
	Create(ctx context.Context, lead domain.Lead) (domain.Lead, error)
	ApplyTransition(ctx context.Context, params TransitionParams) (domain.Lead, error)
	ListHandoffs(ctx context.Context, leadID uuid.UUID) ([]domain.HandoffRecord, error)
	ListActive(ctx context.Context, tenantID string) ([]domain.Lead, error)
}

// EventLedger records processed webhook deliveries for idempotency. Keys
// are checked before processing and marked only after the delivery has
// been applied, so a failed delivery stays retryable.
type EventLedger interface {
	// EventProcessed reports whether the event key was already recorded.
	EventProcessed(ctx context.Context, tenantID, eventKey string) (bool, error)
	// MarkEventProcessed returns false when the event key was already
	// recorded, i.e. the delivery is a duplicate.
	MarkEventProcessed(ctx context.Context, tenantID, eventKey string) (bool, error)
}

// TickLedger records processed follow-up ticks for idempotency, with the
// same check-then-mark-on-success contract as EventLedger.
type TickLedger interface {
	// TickProcessed reports whether the (lead, bot, step) tick was already
	// handled.
	TickProcessed(ctx context.Context, leadID uuid.UUID, bot domain.BotType, step string) (bool, error)
	// MarkTickProcessed returns false when the (lead, bot, step) tick was
	// already handled.
	MarkTickProcessed(ctx context.Context, leadID uuid.UUID, bot domain.BotType, step string) (bool, error)
}

// DeadLetterStore persists operator-visible failures.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, letter DeadLetter) (DeadLetter, error)
	ListDeadLetters(ctx context.Context, tenantID, status string, limit int) ([]DeadLetter, error)
	UpdateDeadLetterStatus(ctx context.Context, id uuid.UUID, status string) error
	GetDeadLetter(ctx context.Context, id uuid.UUID) (DeadLetter, error)
}
