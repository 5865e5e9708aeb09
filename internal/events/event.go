// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Lead Routing Events
// =============================================================================

// LeadStateChanged is published after a successful lead transition. The CRM
// projector consumes it to write scores, temperature, and routing state back
// to the external contact record.
type LeadStateChanged struct {
	BaseEvent
	LeadID       uuid.UUID          `json:"leadId"`
	TenantID     string             `json:"tenantId"`
	ContactID    string             `json:"contactId"`
	FRS          int                `json:"frs"`
	PCS          int                `json:"pcs"`
	Temperature  domain.Temperature `json:"temperature"`
	ActiveBot    domain.BotType     `json:"activeBot"`
	WorkflowNode string             `json:"workflowNode"`
	Context      map[string]string  `json:"context"`
}

func (e LeadStateChanged) EventName() string { return "leads.state.changed" }

// HandoffOccurred is published once per ownership transition, after the
// handoff record has been durably appended.
type HandoffOccurred struct {
	BaseEvent
	LeadID     uuid.UUID      `json:"leadId"`
	TenantID   string         `json:"tenantId"`
	ContactID  string         `json:"contactId"`
	FromBot    domain.BotType `json:"fromBot"`
	ToBot      domain.BotType `json:"toBot"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`
}

func (e HandoffOccurred) EventName() string { return "leads.handoff.occurred" }

// LeadEscalated is published when a lead is routed to a human, whether by
// the hot-lead rule, an unroutable state, or the inactivity window.
type LeadEscalated struct {
	BaseEvent
	LeadID    uuid.UUID `json:"leadId"`
	TenantID  string    `json:"tenantId"`
	ContactID string    `json:"contactId"`
	Reason    string    `json:"reason"`
}

func (e LeadEscalated) EventName() string { return "leads.escalated" }

// TransitionConflict is published when a lead transition exhausted its
// optimistic-lock retry budget and needs operator reconciliation.
type TransitionConflict struct {
	BaseEvent
	TenantID  string `json:"tenantId"`
	ContactID string `json:"contactId"`
	Detail    string `json:"detail"`
}

func (e TransitionConflict) EventName() string { return "leads.transition.conflict" }

// =============================================================================
// CRM Sync Events
// =============================================================================

// CrmWriteDeadLettered is published after an outbound CRM write exhausted
// its retry budget and landed in the dead-letter store.
type CrmWriteDeadLettered struct {
	BaseEvent
	TenantID  string `json:"tenantId"`
	ContactID string `json:"contactId"`
	Category  string `json:"category"`
	Detail    string `json:"detail"`
}

func (e CrmWriteDeadLettered) EventName() string { return "crm.write.dead_lettered" }
