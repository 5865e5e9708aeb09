// Package domain holds the pure lead-routing domain model: lead records,
// bot identities, temperatures, workflow sequences, and the merge rules for
// conversation context. Nothing here touches storage or transport.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// BotType identifies which conversational agent owns a lead.
type BotType string

const (
	BotLead   BotType = "lead"
	BotBuyer  BotType = "buyer"
	BotSeller BotType = "seller"
	BotHuman  BotType = "human"
)

// Valid reports whether the bot type is a known enum value.
func (b BotType) Valid() bool {
	switch b {
	case BotLead, BotBuyer, BotSeller, BotHuman:
		return true
	}
	return false
}

// Temperature classifies a lead's combined readiness.
type Temperature string

const (
	TempHot  Temperature = "hot"
	TempWarm Temperature = "warm"
	TempCold Temperature = "cold"
)

// Rank orders temperatures Cold < Warm < Hot for monotonicity checks.
func (t Temperature) Rank() int {
	switch t {
	case TempHot:
		return 2
	case TempWarm:
		return 1
	default:
		return 0
	}
}

// Lead is the authoritative per-contact record. One row per CRM contact,
// scoped by tenant; all mutation serializes through Version.
type Lead struct {
	ID                    uuid.UUID
	TenantID              string
	ContactID             string
	FinancialReadiness    int
	PsychCommitment       int
	Temperature           Temperature
	ActiveBot             BotType
	WorkflowNode          string
	ConversationContext   map[string]string
	QualificationComplete bool
	LastInteractionAt     time.Time
	EnteredBotAt          time.Time
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IsTerminal reports whether automated processing has stopped for this lead.
// Human ownership is terminal; a bot whose sequence is exhausted is dormant
// until a new inbound message arrives.
func (l Lead) IsTerminal() bool {
	return l.ActiveBot == BotHuman || l.WorkflowNode == NodeDone
}

// HandoffRecord is an immutable audit entry, one per ownership transition.
type HandoffRecord struct {
	ID         uuid.UUID
	LeadID     uuid.UUID
	ContactID  string
	FromBot    BotType
	ToBot      BotType
	Confidence float64
	Reason     string
	CreatedAt  time.Time
}

// NewLead builds the initial record for a first-contact event.
func NewLead(tenantID, contactID string, at time.Time) Lead {
	return Lead{
		ID:                  uuid.New(),
		TenantID:            tenantID,
		ContactID:           contactID,
		Temperature:         TempCold,
		ActiveBot:           BotLead,
		WorkflowNode:        InitialNode(BotLead),
		ConversationContext: map[string]string{},
		LastInteractionAt:   at,
		EnteredBotAt:        at,
		Version:             1,
	}
}
