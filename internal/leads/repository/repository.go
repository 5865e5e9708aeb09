package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides pgx-backed access to the lead store.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new lead repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Ping checks database connectivity for readiness probes.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const leadColumns = `
	id, tenant_id, contact_id, frs, pcs, temperature, active_bot,
	workflow_node, conversation_context, qualification_complete,
	last_interaction_at, entered_bot_at, version, created_at, updated_at`

// GetByContact loads a lead by its tenant-scoped CRM contact identity.
func (r *Repository) GetByContact(ctx context.Context, tenantID, contactID string) (domain.Lead, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE tenant_id = $1 AND contact_id = $2
	`, tenantID, contactID)
	return scanLead(row)
}

// GetByID loads a lead by its internal identity.
func (r *Repository) GetByID(ctx context.Context, leadID uuid.UUID) (domain.Lead, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE id = $1
	`, leadID)
	return scanLead(row)
}

// Create inserts a new lead record. A concurrent first-contact insert for
// the same contact surfaces as a conflict so the caller can re-read.
func (r *Repository) Create(ctx context.Context, lead domain.Lead) (domain.Lead, error) {
	contextJSON, err := json.Marshal(lead.ConversationContext)
	if err != nil {
		return domain.Lead{}, fmt.Errorf("marshal conversation context: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO leads (
			id, tenant_id, contact_id, frs, pcs, temperature, active_bot,
			workflow_node, conversation_context, qualification_complete,
			last_interaction_at, entered_bot_at, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, contact_id) DO NOTHING
		RETURNING `+leadColumns+`
	`, lead.ID, lead.TenantID, lead.ContactID, lead.FinancialReadiness,
		lead.PsychCommitment, lead.Temperature, lead.ActiveBot,
		lead.WorkflowNode, contextJSON, lead.QualificationComplete,
		lead.LastInteractionAt, lead.EnteredBotAt, lead.Version)

	created, err := scanLead(row)
	if apperr.Is(err, apperr.KindNotFound) {
		// Lost the insert race; the lead now exists.
		return domain.Lead{}, apperr.Conflict("lead already exists for contact")
	}
	return created, err
}

// ApplyTransition performs the version-guarded state write, appending the
// handoff record in the same transaction when present.
func (r *Repository) ApplyTransition(ctx context.Context, params TransitionParams) (domain.Lead, error) {
	contextJSON, err := json.Marshal(params.Context)
	if err != nil {
		return domain.Lead{}, fmt.Errorf("marshal conversation context: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Lead{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE leads SET
			frs = $1, pcs = $2, temperature = $3, active_bot = $4,
			workflow_node = $5, conversation_context = $6,
			qualification_complete = $7, last_interaction_at = $8,
			entered_bot_at = $9, version = version + 1, updated_at = now()
		WHERE id = $10 AND version = $11
		RETURNING `+leadColumns+`
	`, params.FRS, params.PCS, params.Temperature, params.ActiveBot,
		params.WorkflowNode, contextJSON, params.QualificationComplete,
		params.LastInteractionAt, params.EnteredBotAt,
		params.LeadID, params.ExpectedVersion)

	updated, err := scanLead(row)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return domain.Lead{}, apperr.VersionConflict(
				fmt.Sprintf("lead %s version %d is stale", params.LeadID, params.ExpectedVersion))
		}
		return domain.Lead{}, err
	}

	if params.Handoff != nil {
		h := params.Handoff
		_, err = tx.Exec(ctx, `
			INSERT INTO handoff_records (id, lead_id, contact_id, from_bot, to_bot, confidence, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, h.ID, h.LeadID, h.ContactID, h.FromBot, h.ToBot, h.Confidence, h.Reason)
		if err != nil {
			return domain.Lead{}, fmt.Errorf("append handoff record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Lead{}, err
	}
	return updated, nil
}

// ListHandoffs returns a lead's handoff history, oldest first.
func (r *Repository) ListHandoffs(ctx context.Context, leadID uuid.UUID) ([]domain.HandoffRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, lead_id, contact_id, from_bot, to_bot, confidence, reason, created_at
		FROM handoff_records
		WHERE lead_id = $1
		ORDER BY created_at ASC
	`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.HandoffRecord
	for rows.Next() {
		var rec domain.HandoffRecord
		if err := rows.Scan(&rec.ID, &rec.LeadID, &rec.ContactID, &rec.FromBot,
			&rec.ToBot, &rec.Confidence, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListActive returns all non-terminal leads for a tenant, for the scheduler
// catch-up pass.
func (r *Repository) ListActive(ctx context.Context, tenantID string) ([]domain.Lead, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE tenant_id = $1 AND active_bot <> 'human' AND workflow_node <> 'done'
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leads []domain.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

// EventProcessed reports whether a webhook delivery was already recorded
// under its idempotency key.
func (r *Repository) EventProcessed(ctx context.Context, tenantID, eventKey string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_events WHERE tenant_id = $1 AND event_key = $2
		)
	`, tenantID, eventKey).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// MarkEventProcessed records a webhook delivery under its idempotency key.
// Returns false when the key was already present.
func (r *Repository) MarkEventProcessed(ctx context.Context, tenantID, eventKey string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO processed_events (tenant_id, event_key)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, event_key) DO NOTHING
	`, tenantID, eventKey)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// TickProcessed reports whether a follow-up tick was already recorded.
func (r *Repository) TickProcessed(ctx context.Context, leadID uuid.UUID, bot domain.BotType, step string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_ticks WHERE lead_id = $1 AND bot = $2 AND step = $3
		)
	`, leadID, bot, step).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// MarkTickProcessed records a follow-up tick. Returns false for duplicates.
func (r *Repository) MarkTickProcessed(ctx context.Context, leadID uuid.UUID, bot domain.BotType, step string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO processed_ticks (lead_id, bot, step)
		VALUES ($1, $2, $3)
		ON CONFLICT (lead_id, bot, step) DO NOTHING
	`, leadID, bot, step)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (domain.Lead, error) {
	var lead domain.Lead
	var contextJSON []byte
	err := row.Scan(&lead.ID, &lead.TenantID, &lead.ContactID,
		&lead.FinancialReadiness, &lead.PsychCommitment, &lead.Temperature,
		&lead.ActiveBot, &lead.WorkflowNode, &contextJSON,
		&lead.QualificationComplete, &lead.LastInteractionAt,
		&lead.EnteredBotAt, &lead.Version, &lead.CreatedAt, &lead.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Lead{}, apperr.NotFound("lead not found")
		}
		return domain.Lead{}, err
	}

	lead.ConversationContext = map[string]string{}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &lead.ConversationContext); err != nil {
			return domain.Lead{}, fmt.Errorf("unmarshal conversation context: %w", err)
		}
	}
	return lead, nil
}
