package repository

import (
	"context"
	"errors"

	"leadrouter_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deadLetterColumns = `
	id, tenant_id, contact_id, category, payload, attempts, last_error,
	status, created_at, updated_at`

// InsertDeadLetter records an operator-visible failure.
func (r *Repository) InsertDeadLetter(ctx context.Context, letter DeadLetter) (DeadLetter, error) {
	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}
	if letter.Status == "" {
		letter.Status = StatusPending
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO dead_letters (id, tenant_id, contact_id, category, payload, attempts, last_error, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+deadLetterColumns+`
	`, letter.ID, letter.TenantID, letter.ContactID, letter.Category,
		letter.Payload, letter.Attempts, letter.LastError, letter.Status)
	return scanDeadLetter(row)
}

// ListDeadLetters returns failures for a tenant, newest first. An empty
// status matches all statuses.
func (r *Repository) ListDeadLetters(ctx context.Context, tenantID, status string, limit int) ([]DeadLetter, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}

// UpdateDeadLetterStatus moves a dead letter between pending, requeued and
// resolved.
func (r *Repository) UpdateDeadLetterStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dead_letters SET status = $1, updated_at = now() WHERE id = $2
	`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("dead letter not found")
	}
	return nil
}

// GetDeadLetter loads a single dead letter by id.
func (r *Repository) GetDeadLetter(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE id = $1
	`, id)
	return scanDeadLetter(row)
}

func scanDeadLetter(row rowScanner) (DeadLetter, error) {
	var letter DeadLetter
	err := row.Scan(&letter.ID, &letter.TenantID, &letter.ContactID,
		&letter.Category, &letter.Payload, &letter.Attempts, &letter.LastError,
		&letter.Status, &letter.CreatedAt, &letter.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeadLetter{}, apperr.NotFound("dead letter not found")
		}
		return DeadLetter{}, err
	}
	return letter, nil
}
