package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/remitops/transfer-core/internal/models"
)

// The audit trail is append-only: no query here updates or deletes rows.

func (q *sqlQueries) InsertAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	sql := `
		INSERT INTO audit_log (transfer_id, prev_status, next_status, triggered_by, action, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, created_at`
	err := q.db.QueryRow(ctx, sql,
		e.TransferID, nullIfEmpty(e.PreviousStatus), nullIfEmpty(e.NewStatus),
		e.TriggeredBy, e.Action, e.Metadata,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (q *sqlQueries) ListAuditEntries(ctx context.Context, transferID uuid.UUID) ([]models.AuditLogEntry, error) {
	sql := `
		SELECT id, transfer_id, COALESCE(prev_status, ''), COALESCE(next_status, ''),
		       triggered_by, action, metadata, created_at
		FROM audit_log
		WHERE transfer_id = $1
		ORDER BY id ASC`
	rows, err := q.db.Query(ctx, sql, transferID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.TransferID, &e.PreviousStatus, &e.NewStatus,
			&e.TriggeredBy, &e.Action, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
