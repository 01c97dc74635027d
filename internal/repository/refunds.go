package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/remitops/transfer-core/internal/models"
)

const refundColumns = `
	id, transfer_id, amount_micros, currency, reason, status,
	requested_at, auto_approval_deadline, window_deadline,
	provider_refund_id, updated_at`

func (q *sqlQueries) CreateRefundRequest(ctx context.Context, r *models.RefundRequest) error {
	sql := `
		INSERT INTO refund_requests (
			id, transfer_id, amount_micros, currency, reason, status,
			requested_at, auto_approval_deadline, window_deadline, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING updated_at`
	err := q.db.QueryRow(ctx, sql,
		r.ID, r.TransferID, r.AmountMicros, r.Currency, r.Reason, r.Status,
		r.RequestedAt, r.AutoApprovalDeadline, r.WindowDeadline,
	).Scan(&r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create refund request: %w", err)
	}
	return nil
}

func (q *sqlQueries) GetRefundByTransfer(ctx context.Context, transferID uuid.UUID) (*models.RefundRequest, error) {
	sql := `SELECT ` + refundColumns + ` FROM refund_requests WHERE transfer_id = $1`
	var r models.RefundRequest
	err := q.db.QueryRow(ctx, sql, transferID).Scan(
		&r.ID, &r.TransferID, &r.AmountMicros, &r.Currency, &r.Reason, &r.Status,
		&r.RequestedAt, &r.AutoApprovalDeadline, &r.WindowDeadline,
		&r.ProviderRefundID, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrRefundNotFound
		}
		return nil, fmt.Errorf("get refund by transfer: %w", err)
	}
	return &r, nil
}

func (q *sqlQueries) UpdateRefundStatus(ctx context.Context, id uuid.UUID, status string) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE refund_requests SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return 0, fmt.Errorf("update refund status: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *sqlQueries) SetProviderRefundID(ctx context.Context, id uuid.UUID, providerRefundID string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE refund_requests SET provider_refund_id = $2, updated_at = NOW()
		WHERE id = $1 AND provider_refund_id IS NULL`,
		id, providerRefundID)
	if err != nil {
		return 0, fmt.Errorf("set provider refund id: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *sqlQueries) ListRefundsDueAutoApproval(ctx context.Context, now time.Time, limit int32) ([]models.RefundRequest, error) {
	sql := `
		SELECT ` + refundColumns + `
		FROM refund_requests
		WHERE status = 'PENDING_RECIPIENT_APPROVAL' AND auto_approval_deadline <= $1
		ORDER BY auto_approval_deadline ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	rows, err := q.db.Query(ctx, sql, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list refunds due auto approval: %w", err)
	}
	defer rows.Close()

	var out []models.RefundRequest
	for rows.Next() {
		var r models.RefundRequest
		if err := rows.Scan(
			&r.ID, &r.TransferID, &r.AmountMicros, &r.Currency, &r.Reason, &r.Status,
			&r.RequestedAt, &r.AutoApprovalDeadline, &r.WindowDeadline,
			&r.ProviderRefundID, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan refund request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refund requests: %w", err)
	}
	return out, nil
}
