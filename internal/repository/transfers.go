package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
)

// sqlQueries is the Postgres implementation of Queries. It works against a
// pool or an open transaction.
type sqlQueries struct {
	db DBTX
}

const transferColumns = `
	id, owner_id, recipient_id,
	source_amount_micros, source_currency,
	destination_amount_micros, destination_currency,
	quoted_rate::text, fee_micros, target_rate::text, payment_method, status,
	rate_lock_rate::text, rate_lock_issued_at, rate_lock_expires_at,
	monitoring_started_at, last_checked_rate::text, last_checked_at, rate_met_at,
	payment_initiated_at, last_polled_at, stuck_escalated_at,
	provider_txn_id, idempotency_key,
	created_at, updated_at, completed_at, cancelled_at`

func (q *sqlQueries) CreateTransfer(ctx context.Context, t *models.TransferRecord) error {
	sql := `
		INSERT INTO transfers (
			id, owner_id, recipient_id,
			source_amount_micros, source_currency,
			destination_amount_micros, destination_currency,
			quoted_rate, fee_micros, payment_method, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING created_at, updated_at`
	err := q.db.QueryRow(ctx, sql,
		t.ID, t.OwnerID, t.RecipientID,
		t.SourceAmountMicros, t.SourceCurrency,
		t.DestinationAmountMicros, t.DestinationCurrency,
		t.QuotedRate.String(), t.FeeMicros, string(t.PaymentMethod), t.Status,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create transfer: %w", err)
	}
	return nil
}

func (q *sqlQueries) GetTransfer(ctx context.Context, id uuid.UUID) (*models.TransferRecord, error) {
	sql := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	return q.scanTransfer(q.db.QueryRow(ctx, sql, id))
}

func (q *sqlQueries) GetTransferByProviderTxnID(ctx context.Context, providerTxnID string) (*models.TransferRecord, error) {
	sql := `SELECT ` + transferColumns + ` FROM transfers WHERE provider_txn_id = $1`
	return q.scanTransfer(q.db.QueryRow(ctx, sql, providerTxnID))
}

func (q *sqlQueries) GetTransferForUpdate(ctx context.Context, id uuid.UUID) (*models.TransferRecord, error) {
	sql := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1 FOR UPDATE`
	return q.scanTransfer(q.db.QueryRow(ctx, sql, id))
}

func (q *sqlQueries) UpdateTransferStatus(ctx context.Context, id uuid.UUID, status string) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE transfers SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return 0, fmt.Errorf("update transfer status: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *sqlQueries) SetQuote(ctx context.Context, id uuid.UUID, rate decimal.Decimal, destinationMicros, feeMicros int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE transfers
		SET quoted_rate = $2, destination_amount_micros = $3, fee_micros = $4, updated_at = NOW()
		WHERE id = $1`,
		id, rate.String(), destinationMicros, feeMicros)
	if err != nil {
		return fmt.Errorf("set quote: %w", err)
	}
	return nil
}

func (q *sqlQueries) SetRateLock(ctx context.Context, id uuid.UUID, rate decimal.Decimal, issuedAt, expiresAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE transfers
		SET rate_lock_rate = $2, rate_lock_issued_at = $3, rate_lock_expires_at = $4, updated_at = NOW()
		WHERE id = $1`,
		id, rate.String(), issuedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("set rate lock: %w", err)
	}
	return nil
}

func (q *sqlQueries) StartMonitoring(ctx context.Context, id uuid.UUID, target decimal.Decimal, startedAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE transfers
		SET target_rate = $2, monitoring_started_at = $3, updated_at = NOW()
		WHERE id = $1`,
		id, target.String(), startedAt)
	if err != nil {
		return fmt.Errorf("start monitoring: %w", err)
	}
	return nil
}

func (q *sqlQueries) RecordMonitorCheck(ctx context.Context, id uuid.UUID, rate decimal.Decimal, at time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE transfers
		SET last_checked_rate = $2, last_checked_at = $3, updated_at = NOW()
		WHERE id = $1`,
		id, rate.String(), at)
	if err != nil {
		return fmt.Errorf("record monitor check: %w", err)
	}
	return nil
}

func (q *sqlQueries) SetRateMetAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.setTimestamp(ctx, id, "rate_met_at", at)
}

func (q *sqlQueries) SetIdempotencyKey(ctx context.Context, id uuid.UUID, key string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE transfers SET idempotency_key = $2, updated_at = NOW()
		WHERE id = $1 AND idempotency_key IS NULL`,
		id, key)
	if err != nil {
		return 0, fmt.Errorf("set idempotency key: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *sqlQueries) SetProviderTxnID(ctx context.Context, id uuid.UUID, providerTxnID string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE transfers SET provider_txn_id = $2, updated_at = NOW()
		WHERE id = $1 AND provider_txn_id IS NULL`,
		id, providerTxnID)
	if err != nil {
		return 0, fmt.Errorf("set provider txn id: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *sqlQueries) ResetPaymentAttempt(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		UPDATE transfers
		SET idempotency_key = NULL,
		    rate_lock_rate = NULL, rate_lock_issued_at = NULL, rate_lock_expires_at = NULL,
		    target_rate = NULL, monitoring_started_at = NULL, rate_met_at = NULL,
		    updated_at = NOW()
		WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("reset payment attempt: %w", err)
	}
	return nil
}

func (q *sqlQueries) SetPaymentInitiatedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.setTimestamp(ctx, id, "payment_initiated_at", at)
}

func (q *sqlQueries) SetStuckEscalatedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.setTimestamp(ctx, id, "stuck_escalated_at", at)
}

func (q *sqlQueries) SetCompletedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.setTimestamp(ctx, id, "completed_at", at)
}

func (q *sqlQueries) SetCancelledAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.setTimestamp(ctx, id, "cancelled_at", at)
}

func (q *sqlQueries) setTimestamp(ctx context.Context, id uuid.UUID, column string, at time.Time) error {
	sql := fmt.Sprintf(`UPDATE transfers SET %s = $2, updated_at = NOW() WHERE id = $1`, column)
	if _, err := q.db.Exec(ctx, sql, id, at); err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	return nil
}

func (q *sqlQueries) ClaimMonitoringDue(ctx context.Context, staleBefore time.Time, limit int32) ([]models.TransferRecord, error) {
	sql := `
		WITH due AS (
			SELECT id FROM transfers
			WHERE status = 'MONITORING'
			  AND target_rate IS NOT NULL
			  AND (last_checked_at IS NULL OR last_checked_at < $1)
			ORDER BY COALESCE(last_checked_at, monitoring_started_at) ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE transfers t SET last_checked_at = NOW(), updated_at = NOW()
		FROM due WHERE t.id = due.id
		RETURNING ` + transferColumns
	rows, err := q.db.Query(ctx, sql, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("claim monitoring due: %w", err)
	}
	return q.collectTransfers(rows)
}

func (q *sqlQueries) ClaimRateMetStale(ctx context.Context, metBefore time.Time, limit int32) ([]models.TransferRecord, error) {
	sql := `
		WITH stale AS (
			SELECT id FROM transfers
			WHERE status = 'RATE_MET'
			  AND rate_met_at IS NOT NULL
			  AND rate_met_at < $1
			  AND (last_checked_at IS NULL OR last_checked_at < $1)
			ORDER BY rate_met_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE transfers t SET last_checked_at = NOW(), updated_at = NOW()
		FROM stale WHERE t.id = stale.id
		RETURNING ` + transferColumns
	rows, err := q.db.Query(ctx, sql, metBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("claim rate met stale: %w", err)
	}
	return q.collectTransfers(rows)
}

func (q *sqlQueries) ClaimSettlementDue(ctx context.Context, p ClaimSettlementDueParams) ([]models.TransferRecord, error) {
	sql := `
		WITH due AS (
			SELECT id FROM transfers
			WHERE status IN ('PAYMENT_INITIATED', 'PAYMENT_PROCESSING')
			  AND payment_initiated_at IS NOT NULL
			  AND (
			    (payment_initiated_at > $1 AND (last_polled_at IS NULL OR last_polled_at < $2))
			    OR
			    (payment_initiated_at <= $1 AND (last_polled_at IS NULL OR last_polled_at < $3))
			  )
			ORDER BY payment_initiated_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE transfers t SET last_polled_at = $5, updated_at = NOW()
		FROM due WHERE t.id = due.id
		RETURNING ` + transferColumns
	rows, err := q.db.Query(ctx, sql, p.FastWindowStart, p.FastCutoff, p.SlowCutoff, p.Limit, p.Now)
	if err != nil {
		return nil, fmt.Errorf("claim settlement due: %w", err)
	}
	return q.collectTransfers(rows)
}

func (q *sqlQueries) collectTransfers(rows pgx.Rows) ([]models.TransferRecord, error) {
	defer rows.Close()
	var out []models.TransferRecord
	for rows.Next() {
		t, err := q.scanTransferRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

func (q *sqlQueries) scanTransfer(row pgx.Row) (*models.TransferRecord, error) {
	t, err := q.scanTransferRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

func (q *sqlQueries) scanTransferRow(row pgx.Row) (*models.TransferRecord, error) {
	var (
		t                                         models.TransferRecord
		method                                    string
		quotedRate                                *string
		targetRate, rateLockRate, lastCheckedRate *string
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.RecipientID,
		&t.SourceAmountMicros, &t.SourceCurrency,
		&t.DestinationAmountMicros, &t.DestinationCurrency,
		&quotedRate, &t.FeeMicros, &targetRate, &method, &t.Status,
		&rateLockRate, &t.RateLockIssuedAt, &t.RateLockExpiresAt,
		&t.MonitoringStartedAt, &lastCheckedRate, &t.LastCheckedAt, &t.RateMetAt,
		&t.PaymentInitiatedAt, &t.LastPolledAt, &t.StuckEscalatedAt,
		&t.ProviderTxnID, &t.IdempotencyKey,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan transfer: %w", err)
	}
	t.PaymentMethod = domain.PaymentMethod(method)

	if t.QuotedRate, err = parseRate(quotedRate); err != nil {
		return nil, err
	}
	if t.TargetRate, err = parseRatePtr(targetRate); err != nil {
		return nil, err
	}
	if t.RateLockRate, err = parseRatePtr(rateLockRate); err != nil {
		return nil, err
	}
	if t.LastCheckedRate, err = parseRatePtr(lastCheckedRate); err != nil {
		return nil, err
	}
	return &t, nil
}

func parseRate(s *string) (decimal.Decimal, error) {
	if s == nil {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse rate %q: %w", *s, err)
	}
	return d, nil
}

func parseRatePtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parseRate(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
