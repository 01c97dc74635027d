package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/remitops/transfer-core/internal/models"
)

// Queries is the data access contract services operate against. The SQL
// store and the in-memory store used in tests both satisfy it.
type Queries interface {
	CreateTransfer(ctx context.Context, t *models.TransferRecord) error
	GetTransfer(ctx context.Context, id uuid.UUID) (*models.TransferRecord, error)
	GetTransferByProviderTxnID(ctx context.Context, providerTxnID string) (*models.TransferRecord, error)
	// GetTransferForUpdate loads the row under a row-level lock held until
	// the surrounding transaction ends.
	GetTransferForUpdate(ctx context.Context, id uuid.UUID) (*models.TransferRecord, error)
	UpdateTransferStatus(ctx context.Context, id uuid.UUID, status string) (int64, error)

	SetQuote(ctx context.Context, id uuid.UUID, rate decimal.Decimal, destinationMicros, feeMicros int64) error
	SetRateLock(ctx context.Context, id uuid.UUID, rate decimal.Decimal, issuedAt, expiresAt time.Time) error
	StartMonitoring(ctx context.Context, id uuid.UUID, target decimal.Decimal, startedAt time.Time) error
	RecordMonitorCheck(ctx context.Context, id uuid.UUID, rate decimal.Decimal, at time.Time) error
	SetRateMetAt(ctx context.Context, id uuid.UUID, at time.Time) error

	// SetIdempotencyKey writes the key only when none is present; a zero row
	// count means an earlier attempt already claimed it.
	SetIdempotencyKey(ctx context.Context, id uuid.UUID, key string) (int64, error)
	// SetProviderTxnID writes the provider reference only when none is
	// present; the id is never overwritten.
	SetProviderTxnID(ctx context.Context, id uuid.UUID, providerTxnID string) (int64, error)
	// ResetPaymentAttempt clears the rate lock and idempotency key when a
	// failed transfer re-enters draft. The provider txn id is kept.
	ResetPaymentAttempt(ctx context.Context, id uuid.UUID) error

	SetPaymentInitiatedAt(ctx context.Context, id uuid.UUID, at time.Time) error
	SetStuckEscalatedAt(ctx context.Context, id uuid.UUID, at time.Time) error
	SetCompletedAt(ctx context.Context, id uuid.UUID, at time.Time) error
	SetCancelledAt(ctx context.Context, id uuid.UUID, at time.Time) error

	// ClaimMonitoringDue selects monitored transfers using SKIP LOCKED and
	// stamps last_checked_at so concurrent scheduler instances never work
	// the same batch.
	ClaimMonitoringDue(ctx context.Context, staleBefore time.Time, limit int32) ([]models.TransferRecord, error)
	// ClaimSettlementDue selects in-flight payments whose poll cadence has
	// elapsed, stamping last_polled_at under SKIP LOCKED.
	ClaimSettlementDue(ctx context.Context, p ClaimSettlementDueParams) ([]models.TransferRecord, error)
	// ClaimRateMetStale selects rate-met transfers whose payment hand-off
	// never completed (a crash between the transition and the initiation),
	// stamping last_checked_at under SKIP LOCKED.
	ClaimRateMetStale(ctx context.Context, metBefore time.Time, limit int32) ([]models.TransferRecord, error)

	InsertAuditEntry(ctx context.Context, e *models.AuditLogEntry) error
	ListAuditEntries(ctx context.Context, transferID uuid.UUID) ([]models.AuditLogEntry, error)

	CreateRefundRequest(ctx context.Context, r *models.RefundRequest) error
	GetRefundByTransfer(ctx context.Context, transferID uuid.UUID) (*models.RefundRequest, error)
	UpdateRefundStatus(ctx context.Context, id uuid.UUID, status string) (int64, error)
	SetProviderRefundID(ctx context.Context, id uuid.UUID, providerRefundID string) (int64, error)
	ListRefundsDueAutoApproval(ctx context.Context, now time.Time, limit int32) ([]models.RefundRequest, error)
}

// ClaimSettlementDueParams bounds the settlement poll claim. Transfers
// initiated after FastWindowStart are polled on the fast cadence, older ones
// on the slow cadence.
type ClaimSettlementDueParams struct {
	Now             time.Time
	FastWindowStart time.Time
	FastCutoff      time.Time
	SlowCutoff      time.Time
	Limit           int32
}

// Store provides query access and transaction scoping.
type Store interface {
	Queries() Queries
	RunInTx(ctx context.Context, fn func(q Queries) error) error
}

// DBTX is the subset of pgx shared by a pool and a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SQLStore is the Postgres-backed Store.
type SQLStore struct {
	db      *pgxpool.Pool
	queries *sqlQueries
}

// NewStore creates a store wrapper around a pgx connection pool.
func NewStore(db *pgxpool.Pool) *SQLStore {
	return &SQLStore{
		db:      db,
		queries: &sqlQueries{db: db},
	}
}

// Queries returns the non-transactional query set.
func (s *SQLStore) Queries() Queries {
	return s.queries
}

// RunInTx executes fn within a database transaction.
func (s *SQLStore) RunInTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&sqlQueries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
