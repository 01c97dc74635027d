package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/remitops/transfer-core/internal/domain"
)

// TransferRecord is one cross-border transfer. It is the source of truth for
// orchestration state and is mutated exclusively through state-machine
// validated transitions.
type TransferRecord struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	RecipientID uuid.UUID `json:"recipient_id"`

	SourceAmountMicros      int64                `json:"source_amount_micros"`
	SourceCurrency          string               `json:"source_currency"`
	DestinationAmountMicros int64                `json:"destination_amount_micros"`
	DestinationCurrency     string               `json:"destination_currency"`
	QuotedRate              decimal.Decimal      `json:"quoted_rate"`
	FeeMicros               int64                `json:"fee_micros"`
	TargetRate              *decimal.Decimal     `json:"target_rate,omitempty"`
	PaymentMethod           domain.PaymentMethod `json:"payment_method"`

	Status string `json:"status"`

	RateLockRate      *decimal.Decimal `json:"rate_lock_rate,omitempty"`
	RateLockIssuedAt  *time.Time       `json:"rate_lock_issued_at,omitempty"`
	RateLockExpiresAt *time.Time       `json:"rate_lock_expires_at,omitempty"`

	MonitoringStartedAt *time.Time       `json:"monitoring_started_at,omitempty"`
	LastCheckedRate     *decimal.Decimal `json:"last_checked_rate,omitempty"`
	LastCheckedAt       *time.Time       `json:"last_checked_at,omitempty"`
	RateMetAt           *time.Time       `json:"rate_met_at,omitempty"`

	PaymentInitiatedAt *time.Time `json:"payment_initiated_at,omitempty"`
	LastPolledAt       *time.Time `json:"last_polled_at,omitempty"`
	StuckEscalatedAt   *time.Time `json:"stuck_escalated_at,omitempty"`

	// ProviderTxnID is set at most once and never overwritten.
	ProviderTxnID *string `json:"provider_txn_id,omitempty"`
	// IdempotencyKey is generated once per logical payment attempt and is
	// immutable for the life of that attempt.
	IdempotencyKey *string `json:"idempotency_key,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// RateLock returns the record's rate lock, or nil when none was issued.
func (t *TransferRecord) RateLock() *RateLock {
	if t.RateLockRate == nil || t.RateLockIssuedAt == nil || t.RateLockExpiresAt == nil {
		return nil
	}
	return &RateLock{
		Rate:      *t.RateLockRate,
		IssuedAt:  *t.RateLockIssuedAt,
		ExpiresAt: *t.RateLockExpiresAt,
	}
}

// RateLock is a time-boxed guarantee of a quoted FX rate.
type RateLock struct {
	Rate      decimal.Decimal `json:"rate"`
	IssuedAt  time.Time       `json:"issued_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// ValidAt reports whether the lock is still honored at t. Expiry is checked
// lazily at the point of use, never via a timer.
func (l RateLock) ValidAt(t time.Time) bool {
	return t.Before(l.ExpiresAt)
}

// AuditLogEntry is an immutable fact about a TransferRecord. Entries are
// never updated or deleted; exactly one is written per accepted transition.
type AuditLogEntry struct {
	ID             int64     `json:"id"`
	TransferID     uuid.UUID `json:"transfer_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	TriggeredBy    string    `json:"triggered_by"`
	Action         string    `json:"action"`
	Metadata       []byte    `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RefundRequest is the sub-entity created only from a settled transfer.
type RefundRequest struct {
	ID                   uuid.UUID `json:"id"`
	TransferID           uuid.UUID `json:"transfer_id"`
	AmountMicros         int64     `json:"amount_micros"`
	Currency             string    `json:"currency"`
	Reason               string    `json:"reason"`
	Status               string    `json:"status"`
	RequestedAt          time.Time `json:"requested_at"`
	AutoApprovalDeadline time.Time `json:"auto_approval_deadline"`
	WindowDeadline       time.Time `json:"window_deadline"`
	ProviderRefundID     *string   `json:"provider_refund_id,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}
