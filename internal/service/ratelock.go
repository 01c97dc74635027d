package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
	"github.com/remitops/transfer-core/internal/repository"
)

// RateLockManager issues time-boxed guarantees of a quoted rate.
// Issuance and consumption are separated in time, so every consumer
// re-checks validity at its own act point instead of trusting a check
// made minutes earlier.
type RateLockManager struct {
	store    QueryStore
	audit    *AuditService
	duration time.Duration
	now      func() time.Time
}

func NewRateLockManager(store QueryStore, duration time.Duration) *RateLockManager {
	return &RateLockManager{
		store:    store,
		audit:    NewAuditService(store),
		duration: duration,
		now:      time.Now,
	}
}

// Lock issues a rate lock for a quoted transfer and transitions it to
// rate_locked. The locked rate is the quote on record.
func (m *RateLockManager) Lock(ctx context.Context, transferID uuid.UUID) (*models.RateLock, error) {
	var lock models.RateLock
	err := m.store.RunInTx(ctx, func(qtx repository.Queries) error {
		transfer, err := qtx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return fmt.Errorf("get transfer for update: %w", err)
		}
		if transfer.Status != domain.StatusRateQuoted {
			return &models.InvalidTransitionError{Current: transfer.Status, Attempted: domain.StatusRateLocked}
		}

		issuedAt := m.now()
		lock = models.RateLock{
			Rate:      transfer.QuotedRate,
			IssuedAt:  issuedAt,
			ExpiresAt: issuedAt.Add(m.duration),
		}
		if err := qtx.SetRateLock(ctx, transferID, lock.Rate, lock.IssuedAt, lock.ExpiresAt); err != nil {
			return fmt.Errorf("set rate lock: %w", err)
		}
		return transitionTransferState(ctx, qtx, m.audit, transferID, domain.StatusRateLocked, domain.ActorUser, "rate_locked", lockMetadata(lock))
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// RequireValidLock returns ErrRateLockExpired unless the transfer holds a
// lock that is still honored at the manager's current time. Called at
// every act point that spends the locked rate.
func (m *RateLockManager) RequireValidLock(transfer *models.TransferRecord) error {
	lock := transfer.RateLock()
	if lock == nil || !lock.ValidAt(m.now()) {
		return models.ErrRateLockExpired
	}
	return nil
}

func lockMetadata(lock models.RateLock) []byte {
	return []byte(fmt.Sprintf(`{"rate":%q,"expires_at":%q}`, lock.Rate.String(), lock.ExpiresAt.UTC().Format(time.RFC3339)))
}
