package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remitops/transfer-core/internal/directory"
	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/gateway"
	"github.com/remitops/transfer-core/internal/models"
	"github.com/remitops/transfer-core/internal/observability"
	"github.com/remitops/transfer-core/internal/repository"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 500 * time.Millisecond
)

// PaymentService drives the money-moving half of the lifecycle: the
// approval gate, provider initiation with idempotency keys and bounded
// retries, and the best-effort provider cancel.
type PaymentService struct {
	store       QueryStore
	provider    gateway.Provider
	directory   directory.Client
	locks       *RateLockManager
	audit       *AuditService
	recon       *ReconciliationService
	maxAttempts int
	baseBackoff time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewPaymentService(store QueryStore, provider gateway.Provider, dir directory.Client, locks *RateLockManager, recon *ReconciliationService) *PaymentService {
	return &PaymentService{
		store:       store,
		provider:    provider,
		directory:   dir,
		locks:       locks,
		audit:       NewAuditService(store),
		recon:       recon,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initiate executes one logical payment attempt. The attempt reason
// scopes the idempotency key: every retry of the same attempt reuses the
// key, so the provider can never debit twice.
//
// Two entry paths converge here: a user approving a locked transfer
// directly, and the monitor handing off a rate-met one. Both are
// promoted through pending_approval first, and the approval gate (valid
// lock, verified recipient) applies to both.
func (s *PaymentService) Initiate(ctx context.Context, transferID uuid.UUID, attemptReason string) (*models.TransferRecord, error) {
	transfer, err := s.store.Queries().GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}

	actor := domain.ActorUser
	if attemptReason == domain.AttemptAutoTrigger {
		actor = domain.ActorSystem
	}

	// A locked or rate-met transfer opens its approval window before any
	// gate is checked, so a refusal below parks it in pending_approval
	// instead of leaving it looking lockable or monitorable.
	if transfer.Status == domain.StatusRateLocked || transfer.Status == domain.StatusRateMet {
		if err := applyTransition(ctx, s.store, s.audit, transferID, domain.StatusPendingApproval, actor, "approval_window_opened", nil); err != nil {
			return nil, err
		}
	}

	recipient, err := s.directory.GetVerifiedRecipient(ctx, transfer.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	if !recipient.VerifiedAt(s.now()) {
		return nil, models.ErrVerificationExpired
	}

	// Phase one: claim the attempt. The row lock plus the transition to
	// payment_initiated means a second concurrent initiate fails the
	// state check instead of double-calling the provider.
	var idempotencyKey string
	err = s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		locked, err := qtx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return fmt.Errorf("get transfer for update: %w", err)
		}
		if locked.Status != domain.StatusPendingApproval {
			return &models.InvalidTransitionError{Current: locked.Status, Attempted: domain.StatusPaymentInitiated}
		}
		if err := s.locks.RequireValidLock(locked); err != nil {
			return err
		}

		idempotencyKey, err = s.claimIdempotencyKey(ctx, qtx, locked, attemptReason)
		if err != nil {
			return err
		}

		if err := transitionTransferState(ctx, qtx, s.audit, transferID, domain.StatusPaymentInitiated, actor, "payment_initiated", nil); err != nil {
			return err
		}
		return qtx.SetPaymentInitiatedAt(ctx, transferID, s.now())
	})
	if err != nil {
		return nil, err
	}

	// Phase two: call the provider outside any row lock so a stalled
	// provider cannot pin the transfer row for the call's full timeout.
	result, callErr := s.callProvider(ctx, transfer, recipient.ContactInfo, idempotencyKey)
	if callErr != nil {
		return nil, s.failInitiation(ctx, transferID, callErr)
	}

	if err := s.recordInitiation(ctx, transferID, result); err != nil {
		return nil, err
	}
	return s.store.Queries().GetTransfer(ctx, transferID)
}

// claimIdempotencyKey returns the attempt's key, generating and
// persisting it set-once on first use. Auto-triggered attempts derive a
// deterministic key so concurrent monitor instances land on the same one.
func (s *PaymentService) claimIdempotencyKey(ctx context.Context, qtx repository.Queries, transfer *models.TransferRecord, attemptReason string) (string, error) {
	if transfer.IdempotencyKey != nil {
		return *transfer.IdempotencyKey, nil
	}

	key := uuid.New().String()
	if attemptReason == domain.AttemptAutoTrigger {
		key = domain.DeriveIdempotencyKey(transfer.ID, attemptReason)
	}

	rows, err := qtx.SetIdempotencyKey(ctx, transfer.ID, key)
	if err != nil {
		return "", fmt.Errorf("set idempotency key: %w", err)
	}
	if rows == 0 {
		// Lost a race to an earlier attempt; adopt its key.
		current, err := qtx.GetTransfer(ctx, transfer.ID)
		if err != nil {
			return "", err
		}
		if current.IdempotencyKey == nil {
			return "", fmt.Errorf("idempotency key missing after set for transfer %s", transfer.ID)
		}
		return *current.IdempotencyKey, nil
	}
	return key, nil
}

// callProvider issues the initiation with bounded exponential backoff.
// Only transient failures are retried, always with the same key; a 409
// replay is folded into success using the provider's canonical status.
func (s *PaymentService) callProvider(ctx context.Context, transfer *models.TransferRecord, recipientContact, idempotencyKey string) (*gateway.PaymentResult, error) {
	req := gateway.PaymentRequest{
		TransferID:          transfer.ID,
		SourceAmount:        transfer.SourceAmountMicros,
		SourceCurrency:      transfer.SourceCurrency,
		DestinationAmount:   transfer.DestinationAmountMicros,
		DestinationCurrency: transfer.DestinationCurrency,
		RecipientContact:    recipientContact,
		PaymentMethod:       string(transfer.PaymentMethod),
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		result, err := s.provider.InitiatePayment(ctx, req, idempotencyKey)
		if err == nil {
			observability.IncrementProviderCall("initiate", "ok")
			return result, nil
		}

		var already *gateway.AlreadyProcessedError
		if errors.As(err, &already) {
			observability.IncrementProviderCall("initiate", "replayed")
			status := already.Status
			if canonical, statusErr := s.provider.GetStatus(ctx, already.ProviderTxnID); statusErr == nil {
				status = canonical
			}
			return &gateway.PaymentResult{ProviderTxnID: already.ProviderTxnID, Status: status}, nil
		}

		if !gateway.Retryable(err) {
			observability.IncrementProviderCall("initiate", "rejected")
			return nil, err
		}

		observability.IncrementProviderCall("initiate", "retryable")
		lastErr = err
		zap.L().Warn("provider initiation failed, will retry",
			zap.String("transfer_id", transfer.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < s.maxAttempts {
			if sleepErr := s.sleep(ctx, s.baseBackoff<<(attempt-1)); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, fmt.Errorf("provider initiation exhausted %d attempts: %w", s.maxAttempts, lastErr)
}

// failInitiation lands the transfer in failed, marking whether the
// failure was transient so a later failed→draft retry makes sense.
func (s *PaymentService) failInitiation(ctx context.Context, transferID uuid.UUID, callErr error) error {
	metadata, _ := json.Marshal(map[string]any{
		"retryable": gateway.Retryable(callErr) || errors.Is(callErr, context.DeadlineExceeded),
		"error":     callErr.Error(),
	})
	if err := applyTransition(ctx, s.store, s.audit, transferID, domain.StatusFailed, domain.ActorSystem, "initiation_failed", metadata); err != nil {
		return fmt.Errorf("mark transfer failed after %v: %w", callErr, err)
	}
	return fmt.Errorf("payment initiation failed: %w", callErr)
}

// recordInitiation persists the provider's acknowledgement and folds the
// reported status into state. If the transfer was cancelled locally
// while the call was still in its retry window, the acknowledgement
// arrives for a payment nobody wants: record the fact and reverse it at
// the provider instead of folding the status in.
func (s *PaymentService) recordInitiation(ctx context.Context, transferID uuid.UUID, result *gateway.PaymentResult) error {
	var lateCancel bool
	err := s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		current, err := qtx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return fmt.Errorf("get transfer for update: %w", err)
		}
		lateCancel = current.Status == domain.StatusCancelled

		rows, err := qtx.SetProviderTxnID(ctx, transferID, result.ProviderTxnID)
		if err != nil {
			return fmt.Errorf("set provider txn id: %w", err)
		}
		metadata, _ := json.Marshal(map[string]string{
			"provider_txn_id": result.ProviderTxnID,
			"provider_status": result.Status,
		})
		action := "provider_acknowledged"
		switch {
		case lateCancel:
			action = "provider_acknowledged_after_cancel"
		case rows == 0:
			action = "provider_acknowledged_replay"
		}
		return s.audit.WriteFact(ctx, qtx, transferID, domain.ActorSystem, action, current.Status, metadata)
	})
	if err != nil {
		return err
	}

	if lateCancel {
		if _, cancelErr := s.provider.Cancel(ctx, result.ProviderTxnID); cancelErr != nil {
			observability.IncrementProviderCall("cancel", "error")
			zap.L().Warn("reversal of late-acknowledged payment failed",
				zap.String("transfer_id", transferID.String()),
				zap.String("provider_txn_id", result.ProviderTxnID),
				zap.Error(cancelErr))
		} else {
			observability.IncrementProviderCall("cancel", "ok")
		}
		return nil
	}

	if result.Status == domain.ProviderStatusAccepted {
		return nil
	}
	return s.recon.ApplySettlement(ctx, transferID, result.Status, domain.ChannelProvider, nil)
}

// CancelAtProvider attempts a provider-side reversal for an initiated
// payment. An already_settled answer is surfaced as such for the caller
// to map to the refund flow.
func (s *PaymentService) CancelAtProvider(ctx context.Context, transfer *models.TransferRecord) (string, error) {
	if transfer.ProviderTxnID == nil {
		// Initiation never reached the provider; nothing to reverse.
		return domain.ProviderStatusCancelled, nil
	}
	status, err := s.provider.Cancel(ctx, *transfer.ProviderTxnID)
	if err != nil {
		if errors.Is(err, models.ErrAlreadySettled) {
			observability.IncrementProviderCall("cancel", "already_settled")
			return "", err
		}
		observability.IncrementProviderCall("cancel", "error")
		return "", fmt.Errorf("provider cancel: %w", err)
	}
	observability.IncrementProviderCall("cancel", "ok")
	return status, nil
}
