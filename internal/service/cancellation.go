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
	"github.com/remitops/transfer-core/internal/notify"
	"github.com/remitops/transfer-core/internal/repository"
)

// Windows of the refund sub-flow, measured from settlement.
const (
	RefundApprovalWindow = 30 * 24 * time.Hour
	RefundRequestWindow  = 90 * 24 * time.Hour
)

const defaultSpreadFeeBps = 50

// Eligibility actions.
const (
	ActionImmediateCancel = "immediate_cancel"
	ActionProviderCancel  = "provider_cancel"
	ActionRefundRequest   = "refund_request"
	ActionRejected        = "rejected"
)

// EligibilityDecision is the outcome of the cancellation policy for one
// transfer at one instant.
type EligibilityDecision struct {
	Action     string
	FeeMicros  int64
	Reason     string
	NextAction string
}

// CancellationService computes cancellation and refund eligibility and
// applies the permitted action. The policy itself is a pure function of
// the record and the clock, re-derived on every request.
type CancellationService struct {
	store     QueryStore
	payments  *PaymentService
	provider  gateway.Provider
	directory directory.Client
	audit     *AuditService
	sink      notify.Sink
	spreadBps int64
	now       func() time.Time
}

func NewCancellationService(store QueryStore, payments *PaymentService, provider gateway.Provider, dir directory.Client, sink notify.Sink) *CancellationService {
	return &CancellationService{
		store:     store,
		payments:  payments,
		provider:  provider,
		directory: dir,
		audit:     NewAuditService(store),
		sink:      sink,
		spreadBps: defaultSpreadFeeBps,
		now:       time.Now,
	}
}

// Eligibility derives the allowed action from (status, rail, elapsed
// time). Nothing here is stored per transfer; the table is recomputed
// from now() so a decision can never go stale.
func Eligibility(transfer *models.TransferRecord, spreadBps int64, now time.Time) EligibilityDecision {
	switch transfer.Status {
	case domain.StatusDraft, domain.StatusRateQuoted, domain.StatusMonitoring, domain.StatusRateMet, domain.StatusPendingApproval:
		return EligibilityDecision{Action: ActionImmediateCancel}

	case domain.StatusRateLocked:
		fee := domain.NewMoney(transfer.SourceAmountMicros, transfer.SourceCurrency).SpreadFee(spreadBps)
		return EligibilityDecision{Action: ActionImmediateCancel, FeeMicros: fee.Amount}

	case domain.StatusPaymentInitiated:
		window := transfer.PaymentMethod.Policy().ReversalWindow
		if transfer.PaymentInitiatedAt != nil && now.Sub(*transfer.PaymentInitiatedAt) < window {
			return EligibilityDecision{Action: ActionProviderCancel}
		}
		return EligibilityDecision{
			Action:     ActionRejected,
			Reason:     fmt.Sprintf("outside the %s reversal window for %s", window, transfer.PaymentMethod),
			NextAction: "wait for a terminal state, then use the refund flow",
		}

	case domain.StatusPaymentProcessing:
		return EligibilityDecision{
			Action:     ActionRejected,
			Reason:     "settlement is in progress",
			NextAction: "wait for a terminal state, then use the refund flow",
		}

	case domain.StatusCompleted:
		if transfer.CompletedAt != nil && now.Sub(*transfer.CompletedAt) <= RefundRequestWindow {
			return EligibilityDecision{Action: ActionRefundRequest}
		}
		return EligibilityDecision{
			Action:     ActionRejected,
			Reason:     "refund window closed",
			NextAction: "none",
		}

	default:
		return EligibilityDecision{
			Action:     ActionRejected,
			Reason:     fmt.Sprintf("no cancellation path from %s", transfer.Status),
			NextAction: "none",
		}
	}
}

// Cancel applies whatever the eligibility table permits right now. A
// provider already_settled rejection is surfaced as ErrAlreadySettled so
// the caller falls through to the refund flow.
func (s *CancellationService) Cancel(ctx context.Context, transferID uuid.UUID, reason string) (*models.TransferRecord, error) {
	transfer, err := s.store.Queries().GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}

	decision := Eligibility(transfer, s.spreadBps, s.now())
	switch decision.Action {
	case ActionImmediateCancel:
		if err := s.applyCancel(ctx, transferID, domain.ActorUser, reason, decision.FeeMicros); err != nil {
			return nil, err
		}

	case ActionProviderCancel:
		if _, err := s.payments.CancelAtProvider(ctx, transfer); err != nil {
			if errors.Is(err, models.ErrAlreadySettled) {
				return nil, models.ErrAlreadySettled
			}
			return nil, err
		}
		if err := s.applyCancel(ctx, transferID, domain.ActorUser, reason, 0); err != nil {
			return nil, err
		}

	case ActionRefundRequest:
		if _, err := s.RequestRefund(ctx, transferID, reason); err != nil {
			return nil, err
		}

	default:
		return nil, &models.CancellationNotAllowedError{
			Status:     transfer.Status,
			Reason:     decision.Reason,
			NextAction: decision.NextAction,
		}
	}

	return s.store.Queries().GetTransfer(ctx, transferID)
}

func (s *CancellationService) applyCancel(ctx context.Context, transferID uuid.UUID, actor, reason string, feeMicros int64) error {
	metadata, _ := json.Marshal(map[string]any{
		"reason":              reason,
		"fee_retained_micros": feeMicros,
	})
	return s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		if err := transitionTransferState(ctx, qtx, s.audit, transferID, domain.StatusCancelled, actor, "cancelled", metadata); err != nil {
			return err
		}
		return qtx.SetCancelledAt(ctx, transferID, s.now())
	})
}

// RequestRefund opens the refund sub-flow for a settled transfer. The
// recipient has 30 days to approve; past 30 days the request is approved
// automatically; past 90 days from settlement no request is accepted.
// Calling it twice returns the existing request.
func (s *CancellationService) RequestRefund(ctx context.Context, transferID uuid.UUID, reason string) (*models.RefundRequest, error) {
	var refund *models.RefundRequest
	err := s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		transfer, err := qtx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return fmt.Errorf("get transfer for update: %w", err)
		}

		if existing, err := qtx.GetRefundByTransfer(ctx, transferID); err == nil {
			refund = existing
			return nil
		} else if !errors.Is(err, models.ErrRefundNotFound) {
			return err
		}

		if transfer.Status != domain.StatusCompleted || transfer.CompletedAt == nil {
			return &models.InvalidTransitionError{Current: transfer.Status, Attempted: domain.StatusRefundPending}
		}
		settledAt := *transfer.CompletedAt
		if s.now().Sub(settledAt) > RefundRequestWindow {
			return models.ErrRefundWindowClosed
		}

		refund = &models.RefundRequest{
			ID:                   uuid.New(),
			TransferID:           transferID,
			AmountMicros:         transfer.SourceAmountMicros,
			Currency:             transfer.SourceCurrency,
			Reason:               reason,
			Status:               domain.RefundStatusPendingRecipientApproval,
			RequestedAt:          s.now(),
			AutoApprovalDeadline: settledAt.Add(RefundApprovalWindow),
			WindowDeadline:       settledAt.Add(RefundRequestWindow),
		}
		if err := qtx.CreateRefundRequest(ctx, refund); err != nil {
			return fmt.Errorf("create refund request: %w", err)
		}

		metadata, _ := json.Marshal(map[string]string{
			"refund_id": refund.ID.String(),
			"reason":    reason,
		})
		return transitionTransferState(ctx, qtx, s.audit, transferID, domain.StatusRefundPending, domain.ActorUser, "refund_requested", metadata)
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

// ResolveRefund records the recipient's decision on a pending refund.
func (s *CancellationService) ResolveRefund(ctx context.Context, transferID uuid.UUID, approved bool) (*models.RefundRequest, error) {
	if approved {
		return s.approveRefund(ctx, transferID, domain.ActorUser, domain.RefundStatusProcessing)
	}

	var refund *models.RefundRequest
	err := s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		var err error
		refund, err = s.pendingRefund(ctx, qtx, transferID)
		if err != nil {
			return err
		}
		rows, err := qtx.UpdateRefundStatus(ctx, refund.ID, domain.RefundStatusRejected)
		if err != nil {
			return fmt.Errorf("update refund status: %w", err)
		}
		if err := requireExactlyOne(rows, "reject refund"); err != nil {
			return err
		}
		refund.Status = domain.RefundStatusRejected
		return transitionTransferState(ctx, qtx, s.audit, transferID, domain.StatusRefundRejected, domain.ActorUser, "refund_rejected", nil)
	})
	if err != nil {
		return nil, err
	}
	s.publishRefundDecision(ctx, transferID, refund.Status)
	return refund, nil
}

// approveRefund moves a pending refund into processing and asks the
// provider to return the funds.
func (s *CancellationService) approveRefund(ctx context.Context, transferID uuid.UUID, actor, approvedStatus string) (*models.RefundRequest, error) {
	var (
		refund   *models.RefundRequest
		transfer *models.TransferRecord
	)
	err := s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		var err error
		transfer, err = qtx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return fmt.Errorf("get transfer for update: %w", err)
		}
		refund, err = s.pendingRefund(ctx, qtx, transferID)
		if err != nil {
			return err
		}

		rows, err := qtx.UpdateRefundStatus(ctx, refund.ID, approvedStatus)
		if err != nil {
			return fmt.Errorf("update refund status: %w", err)
		}
		if err := requireExactlyOne(rows, "approve refund"); err != nil {
			return err
		}
		refund.Status = approvedStatus

		action := "refund_approved"
		if actor == domain.ActorSystem {
			action = "refund_auto_approved"
		}
		return transitionTransferState(ctx, qtx, s.audit, transferID, domain.StatusRefundProcessing, actor, action, nil)
	})
	if err != nil {
		return nil, err
	}

	if err := s.executeRefund(ctx, transfer, refund); err != nil {
		zap.L().Error("provider refund request failed",
			zap.String("transfer_id", transferID.String()),
			zap.Error(err))
	}
	s.publishRefundDecision(ctx, transferID, refund.Status)
	return refund, nil
}

func (s *CancellationService) pendingRefund(ctx context.Context, qtx repository.Queries, transferID uuid.UUID) (*models.RefundRequest, error) {
	refund, err := qtx.GetRefundByTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if refund.Status != domain.RefundStatusPendingRecipientApproval {
		return nil, fmt.Errorf("refund for transfer %s is %s, not pending approval", transferID, refund.Status)
	}
	return refund, nil
}

// executeRefund asks the provider to move the money back. The refund
// stays in processing until the provider confirms via the refund
// webhook.
func (s *CancellationService) executeRefund(ctx context.Context, transfer *models.TransferRecord, refund *models.RefundRequest) error {
	if transfer.ProviderTxnID == nil {
		return fmt.Errorf("transfer %s has no provider txn id", transfer.ID)
	}
	recipient, err := s.directory.GetVerifiedRecipient(ctx, transfer.RecipientID)
	if err != nil {
		return fmt.Errorf("get recipient: %w", err)
	}

	result, err := s.provider.RequestRefund(ctx, *transfer.ProviderTxnID, refund.AmountMicros, refund.Currency, recipient.ContactInfo)
	if err != nil {
		return fmt.Errorf("provider refund: %w", err)
	}

	return s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		if _, err := qtx.SetProviderRefundID(ctx, refund.ID, result.ProviderRefundID); err != nil {
			return fmt.Errorf("set provider refund id: %w", err)
		}
		if refund.Status != domain.RefundStatusProcessing {
			if _, err := qtx.UpdateRefundStatus(ctx, refund.ID, domain.RefundStatusProcessing); err != nil {
				return fmt.Errorf("update refund status: %w", err)
			}
		}
		metadata, _ := json.Marshal(map[string]string{
			"provider_refund_id": result.ProviderRefundID,
			"provider_status":    result.Status,
		})
		return s.audit.WriteFact(ctx, qtx, transfer.ID, domain.ActorSystem, "refund_submitted", domain.StatusRefundProcessing, metadata)
	})
}

// CompleteRefund lands a provider-confirmed refund. Fed by the refund
// webhook.
func (s *CancellationService) CompleteRefund(ctx context.Context, transferID uuid.UUID) error {
	return s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		refund, err := qtx.GetRefundByTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if refund.Status == domain.RefundStatusCompleted {
			return nil
		}
		rows, err := qtx.UpdateRefundStatus(ctx, refund.ID, domain.RefundStatusCompleted)
		if err != nil {
			return fmt.Errorf("update refund status: %w", err)
		}
		if err := requireExactlyOne(rows, "complete refund"); err != nil {
			return err
		}
		return transitionTransferState(ctx, qtx, s.audit, transferID, domain.StatusRefundCompleted, domain.ActorSystem, "refund_completed", nil)
	})
}

// AutoApproveDueRefunds approves every refund whose 30-day recipient
// window has lapsed. Run by the scheduler; the claim query uses SKIP
// LOCKED so concurrent instances split the batch.
func (s *CancellationService) AutoApproveDueRefunds(ctx context.Context, limit int32) (int, error) {
	due, err := s.store.Queries().ListRefundsDueAutoApproval(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list refunds due auto approval: %w", err)
	}

	approved := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return approved, err
		}
		if _, err := s.approveRefund(ctx, due[i].TransferID, domain.ActorSystem, domain.RefundStatusAutoApproved); err != nil {
			zap.L().Error("refund auto-approval failed",
				zap.String("transfer_id", due[i].TransferID.String()),
				zap.Error(err))
			continue
		}
		approved++
	}
	return approved, nil
}

func (s *CancellationService) publishRefundDecision(ctx context.Context, transferID uuid.UUID, status string) {
	err := s.sink.Publish(ctx, notify.Event{
		TransferID: transferID,
		Kind:       notify.KindRefundDecision,
		Status:     status,
		OccurredAt: s.now(),
	})
	if err != nil {
		zap.L().Warn("refund notification failed", zap.String("transfer_id", transferID.String()), zap.Error(err))
	}
}
