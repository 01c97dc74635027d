package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
	"github.com/remitops/transfer-core/internal/notify"
	"github.com/remitops/transfer-core/internal/observability"
	"github.com/remitops/transfer-core/internal/repository"
)

// ReconciliationService merges settlement signals from the provider
// webhook and the polling fallback into transfer state. Both channels
// feed the same ApplySettlement entry point, which is idempotent: the
// first signal to reach a terminal state wins and every later duplicate
// is a logged no-op.
type ReconciliationService struct {
	store QueryStore
	audit *AuditService
	sink  notify.Sink
	now   func() time.Time
}

func NewReconciliationService(store QueryStore, sink notify.Sink) *ReconciliationService {
	return &ReconciliationService{
		store: store,
		audit: NewAuditService(store),
		sink:  sink,
		now:   time.Now,
	}
}

// ApplySettlement folds one provider-status observation into the
// transfer. The row lock serializes concurrent webhook and poll signals;
// the terminal-state check under that lock makes later duplicates no-ops.
func (s *ReconciliationService) ApplySettlement(ctx context.Context, transferID uuid.UUID, providerStatus, channel string, payload []byte) error {
	var (
		finalStatus string
		duplicate   bool
	)
	err := s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		transfer, err := qtx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return fmt.Errorf("get transfer for update: %w", err)
		}

		if domain.IsTerminal(transfer.Status) {
			duplicate = true
			finalStatus = transfer.Status
			metadata, _ := json.Marshal(map[string]string{
				"channel":         channel,
				"provider_status": providerStatus,
			})
			return s.audit.WriteFact(ctx, qtx, transferID, domain.ActorSystem, "duplicate_signal_discarded", transfer.Status, metadata)
		}

		finalStatus, err = s.applyProviderStatus(ctx, qtx, transfer, providerStatus, channel)
		return err
	})
	if err != nil {
		return err
	}

	if duplicate {
		observability.IncrementSettlementSignal(channel, "duplicate")
		zap.L().Info("duplicate settlement signal discarded",
			zap.String("transfer_id", transferID.String()),
			zap.String("channel", channel),
			zap.String("provider_status", providerStatus))
		return nil
	}

	observability.IncrementSettlementSignal(channel, "applied")
	if domain.IsTerminal(finalStatus) {
		s.publish(ctx, transferID, finalStatus, channel)
	}
	return nil
}

// applyProviderStatus maps one provider status onto state-machine edges.
// Runs inside the caller's transaction, under the transfer's row lock.
func (s *ReconciliationService) applyProviderStatus(ctx context.Context, qtx repository.Queries, transfer *models.TransferRecord, providerStatus, channel string) (string, error) {
	metadata, _ := json.Marshal(map[string]string{
		"channel":         channel,
		"provider_status": providerStatus,
	})

	switch providerStatus {
	case domain.ProviderStatusAccepted:
		// Initiation acknowledged, settlement not yet started.
		return transfer.Status, nil

	case domain.ProviderStatusProcessing:
		if transfer.Status == domain.StatusPaymentProcessing {
			return transfer.Status, nil
		}
		if err := transitionTransferState(ctx, qtx, s.audit, transfer.ID, domain.StatusPaymentProcessing, domain.ActorSystem, "settlement_started", metadata); err != nil {
			return "", err
		}
		return domain.StatusPaymentProcessing, nil

	case domain.ProviderStatusSettled:
		if transfer.Status == domain.StatusPaymentInitiated {
			if err := transitionTransferState(ctx, qtx, s.audit, transfer.ID, domain.StatusPaymentProcessing, domain.ActorSystem, "settlement_started", metadata); err != nil {
				return "", err
			}
		}
		if err := transitionTransferState(ctx, qtx, s.audit, transfer.ID, domain.StatusCompleted, domain.ActorSystem, "settled", metadata); err != nil {
			return "", err
		}
		if err := qtx.SetCompletedAt(ctx, transfer.ID, s.now()); err != nil {
			return "", fmt.Errorf("set completed at: %w", err)
		}
		return domain.StatusCompleted, nil

	case domain.ProviderStatusFailed:
		if err := transitionTransferState(ctx, qtx, s.audit, transfer.ID, domain.StatusFailed, domain.ActorSystem, "provider_failed", metadata); err != nil {
			return "", err
		}
		return domain.StatusFailed, nil

	case domain.ProviderStatusCancelled:
		if err := transitionTransferState(ctx, qtx, s.audit, transfer.ID, domain.StatusCancelled, domain.ActorSystem, "provider_cancelled", metadata); err != nil {
			return "", err
		}
		if err := qtx.SetCancelledAt(ctx, transfer.ID, s.now()); err != nil {
			return "", fmt.Errorf("set cancelled at: %w", err)
		}
		return domain.StatusCancelled, nil

	default:
		return "", fmt.Errorf("unknown provider status: %q", providerStatus)
	}
}

func (s *ReconciliationService) publish(ctx context.Context, transferID uuid.UUID, status, channel string) {
	err := s.sink.Publish(ctx, notify.Event{
		TransferID: transferID,
		Kind:       notify.KindStatusChanged,
		Status:     status,
		Detail:     "resolved via " + channel,
		OccurredAt: s.now(),
	})
	if err != nil {
		zap.L().Warn("settlement notification failed",
			zap.String("transfer_id", transferID.String()),
			zap.Error(err))
	}
}
