package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/gateway"
	"github.com/remitops/transfer-core/internal/models"
	"github.com/remitops/transfer-core/internal/notify"
	"github.com/remitops/transfer-core/internal/observability"
	"github.com/remitops/transfer-core/internal/repository"
)

// Poll cadence: young payments are polled aggressively, older ones
// settle into a slow cycle, and anything in flight past the stuck
// threshold is escalated once.
const (
	defaultFastPollEvery  = 30 * time.Second
	defaultFastPollWindow = 10 * time.Minute
	defaultSlowPollEvery  = 30 * time.Minute
	defaultStuckThreshold = time.Hour
)

// SettlementService is the polling fallback of the reconciliation
// engine. It asks the provider for payment status when no webhook has
// resolved a transfer, feeding the same ApplySettlement path the webhook
// uses.
type SettlementService struct {
	store          QueryStore
	provider       gateway.Provider
	recon          *ReconciliationService
	audit          *AuditService
	sink           notify.Sink
	fastEvery      time.Duration
	fastWindow     time.Duration
	slowEvery      time.Duration
	stuckThreshold time.Duration
	now            func() time.Time
}

func NewSettlementService(store QueryStore, provider gateway.Provider, recon *ReconciliationService, sink notify.Sink) *SettlementService {
	return &SettlementService{
		store:          store,
		provider:       provider,
		recon:          recon,
		audit:          NewAuditService(store),
		sink:           sink,
		fastEvery:      defaultFastPollEvery,
		fastWindow:     defaultFastPollWindow,
		slowEvery:      defaultSlowPollEvery,
		stuckThreshold: defaultStuckThreshold,
		now:            time.Now,
	}
}

// RunPass polls every in-flight payment that is due under the cadence.
// Returns how many transfers were polled.
func (s *SettlementService) RunPass(ctx context.Context, batchSize int32) (int, error) {
	now := s.now()
	claimed, err := s.store.Queries().ClaimSettlementDue(ctx, repository.ClaimSettlementDueParams{
		Now:             now,
		FastWindowStart: now.Add(-s.fastWindow),
		FastCutoff:      now.Add(-s.fastEvery),
		SlowCutoff:      now.Add(-s.slowEvery),
		Limit:           batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("claim settlement due: %w", err)
	}

	for i := range claimed {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		s.pollTransfer(ctx, &claimed[i])
	}
	return len(claimed), nil
}

func (s *SettlementService) pollTransfer(ctx context.Context, transfer *models.TransferRecord) {
	s.escalateIfStuck(ctx, transfer)

	if transfer.ProviderTxnID == nil {
		// Initiation died before the provider acknowledged; nothing to
		// poll. The stuck escalation above is the only signal.
		return
	}

	status, err := s.provider.GetStatus(ctx, *transfer.ProviderTxnID)
	if err != nil {
		observability.IncrementProviderCall("get_status", "error")
		zap.L().Warn("settlement poll failed",
			zap.String("transfer_id", transfer.ID.String()),
			zap.String("provider_txn_id", *transfer.ProviderTxnID),
			zap.Error(err))
		return
	}
	observability.IncrementProviderCall("get_status", "ok")

	if err := s.recon.ApplySettlement(ctx, transfer.ID, status, domain.ChannelPoll, nil); err != nil {
		zap.L().Error("settlement apply failed",
			zap.String("transfer_id", transfer.ID.String()),
			zap.String("provider_status", status),
			zap.Error(err))
	}
}

// escalateIfStuck fires a one-time escalation for a payment in flight
// past the threshold. The set-once stamp keeps repeated passes from
// re-notifying.
func (s *SettlementService) escalateIfStuck(ctx context.Context, transfer *models.TransferRecord) {
	if transfer.StuckEscalatedAt != nil || transfer.PaymentInitiatedAt == nil {
		return
	}
	inFlight := s.now().Sub(*transfer.PaymentInitiatedAt)
	if inFlight < s.stuckThreshold {
		return
	}

	err := s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		current, err := qtx.GetTransferForUpdate(ctx, transfer.ID)
		if err != nil {
			return err
		}
		if current.StuckEscalatedAt != nil {
			return nil
		}
		if err := qtx.SetStuckEscalatedAt(ctx, transfer.ID, s.now()); err != nil {
			return fmt.Errorf("set stuck escalated at: %w", err)
		}
		metadata, _ := json.Marshal(map[string]string{
			"in_flight": inFlight.String(),
		})
		return s.audit.WriteFact(ctx, qtx, transfer.ID, domain.ActorSystem, "settlement_stuck", current.Status, metadata)
	})
	if err != nil {
		zap.L().Error("stuck escalation failed",
			zap.String("transfer_id", transfer.ID.String()),
			zap.Error(err))
		return
	}

	observability.IncrementStuckEscalation()
	if err := s.sink.Publish(ctx, notify.Event{
		TransferID: transfer.ID,
		Kind:       notify.KindSettlementStuck,
		Status:     transfer.Status,
		Detail:     "payment in flight for " + inFlight.Truncate(time.Second).String(),
		OccurredAt: s.now(),
	}); err != nil {
		zap.L().Warn("stuck notification failed", zap.String("transfer_id", transfer.ID.String()), zap.Error(err))
	}
}
