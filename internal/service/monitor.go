package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
	"github.com/remitops/transfer-core/internal/notify"
	"github.com/remitops/transfer-core/internal/observability"
	"github.com/remitops/transfer-core/internal/rates"
	"github.com/remitops/transfer-core/internal/repository"
)

const defaultMonitoringExpiry = 7 * 24 * time.Hour

// MonitorService runs one pass of the rate-trigger loop: claim due
// monitored transfers, fetch a fresh rate per transfer, and either fire
// the payment hand-off or record the observation. The claim query bumps
// last_checked_at under SKIP LOCKED, so concurrent scheduler instances
// split the batch and the same transfer is never checked twice in one
// window.
type MonitorService struct {
	store      QueryStore
	rates      rates.Source
	payments   *PaymentService
	audit      *AuditService
	sink       notify.Sink
	checkEvery time.Duration
	expiry     time.Duration
	now        func() time.Time
}

func NewMonitorService(store QueryStore, src rates.Source, payments *PaymentService, sink notify.Sink, checkEvery time.Duration) *MonitorService {
	return &MonitorService{
		store:      store,
		rates:      src,
		payments:   payments,
		audit:      NewAuditService(store),
		sink:       sink,
		checkEvery: checkEvery,
		expiry:     defaultMonitoringExpiry,
		now:        time.Now,
	}
}

// RunPass processes one scheduler tick. Returns how many transfers were
// examined.
func (s *MonitorService) RunPass(ctx context.Context, batchSize int32) (int, error) {
	staleBefore := s.now().Add(-s.checkEvery)
	claimed, err := s.store.Queries().ClaimMonitoringDue(ctx, staleBefore, batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim monitoring due: %w", err)
	}

	for i := range claimed {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		s.checkTransfer(ctx, &claimed[i])
	}

	// A crash between the rate-met transition and the synchronous payment
	// hand-off leaves the transfer parked in rate_met. Re-drive those here:
	// the deterministic auto-trigger key makes the retry collapse onto any
	// initiation that did reach the provider.
	stranded, err := s.store.Queries().ClaimRateMetStale(ctx, staleBefore, batchSize)
	if err != nil {
		return len(claimed), fmt.Errorf("claim rate met stale: %w", err)
	}
	for i := range stranded {
		if err := ctx.Err(); err != nil {
			return len(claimed) + i, err
		}
		s.recoverRateMet(ctx, &stranded[i])
	}
	return len(claimed) + len(stranded), nil
}

func (s *MonitorService) checkTransfer(ctx context.Context, transfer *models.TransferRecord) {
	if transfer.MonitoringStartedAt != nil && s.now().Sub(*transfer.MonitoringStartedAt) > s.expiry {
		s.expire(ctx, transfer)
		return
	}

	current, err := s.rates.GetCurrentRate(ctx, transfer.SourceCurrency, transfer.DestinationCurrency)
	if err != nil {
		observability.IncrementMonitorCheck("error")
		zap.L().Warn("rate fetch failed",
			zap.String("transfer_id", transfer.ID.String()),
			zap.Error(err))
		return
	}

	// Buyer semantics: the target is met when the market rate has come
	// down to (or below) what the user asked for.
	if current.GreaterThan(*transfer.TargetRate) {
		s.recordCheck(ctx, transfer, current)
		observability.IncrementMonitorCheck("checked")
		return
	}

	if err := s.trigger(ctx, transfer, current); err != nil {
		observability.IncrementMonitorCheck("trigger_failed")
		zap.L().Error("rate-met payment hand-off failed",
			zap.String("transfer_id", transfer.ID.String()),
			zap.Error(err))
		return
	}
	observability.IncrementMonitorCheck("triggered")
}

// recordCheck stores the observation as an audit fact without touching
// state.
func (s *MonitorService) recordCheck(ctx context.Context, transfer *models.TransferRecord, current decimal.Decimal) {
	err := s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		if err := qtx.RecordMonitorCheck(ctx, transfer.ID, current, s.now()); err != nil {
			return fmt.Errorf("record monitor check: %w", err)
		}
		metadata, _ := json.Marshal(map[string]string{
			"observed_rate": current.String(),
			"target_rate":   transfer.TargetRate.String(),
		})
		return s.audit.WriteFact(ctx, qtx, transfer.ID, domain.ActorSystem, "rate_checked", domain.StatusMonitoring, metadata)
	})
	if err != nil {
		zap.L().Warn("monitor check write failed",
			zap.String("transfer_id", transfer.ID.String()),
			zap.Error(err))
	}
}

// trigger moves the transfer to rate_met and hands it off synchronously
// to payment initiation with the deterministic auto-trigger key. The
// transition is the dedupe point: a second instance racing on the same
// transfer loses the state check inside the transaction.
func (s *MonitorService) trigger(ctx context.Context, transfer *models.TransferRecord, current decimal.Decimal) error {
	metadata, _ := json.Marshal(map[string]string{
		"observed_rate": current.String(),
		"target_rate":   transfer.TargetRate.String(),
	})
	err := s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		if err := qtx.RecordMonitorCheck(ctx, transfer.ID, current, s.now()); err != nil {
			return fmt.Errorf("record monitor check: %w", err)
		}
		if err := transitionTransferState(ctx, qtx, s.audit, transfer.ID, domain.StatusRateMet, domain.ActorSystem, "rate_target_met", metadata); err != nil {
			return err
		}
		return qtx.SetRateMetAt(ctx, transfer.ID, s.now())
	})
	if err != nil {
		var invalid *models.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Another actor (cancel, concurrent pass) got there first.
			return nil
		}
		return err
	}

	s.publish(ctx, transfer.ID, notify.KindRateTargetMet, domain.StatusRateMet, "observed "+current.String())

	if _, err := s.payments.Initiate(ctx, transfer.ID, domain.AttemptAutoTrigger); err != nil {
		return fmt.Errorf("auto-trigger initiation: %w", err)
	}
	return nil
}

// recoverRateMet re-runs the payment hand-off for a transfer whose
// trigger never finished. An expired lock or lapsed verification parks
// it in pending_approval, which Initiate handles on its own; either way
// the transfer is no longer stuck.
func (s *MonitorService) recoverRateMet(ctx context.Context, transfer *models.TransferRecord) {
	zap.L().Warn("re-driving stranded rate-met transfer",
		zap.String("transfer_id", transfer.ID.String()))
	if _, err := s.payments.Initiate(ctx, transfer.ID, domain.AttemptAutoTrigger); err != nil {
		observability.IncrementMonitorCheck("recovery_failed")
		zap.L().Error("stranded rate-met recovery failed",
			zap.String("transfer_id", transfer.ID.String()),
			zap.Error(err))
		return
	}
	observability.IncrementMonitorCheck("recovered")
}

// expire closes out a transfer monitored past the cutoff. The expiry is
// audited and notified; the user loses no signal.
func (s *MonitorService) expire(ctx context.Context, transfer *models.TransferRecord) {
	metadata, _ := json.Marshal(map[string]string{
		"monitoring_started_at": transfer.MonitoringStartedAt.UTC().Format(time.RFC3339),
	})
	err := applyTransition(ctx, s.store, s.audit, transfer.ID, domain.StatusExpired, domain.ActorSystem, "monitoring_expired", metadata)
	if err != nil {
		zap.L().Error("monitor expiry failed",
			zap.String("transfer_id", transfer.ID.String()),
			zap.Error(err))
		return
	}
	observability.IncrementMonitorCheck("expired")
	s.publish(ctx, transfer.ID, notify.KindMonitoringExpired, domain.StatusExpired, "target not reached within monitoring window")
}

func (s *MonitorService) publish(ctx context.Context, transferID uuid.UUID, kind, status, detail string) {
	err := s.sink.Publish(ctx, notify.Event{
		TransferID: transferID,
		Kind:       kind,
		Status:     status,
		Detail:     detail,
		OccurredAt: s.now(),
	})
	if err != nil {
		zap.L().Warn("monitor notification failed", zap.String("transfer_id", transferID.String()), zap.Error(err))
	}
}
