package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remitops/transfer-core/internal/observability"
	"github.com/remitops/transfer-core/internal/service"
)

// SettlementPoller drives the polling fallback of the reconciliation
// engine. The ticker fires frequently; the per-transfer cadence (30s for
// young payments, 30m after) is enforced by the claim query, so a tight
// tick never over-polls.
type SettlementPoller struct {
	svc          *service.SettlementService
	pollInterval time.Duration
	batchSize    int32
	stopCh       chan struct{}
	stopOnce     sync.Once
}

func NewSettlementPoller(svc *service.SettlementService) *SettlementPoller {
	return &SettlementPoller{
		svc:          svc,
		pollInterval: 10 * time.Second,
		batchSize:    50,
		stopCh:       make(chan struct{}),
	}
}

// WithPollInterval sets the tick interval.
func (w *SettlementPoller) WithPollInterval(interval time.Duration) *SettlementPoller {
	if interval > 0 {
		w.pollInterval = interval
	}
	return w
}

// WithBatchSize sets the per-tick claim limit.
func (w *SettlementPoller) WithBatchSize(size int32) *SettlementPoller {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks and polls until Stop is called or the context is
// canceled.
func (w *SettlementPoller) Start(ctx context.Context) {
	zap.L().Info("settlement poller starting",
		zap.Duration("interval", w.pollInterval),
		zap.Int32("batch_size", w.batchSize))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("settlement poller context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("settlement poller stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop signals the poller to stop.
func (w *SettlementPoller) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Run starts the poller in a goroutine and returns its stop function.
func (w *SettlementPoller) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *SettlementPoller) runOnce(ctx context.Context) {
	polled, err := w.svc.RunPass(ctx, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("settlement_poller", "error")
		zap.L().Error("settlement poll pass failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("settlement_poller", "ok")
	if polled > 0 {
		zap.L().Debug("settlement poll pass complete", zap.Int("polled", polled))
	}
}
