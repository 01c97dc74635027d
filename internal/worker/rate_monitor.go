package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/remitops/transfer-core/internal/observability"
	"github.com/remitops/transfer-core/internal/service"
)

// RateMonitorWorker owns the cron schedule for the rate-trigger loop and
// the daily refund auto-approval sweep. Multiple instances may run the
// same schedule: the claim queries under each pass use SKIP LOCKED, so
// at-least-once scheduling never double-triggers a transfer.
type RateMonitorWorker struct {
	monitor    *service.MonitorService
	cancels    *service.CancellationService
	cron       *cron.Cron
	spec       string
	refundSpec string
	batchSize  int32
}

func NewRateMonitorWorker(monitor *service.MonitorService, cancels *service.CancellationService) *RateMonitorWorker {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(zap.L()))
	return &RateMonitorWorker{
		monitor:    monitor,
		cancels:    cancels,
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger))),
		spec:       "@every 15m",
		refundSpec: "@daily",
		batchSize:  100,
	}
}

// WithSchedule overrides the monitor pass cron spec.
func (w *RateMonitorWorker) WithSchedule(spec string) *RateMonitorWorker {
	if spec != "" {
		w.spec = spec
	}
	return w
}

// WithBatchSize sets the per-pass claim limit.
func (w *RateMonitorWorker) WithBatchSize(size int32) *RateMonitorWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start registers the jobs and starts the scheduler. Jobs run with a
// detached context; Stop waits for in-flight runs.
func (w *RateMonitorWorker) Start() error {
	if _, err := w.cron.AddFunc(w.spec, w.runMonitorPass); err != nil {
		return err
	}
	if _, err := w.cron.AddFunc(w.refundSpec, w.runRefundSweep); err != nil {
		return err
	}
	w.cron.Start()
	zap.L().Info("rate monitor worker started",
		zap.String("schedule", w.spec),
		zap.String("refund_schedule", w.refundSpec),
		zap.Int32("batch_size", w.batchSize))
	return nil
}

// Stop halts scheduling and returns once running jobs finish.
func (w *RateMonitorWorker) Stop() {
	<-w.cron.Stop().Done()
	zap.L().Info("rate monitor worker stopped")
}

func (w *RateMonitorWorker) runMonitorPass() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	checked, err := w.monitor.RunPass(ctx, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("rate_monitor", "error")
		zap.L().Error("rate monitor pass failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("rate_monitor", "ok")
	if checked > 0 {
		zap.L().Info("rate monitor pass complete", zap.Int("checked", checked))
	}
}

func (w *RateMonitorWorker) runRefundSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	approved, err := w.cancels.AutoApproveDueRefunds(ctx, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("refund_sweep", "error")
		zap.L().Error("refund auto-approval sweep failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("refund_sweep", "ok")
	if approved > 0 {
		zap.L().Info("refund auto-approval sweep complete", zap.Int("approved", approved))
	}
}
