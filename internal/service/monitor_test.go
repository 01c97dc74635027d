package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
	"github.com/remitops/transfer-core/internal/notify"
)

// monitoredTransfer parks a locked transfer in MONITORING with the given
// target rate.
func (env *testEnv) monitoredTransfer(t *testing.T, target string) *models.TransferRecord {
	t.Helper()
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	monitored, err := env.transfers.StartMonitoring(context.Background(), transfer.ID, mustDecimal(t, target))
	require.NoError(t, err)
	require.Equal(t, domain.StatusMonitoring, monitored.Status)
	return monitored
}

func TestRunPass_RecordsCheckWhenAboveTarget(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.monitoredTransfer(t, "83.5")
	env.rates.SetRate("USD", "INR", mustDecimal(t, "84.0"))

	n, err := env.monitor.RunPass(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMonitoring, current.Status)
	require.NotNil(t, current.LastCheckedRate)
	assert.True(t, current.LastCheckedRate.Equal(mustDecimal(t, "84.0")))
	assert.Contains(t, env.auditActions(t, transfer.ID), "rate_checked")
	assert.Equal(t, 0, env.provider.InitiateCount())
}

func TestRunPass_TriggersWhenTargetMet(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.monitoredTransfer(t, "83.5")
	env.rates.SetRate("USD", "INR", mustDecimal(t, "84.0"))

	n, err := env.monitor.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The market comes down below the target before the next tick.
	env.rates.SetRate("USD", "INR", mustDecimal(t, "83.4"))
	env.clock.Advance(2 * time.Minute)

	n, err = env.monitor.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentInitiated, current.Status)
	require.NotNil(t, current.RateMetAt)
	assert.Equal(t, 1, env.provider.InitiateCount())

	actions := env.auditActions(t, transfer.ID)
	assert.Contains(t, actions, "rate_target_met")
	assert.Contains(t, actions, "approval_window_opened")
	assert.Contains(t, actions, "payment_initiated")

	kinds := make([]string, 0)
	for _, ev := range env.sink.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, notify.KindRateTargetMet)
}

func TestRunPass_TriggersExactlyAtTarget(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.monitoredTransfer(t, "83.5")
	// StaticSource's default USD→INR rate equals the target.

	n, err := env.monitor.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentInitiated, current.Status)
}

func TestRunPass_AutoTriggerKeyIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.monitoredTransfer(t, "83.5")
	env.rates.SetRate("USD", "INR", mustDecimal(t, "83.2"))

	_, err := env.monitor.RunPass(context.Background(), 10)
	require.NoError(t, err)

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	require.NotNil(t, current.IdempotencyKey)
	assert.Equal(t, domain.DeriveIdempotencyKey(transfer.ID, domain.AttemptAutoTrigger), *current.IdempotencyKey)
}

func TestRunPass_ExpiresStaleMonitoring(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.monitoredTransfer(t, "10.0") // never met

	env.clock.Advance(8 * 24 * time.Hour)

	n, err := env.monitor.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, current.Status)
	assert.Contains(t, env.auditActions(t, transfer.ID), "monitoring_expired")

	kinds := make([]string, 0)
	for _, ev := range env.sink.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, notify.KindMonitoringExpired)
	assert.Equal(t, 0, env.provider.InitiateCount())
}

// strandedRateMet simulates a crash between the rate-met transition and
// the payment hand-off: the transfer sits in RATE_MET with rate_met_at
// stamped but no initiation attempt recorded.
func (env *testEnv) strandedRateMet(t *testing.T) *models.TransferRecord {
	t.Helper()
	transfer := env.monitoredTransfer(t, "83.5")
	env.setStatus(t, transfer.ID, domain.StatusRateMet)
	require.NoError(t, env.store.Queries().SetRateMetAt(context.Background(), transfer.ID, env.clock.Now()))
	return transfer
}

func TestRunPass_RecoversStrandedRateMet(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.strandedRateMet(t)

	// Inside the check window the hand-off may still be in flight; the
	// sweep leaves it alone.
	n, err := env.monitor.RunPass(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.clock.Advance(2 * time.Minute)

	n, err = env.monitor.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentInitiated, current.Status)
	require.NotNil(t, current.IdempotencyKey)
	assert.Equal(t, domain.DeriveIdempotencyKey(transfer.ID, domain.AttemptAutoTrigger), *current.IdempotencyKey)
	assert.Equal(t, 1, env.provider.InitiateCount())

	actions := env.auditActions(t, transfer.ID)
	assert.Contains(t, actions, "approval_window_opened")
	assert.Contains(t, actions, "payment_initiated")
}

func TestRunPass_ParksStrandedRateMetWithExpiredLock(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.strandedRateMet(t)

	env.clock.Advance(6 * time.Minute)

	n, err := env.monitor.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The lock lapsed while the transfer was stranded, so the re-driven
	// initiation refuses it, but the transfer lands in the approval queue
	// instead of sitting in RATE_MET forever.
	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingApproval, current.Status)
	assert.Equal(t, 0, env.provider.InitiateCount())
}

func TestRunPass_FreshlyCheckedIsNotReclaimed(t *testing.T) {
	env := newTestEnv(t)
	env.monitoredTransfer(t, "83.5")
	env.rates.SetRate("USD", "INR", mustDecimal(t, "84.0"))

	n, err := env.monitor.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Second pass inside the same check window claims nothing.
	n, err = env.monitor.RunPass(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
