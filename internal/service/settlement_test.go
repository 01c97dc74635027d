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

// initiatedTransfer runs a transfer through payment initiation and
// returns it with a provider txn attached.
func (env *testEnv) initiatedTransfer(t *testing.T) *models.TransferRecord {
	t.Helper()
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	initiated, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)
	require.NotNil(t, initiated.ProviderTxnID)
	return initiated
}

func TestSettlementRunPass_PollsThroughToCompleted(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.initiatedTransfer(t)

	env.provider.SetStatus(*transfer.ProviderTxnID, domain.ProviderStatusProcessing)
	env.clock.Advance(time.Minute)

	n, err := env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentProcessing, current.Status)

	env.provider.SetStatus(*transfer.ProviderTxnID, domain.ProviderStatusSettled)
	env.clock.Advance(time.Minute)

	n, err = env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	current, err = env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, current.Status)
	require.NotNil(t, current.CompletedAt)

	// Terminal transfers leave the poll set.
	env.clock.Advance(time.Hour)
	n, err = env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSettlementRunPass_RespectsFastCadence(t *testing.T) {
	env := newTestEnv(t)
	env.initiatedTransfer(t)

	env.clock.Advance(time.Minute)
	n, err := env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Polled seconds ago; not due yet.
	env.clock.Advance(10 * time.Second)
	n, err = env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.clock.Advance(30 * time.Second)
	n, err = env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSettlementRunPass_SlowsDownAfterFastWindow(t *testing.T) {
	env := newTestEnv(t)
	env.initiatedTransfer(t)

	// Past the fast window, the 30s cadence no longer applies.
	env.clock.Advance(11 * time.Minute)
	n, err := env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	env.clock.Advance(time.Minute)
	n, err = env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.clock.Advance(30 * time.Minute)
	n, err = env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSettlementRunPass_EscalatesStuckOnce(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.initiatedTransfer(t)

	// The provider never moves past accepted.
	env.clock.Advance(61 * time.Minute)

	n, err := env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	require.NotNil(t, current.StuckEscalatedAt)
	assert.Equal(t, domain.StatusPaymentInitiated, current.Status, "escalation is a signal, not a state change")

	firstStamp := *current.StuckEscalatedAt

	env.clock.Advance(31 * time.Minute)
	n, err = env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	current, err = env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.True(t, current.StuckEscalatedAt.Equal(firstStamp), "the stamp is set once")
	assert.Equal(t, 1, countAction(env.auditActions(t, transfer.ID), "settlement_stuck"))

	stuckEvents := 0
	for _, ev := range env.sink.Events() {
		if ev.Kind == notify.KindSettlementStuck {
			stuckEvents++
		}
	}
	assert.Equal(t, 1, stuckEvents)
}

func TestSettlementRunPass_StuckTransferStillResolves(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.initiatedTransfer(t)

	env.clock.Advance(61 * time.Minute)
	_, err := env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)

	env.provider.SetStatus(*transfer.ProviderTxnID, domain.ProviderStatusSettled)
	env.clock.Advance(31 * time.Minute)

	_, err = env.settlement.RunPass(context.Background(), 10)
	require.NoError(t, err)

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, current.Status)
}
