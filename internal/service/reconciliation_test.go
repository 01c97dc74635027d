package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/notify"
)

func countAction(actions []string, action string) int {
	n := 0
	for _, a := range actions {
		if a == action {
			n++
		}
	}
	return n
}

func TestApplySettlement_SettledFromInitiated(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	initiated, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)

	require.NoError(t, env.recon.ApplySettlement(context.Background(), initiated.ID, domain.ProviderStatusSettled, domain.ChannelWebhook, nil))

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, current.Status)
	require.NotNil(t, current.CompletedAt)

	// A settled signal arriving while the transfer is still in
	// payment_initiated passes through payment_processing on the way.
	actions := env.auditActions(t, transfer.ID)
	assert.Contains(t, actions, "settlement_started")
	assert.Contains(t, actions, "settled")

	events := env.sink.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, notify.KindStatusChanged, last.Kind)
	assert.Equal(t, domain.StatusCompleted, last.Status)
}

func TestApplySettlement_DuplicateAfterTerminalIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.completedTransfer(t, env.verifiedRecipient(t))

	// A late, contradictory signal from the poll channel must not
	// reopen a completed transfer.
	require.NoError(t, env.recon.ApplySettlement(context.Background(), transfer.ID, domain.ProviderStatusFailed, domain.ChannelPoll, nil))

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, current.Status)

	actions := env.auditActions(t, transfer.ID)
	assert.Contains(t, actions, "duplicate_signal_discarded")
	assert.Equal(t, 1, countAction(actions, "settled"))
}

func TestApplySettlement_ConcurrentChannelsSettleOnce(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	_, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, channel := range []string{domain.ChannelWebhook, domain.ChannelPoll} {
		wg.Add(1)
		go func(ch string) {
			defer wg.Done()
			// Whichever channel loses the race reports the duplicate
			// as a clean no-op, not an error.
			err := env.recon.ApplySettlement(context.Background(), transfer.ID, domain.ProviderStatusSettled, ch, nil)
			assert.NoError(t, err)
		}(channel)
	}
	wg.Wait()

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, current.Status)
	assert.Equal(t, 1, countAction(env.auditActions(t, transfer.ID), "settled"))
}

func TestApplySettlement_ProcessingIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	_, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)

	require.NoError(t, env.recon.ApplySettlement(context.Background(), transfer.ID, domain.ProviderStatusProcessing, domain.ChannelPoll, nil))
	require.NoError(t, env.recon.ApplySettlement(context.Background(), transfer.ID, domain.ProviderStatusProcessing, domain.ChannelWebhook, nil))

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentProcessing, current.Status)
	assert.Equal(t, 1, countAction(env.auditActions(t, transfer.ID), "settlement_started"))
}

func TestApplySettlement_FailedAndCancelled(t *testing.T) {
	env := newTestEnv(t)

	failed := env.lockedTransfer(t, env.verifiedRecipient(t))
	_, err := env.payments.Initiate(context.Background(), failed.ID, domain.AttemptUserApproval)
	require.NoError(t, err)
	require.NoError(t, env.recon.ApplySettlement(context.Background(), failed.ID, domain.ProviderStatusFailed, domain.ChannelWebhook, nil))
	current, err := env.transfers.Get(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, current.Status)
	assert.Contains(t, env.auditActions(t, failed.ID), "provider_failed")

	cancelled := env.lockedTransfer(t, env.verifiedRecipient(t))
	_, err = env.payments.Initiate(context.Background(), cancelled.ID, domain.AttemptUserApproval)
	require.NoError(t, err)
	require.NoError(t, env.recon.ApplySettlement(context.Background(), cancelled.ID, domain.ProviderStatusCancelled, domain.ChannelWebhook, nil))
	current, err = env.transfers.Get(context.Background(), cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, current.Status)
	require.NotNil(t, current.CancelledAt)
}

func TestApplySettlement_AcceptedIsANoOp(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	_, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)

	require.NoError(t, env.recon.ApplySettlement(context.Background(), transfer.ID, domain.ProviderStatusAccepted, domain.ChannelPoll, nil))

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentInitiated, current.Status)
}

func TestApplySettlement_RejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	_, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)

	err = env.recon.ApplySettlement(context.Background(), transfer.ID, "exploded", domain.ChannelWebhook, nil)
	require.Error(t, err)

	current, getErr := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusPaymentInitiated, current.Status)
}
