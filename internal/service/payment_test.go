package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitops/transfer-core/internal/directory"
	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/gateway"
	"github.com/remitops/transfer-core/internal/models"
)

func TestInitiate_ImmediatePathFromLocked(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))

	// Approving a freshly locked transfer runs the whole immediate path:
	// rate_locked opens the approval window and the payment fires.
	initiated, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPaymentInitiated, initiated.Status)
	require.NotNil(t, initiated.IdempotencyKey)
	require.NotNil(t, initiated.ProviderTxnID)
	assert.NotNil(t, initiated.PaymentInitiatedAt)
	assert.Equal(t, 1, env.provider.InitiateCount())

	actions := env.auditActions(t, transfer.ID)
	assert.Contains(t, actions, "approval_window_opened")
	assert.Contains(t, actions, "payment_initiated")
	assert.Contains(t, actions, "provider_acknowledged")
}

func TestInitiate_RejectsUnlockedTransfer(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.quotedTransfer(t, env.verifiedRecipient(t))

	_, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	var invalid *models.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusRateQuoted, invalid.Current)
	assert.Equal(t, 0, env.provider.InitiateCount())
}

func TestInitiate_ReplayFoldsIntoSuccess(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.verifiedRecipient(t)
	transfer := env.lockedTransfer(t, recipient)

	// Simulate a previous auto-trigger attempt whose acknowledgement was
	// lost after the provider executed the debit: the canonical txn
	// already exists under the deterministic key.
	key := domain.DeriveIdempotencyKey(transfer.ID, domain.AttemptAutoTrigger)
	prior, err := env.provider.InitiatePayment(context.Background(), gateway.PaymentRequest{
		TransferID:     transfer.ID,
		SourceAmount:   transfer.SourceAmountMicros,
		SourceCurrency: transfer.SourceCurrency,
	}, key)
	require.NoError(t, err)

	initiated, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptAutoTrigger)
	require.NoError(t, err)

	require.NotNil(t, initiated.ProviderTxnID)
	assert.Equal(t, prior.ProviderTxnID, *initiated.ProviderTxnID, "replay adopts the canonical provider txn")
	assert.Equal(t, 1, env.provider.InitiateCount(), "the replay never re-debits")
	assert.Equal(t, domain.StatusPaymentInitiated, initiated.Status)
}

func TestDeriveIdempotencyKey_Deterministic(t *testing.T) {
	id := uuid.New()
	k1 := domain.DeriveIdempotencyKey(id, domain.AttemptAutoTrigger)
	k2 := domain.DeriveIdempotencyKey(id, domain.AttemptAutoTrigger)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, domain.DeriveIdempotencyKey(uuid.New(), domain.AttemptAutoTrigger))
}

func TestInitiate_TransientFailureRetriesSameKey(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))

	env.provider.PushInitiateError(errTimeout())
	env.provider.PushInitiateError(errTimeout())

	initiated, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentInitiated, initiated.Status)
	assert.Equal(t, 1, env.provider.InitiateCount(), "two transient failures, one executed payment")
}

func TestInitiate_ExhaustedRetriesFailTransfer(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))

	for i := 0; i < 3; i++ {
		env.provider.PushInitiateError(errTimeout())
	}

	_, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.Error(t, err)

	current, getErr := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusFailed, current.Status)
	assert.Equal(t, 0, env.provider.InitiateCount())
	assert.Contains(t, env.auditActions(t, transfer.ID), "initiation_failed")
}

func TestInitiate_NonTransientFailureDoesNotRetry(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))

	env.provider.PushInitiateError(errNonTransient())
	env.provider.PushInitiateError(errNonTransient()) // would feed a second attempt

	_, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.Error(t, err)

	current, getErr := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusFailed, current.Status)
	assert.Equal(t, 0, env.provider.InitiateCount())
}

func TestInitiate_ExpiredVerificationParksTransfer(t *testing.T) {
	env := newTestEnv(t)

	recipientID := uuid.New()
	env.directory.Put(directory.Recipient{
		ID:                    recipientID,
		ContactInfo:           "stale@example.com",
		Verified:              true,
		VerificationExpiresAt: env.clock.Now().Add(-time.Hour),
	})

	transfer := env.lockedTransfer(t, recipientID)
	monitored, err := env.transfers.StartMonitoring(context.Background(), transfer.ID, mustDecimal(t, "83.00"))
	require.NoError(t, err)
	env.setStatus(t, monitored.ID, domain.StatusRateMet)

	_, err = env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptAutoTrigger)
	require.ErrorIs(t, err, models.ErrVerificationExpired)

	current, getErr := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusPendingApproval, current.Status,
		"a rate-met transfer with lapsed verification parks in pending approval, never silently cancels")
	assert.Equal(t, 0, env.provider.InitiateCount())
	assert.Contains(t, env.auditActions(t, transfer.ID), "approval_window_opened")
}

func TestInitiate_UnknownRecipient(t *testing.T) {
	env := newTestEnv(t)
	// Quoting and locking never consult the directory; the lookup only
	// happens at the approval gate.
	transfer := env.lockedTransfer(t, uuid.New())

	_, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.ErrorIs(t, err, directory.ErrRecipientNotFound)
	assert.Equal(t, 0, env.provider.InitiateCount())
}

func TestRecordInitiation_ReversesLateAcknowledgedPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	env.setStatus(t, transfer.ID, domain.StatusPendingApproval)
	env.setStatus(t, transfer.ID, domain.StatusPaymentInitiated)
	require.NoError(t, env.store.Queries().SetPaymentInitiatedAt(ctx, transfer.ID, env.clock.Now()))

	// The provider call is still inside its retry window, so no txn id is
	// recorded yet and the cancel lands locally.
	cancelled, err := env.cancels.Cancel(ctx, transfer.ID, "changed my mind")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.Nil(t, cancelled.ProviderTxnID)

	// A retried call then lands at the provider after all.
	result, err := env.provider.InitiatePayment(ctx, gateway.PaymentRequest{TransferID: transfer.ID}, "late-key")
	require.NoError(t, err)

	require.NoError(t, env.payments.recordInitiation(ctx, transfer.ID, result))

	assert.Contains(t, env.auditActions(t, transfer.ID), "provider_acknowledged_after_cancel")

	// The debit is reversed at the provider and the local state stays
	// cancelled.
	status, err := env.provider.GetStatus(ctx, result.ProviderTxnID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderStatusCancelled, status)

	current, err := env.transfers.Get(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, current.Status)
	require.NotNil(t, current.ProviderTxnID)
	assert.Equal(t, result.ProviderTxnID, *current.ProviderTxnID)
}
