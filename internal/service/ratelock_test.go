package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
)

func TestLock_IssuesFromQuote(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.quotedTransfer(t, env.verifiedRecipient(t))

	lock, err := env.locks.Lock(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.QuotedRate.String(), lock.Rate.String(), "lock freezes the quote on record")
	assert.Equal(t, env.clock.Now().Add(5*time.Minute), lock.ExpiresAt)

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRateLocked, current.Status)
	require.NotNil(t, current.RateLockExpiresAt)
}

func TestLock_RequiresQuotedState(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))

	_, err := env.locks.Lock(context.Background(), transfer.ID)
	var invalid *models.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusRateLocked, invalid.Current)
}

func TestRequireValidLock_Boundary(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))

	// One second before expiry the lock still holds.
	env.clock.Advance(5*time.Minute - time.Second)
	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	require.NoError(t, env.locks.RequireValidLock(current))

	// At the expiry instant it does not.
	env.clock.Advance(time.Second)
	require.ErrorIs(t, env.locks.RequireValidLock(current), models.ErrRateLockExpired)

	// And one second past, unambiguously not.
	env.clock.Advance(time.Second)
	require.ErrorIs(t, env.locks.RequireValidLock(current), models.ErrRateLockExpired)
}

func TestRequireValidLock_NoLock(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.quotedTransfer(t, env.verifiedRecipient(t))

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	require.ErrorIs(t, env.locks.RequireValidLock(current), models.ErrRateLockExpired)
}

func TestInitiate_RefusesExpiredLock(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))

	env.clock.Advance(6 * time.Minute)
	_, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.ErrorIs(t, err, models.ErrRateLockExpired)

	current, getErr := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusPendingApproval, current.Status, "a refused initiation leaves the transfer waiting")
	assert.Equal(t, 0, env.provider.InitiateCount())
}
