package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePaymentMethod(t *testing.T) {
	m, err := ParsePaymentMethod("push_transfer")
	require.NoError(t, err)
	assert.Equal(t, MethodPushTransfer, m)

	m, err = ParsePaymentMethod("  BATCH_BANK_TRANSFER ")
	require.NoError(t, err)
	assert.Equal(t, MethodBatchBankTransfer, m)

	_, err = ParsePaymentMethod("carrier_pigeon")
	require.Error(t, err)
}

func TestRailPolicies(t *testing.T) {
	assert.Equal(t, 120*time.Second, MethodPushTransfer.Policy().ReversalWindow)
	assert.Equal(t, 2*time.Hour, MethodBatchBankTransfer.Policy().ReversalWindow)
}

func TestUnknownRailFallsBackToBatchPolicy(t *testing.T) {
	p := PaymentMethod("TELEGRAPH").Policy()
	assert.Equal(t, MethodBatchBankTransfer.Policy(), p)
}

func TestDeriveIdempotencyKey(t *testing.T) {
	// Same inputs, same key, across processes and restarts.
	id := uuid.MustParse("5dfe0b50-9f1c-4b6c-9d3f-0a1b2c3d4e5f")
	assert.Equal(t, DeriveIdempotencyKey(id, AttemptAutoTrigger), DeriveIdempotencyKey(id, AttemptAutoTrigger))
	assert.NotEqual(t, DeriveIdempotencyKey(id, AttemptAutoTrigger), DeriveIdempotencyKey(id, AttemptUserApproval))
}
