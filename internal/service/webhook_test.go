package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
)

func signPayload(payload []byte) string {
	h := hmac.New(sha256.New, []byte("test-secret"))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func paymentEvent(t *testing.T, providerTxnID, status string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"event":           "payment.status",
		"provider_txn_id": providerTxnID,
		"status":          status,
	})
	require.NoError(t, err)
	return body
}

func TestHandlePaymentWebhook_SettlesTransfer(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	initiated, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)

	body := paymentEvent(t, *initiated.ProviderTxnID, "settled")
	resp, err := env.webhooks.HandlePaymentWebhook(context.Background(), body, signPayload(body))
	require.NoError(t, err)
	assert.Equal(t, transfer.ID, resp.TransferID)
	assert.Equal(t, domain.StatusCompleted, resp.Status)
}

func TestHandlePaymentWebhook_RejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	initiated, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)

	body := paymentEvent(t, *initiated.ProviderTxnID, "settled")
	_, err = env.webhooks.HandlePaymentWebhook(context.Background(), body, "sha256=deadbeef")
	require.ErrorIs(t, err, ErrInvalidSignature)

	current, getErr := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusPaymentInitiated, current.Status)
}

func TestHandlePaymentWebhook_SignatureCoversExactBytes(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	initiated, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)

	body := paymentEvent(t, *initiated.ProviderTxnID, "settled")
	tampered := paymentEvent(t, *initiated.ProviderTxnID, "failed")
	_, err = env.webhooks.HandlePaymentWebhook(context.Background(), tampered, signPayload(body))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestHandlePaymentWebhook_UnknownProviderTxn(t *testing.T) {
	env := newTestEnv(t)

	body := paymentEvent(t, "MOCK-TXN-999999", "settled")
	_, err := env.webhooks.HandlePaymentWebhook(context.Background(), body, signPayload(body))
	require.ErrorIs(t, err, models.ErrTransferNotFound)
}

func TestHandlePaymentWebhook_MissingFields(t *testing.T) {
	env := newTestEnv(t)

	for name, body := range map[string][]byte{
		"no txn id": []byte(`{"event":"payment.status","status":"settled"}`),
		"no status": []byte(`{"event":"payment.status","provider_txn_id":"MOCK-TXN-000001"}`),
		"not json":  []byte(`{{{`),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := env.webhooks.HandlePaymentWebhook(context.Background(), body, signPayload(body))
			require.Error(t, err)
		})
	}
}

func TestHandlePaymentWebhook_UnknownEvent(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	initiated, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{
		"event":           "payment.exploded",
		"provider_txn_id": *initiated.ProviderTxnID,
		"status":          "settled",
	})
	require.NoError(t, err)
	_, err = env.webhooks.HandlePaymentWebhook(context.Background(), body, signPayload(body))
	require.Error(t, err)
}

func TestHandlePaymentWebhook_DuplicateDeliveryAcknowledges(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	initiated, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)

	body := paymentEvent(t, *initiated.ProviderTxnID, "settled")
	sig := signPayload(body)

	_, err = env.webhooks.HandlePaymentWebhook(context.Background(), body, sig)
	require.NoError(t, err)

	// Provider redelivery of the same event must not error; the provider
	// would otherwise keep retrying forever.
	resp, err := env.webhooks.HandlePaymentWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, resp.Status)
	assert.Equal(t, 1, countAction(env.auditActions(t, transfer.ID), "settled"))
}

func TestHandlePaymentWebhook_NormalizesStatusCase(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.lockedTransfer(t, env.verifiedRecipient(t))
	initiated, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)

	body := paymentEvent(t, *initiated.ProviderTxnID, "  SETTLED ")
	resp, err := env.webhooks.HandlePaymentWebhook(context.Background(), body, signPayload(body))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, resp.Status)
}

func TestHandlePaymentWebhook_RefundCompleted(t *testing.T) {
	env := newTestEnv(t)
	transfer := env.completedTransfer(t, env.verifiedRecipient(t))
	_, err := env.cancels.RequestRefund(context.Background(), transfer.ID, "please")
	require.NoError(t, err)
	_, err = env.cancels.ResolveRefund(context.Background(), transfer.ID, true)
	require.NoError(t, err)

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	require.NotNil(t, current.ProviderTxnID)

	body, err := json.Marshal(map[string]string{
		"event":           "refund.completed",
		"provider_txn_id": *current.ProviderTxnID,
		"status":          "settled",
	})
	require.NoError(t, err)

	resp, err := env.webhooks.HandlePaymentWebhook(context.Background(), body, signPayload(body))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefundCompleted, resp.Status)

	refund, err := env.store.Queries().GetRefundByTransfer(context.Background(), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusCompleted, refund.Status)
}
