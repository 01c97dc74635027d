package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
)

var ErrInvalidSignature = errors.New("invalid signature")

// WebhookService ingests signed provider callbacks. Verified payment
// events feed the reconciliation engine over the webhook channel; refund
// confirmations close the refund sub-flow.
type WebhookService struct {
	recon   *ReconciliationService
	cancels *CancellationService
	store   QueryStore
	hmacKey []byte
	skipSig bool
}

func NewWebhookService(store QueryStore, recon *ReconciliationService, cancels *CancellationService, hmacKey string, skipSignature bool) *WebhookService {
	return &WebhookService{
		recon:   recon,
		cancels: cancels,
		store:   store,
		hmacKey: []byte(hmacKey),
		skipSig: skipSignature,
	}
}

// PaymentWebhookPayload is the provider's callback body.
type PaymentWebhookPayload struct {
	Event         string          `json:"event"`
	ProviderTxnID string          `json:"provider_txn_id"`
	Status        string          `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// PaymentWebhookResponse acknowledges a processed callback.
type PaymentWebhookResponse struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Status     string    `json:"status"`
}

// HandlePaymentWebhook verifies the signature and folds the event into
// transfer state. Duplicate signals acknowledge cleanly: the provider
// retries deliveries and must not see an error for a signal that already
// landed.
func (s *WebhookService) HandlePaymentWebhook(ctx context.Context, payload []byte, signature string) (*PaymentWebhookResponse, error) {
	if !s.verifyHMAC(payload, signature) {
		return nil, ErrInvalidSignature
	}

	var event PaymentWebhookPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	event.ProviderTxnID = strings.TrimSpace(event.ProviderTxnID)
	event.Status = strings.ToLower(strings.TrimSpace(event.Status))
	if event.ProviderTxnID == "" {
		return nil, errors.New("provider_txn_id is required")
	}
	if event.Status == "" {
		return nil, errors.New("status is required")
	}

	transfer, err := s.store.Queries().GetTransferByProviderTxnID(ctx, event.ProviderTxnID)
	if err != nil {
		if errors.Is(err, models.ErrTransferNotFound) {
			return nil, fmt.Errorf("no transfer for provider txn %s: %w", event.ProviderTxnID, err)
		}
		return nil, err
	}

	switch event.Event {
	case "", "payment.status":
		if err := s.recon.ApplySettlement(ctx, transfer.ID, event.Status, domain.ChannelWebhook, event.Payload); err != nil {
			return nil, err
		}
	case "refund.completed":
		if err := s.cancels.CompleteRefund(ctx, transfer.ID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown webhook event: %q", event.Event)
	}

	current, err := s.store.Queries().GetTransfer(ctx, transfer.ID)
	if err != nil {
		return nil, err
	}
	return &PaymentWebhookResponse{TransferID: current.ID, Status: current.Status}, nil
}

// verifyHMAC checks the sha256 HMAC over the raw payload.
func (s *WebhookService) verifyHMAC(payload []byte, signature string) bool {
	if s.skipSig {
		return true
	}
	if len(s.hmacKey) == 0 {
		return false
	}

	h := hmac.New(sha256.New, s.hmacKey)
	h.Write(payload)
	expectedSig := "sha256=" + hex.EncodeToString(h.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expectedSig))
}
