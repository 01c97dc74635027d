package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// PaymentRequest carries everything the provider needs to move money.
type PaymentRequest struct {
	TransferID          uuid.UUID
	SourceAmount        int64
	SourceCurrency      string
	DestinationAmount   int64
	DestinationCurrency string
	RecipientContact    string
	PaymentMethod       string
}

// PaymentResult is the provider's acknowledgement of an initiation.
type PaymentResult struct {
	ProviderTxnID string
	Status        string
}

// RefundResult is the provider's acknowledgement of a refund request.
type RefundResult struct {
	ProviderRefundID string
	Status           string
}

// Provider is the external payment rail. InitiatePayment must be called
// with an idempotency key so a retried call after a timeout can never
// debit twice; the provider answers a replay with 409 already-processed
// carrying the canonical transaction id.
type Provider interface {
	InitiatePayment(ctx context.Context, req PaymentRequest, idempotencyKey string) (*PaymentResult, error)
	GetStatus(ctx context.Context, providerTxnID string) (string, error)
	Cancel(ctx context.Context, providerTxnID string) (string, error)
	RequestRefund(ctx context.Context, providerTxnID string, amount int64, currency, recipientContact string) (*RefundResult, error)
}

// ProviderError is a classified provider failure. Transient conditions
// (5xx, 429, timeouts) are retryable with the same idempotency key;
// domain rejections (4xx) are not.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
	Transient  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *ProviderError) Retryable() bool { return e.Transient }

// AlreadyProcessedError is the provider's answer to a replayed
// idempotency key: the original request went through and this is its
// canonical outcome. Callers adopt the carried txn id and status instead
// of treating the call as a failure.
type AlreadyProcessedError struct {
	ProviderTxnID string
	Status        string
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("payment already processed as %s (%s)", e.ProviderTxnID, e.Status)
}

// Retryable reports whether err is worth retrying with the same
// idempotency key. Network timeouts count; a 409 replay does not.
func Retryable(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func classifyStatus(statusCode int) bool {
	return statusCode >= 500 || statusCode == 429
}
