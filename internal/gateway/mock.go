package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
)

type mockPayment struct {
	txnID  string
	status string
	req    PaymentRequest
}

// MockProvider simulates the payment provider with real idempotency
// semantics: the first initiate for a key executes, every replay of the
// same key answers already-processed with the canonical txn id. Tests
// script failures with PushInitiateError and move payments through their
// lifecycle with SetStatus.
type MockProvider struct {
	mu           sync.Mutex
	byKey        map[string]*mockPayment
	byTxn        map[string]*mockPayment
	seq          int
	initiateErrs []error
	refundSeq    int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		byKey: make(map[string]*mockPayment),
		byTxn: make(map[string]*mockPayment),
	}
}

// PushInitiateError queues an error returned by the next InitiatePayment
// call before any state is recorded, simulating a network timeout or a
// provider outage. Queued errors are consumed in order.
func (m *MockProvider) PushInitiateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initiateErrs = append(m.initiateErrs, err)
}

// SetStatus moves an accepted payment through its provider-side
// lifecycle.
func (m *MockProvider) SetStatus(providerTxnID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byTxn[providerTxnID]; ok {
		p.status = status
	}
}

// InitiateCount reports how many distinct payments were actually
// executed, replays excluded.
func (m *MockProvider) InitiateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byTxn)
}

func (m *MockProvider) InitiatePayment(ctx context.Context, req PaymentRequest, idempotencyKey string) (*PaymentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.initiateErrs) > 0 {
		err := m.initiateErrs[0]
		m.initiateErrs = m.initiateErrs[1:]
		return nil, err
	}

	if p, ok := m.byKey[idempotencyKey]; ok {
		return nil, &AlreadyProcessedError{ProviderTxnID: p.txnID, Status: p.status}
	}

	m.seq++
	p := &mockPayment{
		txnID:  fmt.Sprintf("MOCK-TXN-%06d", m.seq),
		status: domain.ProviderStatusAccepted,
		req:    req,
	}
	m.byKey[idempotencyKey] = p
	m.byTxn[p.txnID] = p
	return &PaymentResult{ProviderTxnID: p.txnID, Status: p.status}, nil
}

func (m *MockProvider) GetStatus(ctx context.Context, providerTxnID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byTxn[providerTxnID]
	if !ok {
		return "", &ProviderError{StatusCode: 404, Code: "not_found", Message: "unknown transaction " + providerTxnID}
	}
	return p.status, nil
}

func (m *MockProvider) Cancel(ctx context.Context, providerTxnID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byTxn[providerTxnID]
	if !ok {
		return "", &ProviderError{StatusCode: 404, Code: "not_found", Message: "unknown transaction " + providerTxnID}
	}
	if p.status == domain.ProviderStatusSettled {
		return "", models.ErrAlreadySettled
	}
	p.status = domain.ProviderStatusCancelled
	return p.status, nil
}

func (m *MockProvider) RequestRefund(ctx context.Context, providerTxnID string, amount int64, currency, recipientContact string) (*RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byTxn[providerTxnID]; !ok {
		return nil, &ProviderError{StatusCode: 404, Code: "not_found", Message: "unknown transaction " + providerTxnID}
	}
	m.refundSeq++
	return &RefundResult{
		ProviderRefundID: fmt.Sprintf("MOCK-RFD-%06d", m.refundSeq),
		Status:           domain.ProviderStatusProcessing,
	}, nil
}
