package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/remitops/transfer-core/internal/directory"
	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/gateway"
	"github.com/remitops/transfer-core/internal/models"
	"github.com/remitops/transfer-core/internal/notify"
	"github.com/remitops/transfer-core/internal/rates"
	"github.com/remitops/transfer-core/internal/repository"
)

// testClock is a controllable time source shared by every service in a
// test environment.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

// The clock starts at wall time because the store stamps claim times
// with time.Now; tests only ever advance it forward.
func newTestClock() *testClock {
	return &testClock{t: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	store     *repository.MemoryStore
	rates     *rates.StaticSource
	directory *directory.StaticClient
	provider  *gateway.MockProvider
	sink      *notify.RecordingSink
	clock     *testClock

	locks      *RateLockManager
	recon      *ReconciliationService
	payments   *PaymentService
	transfers  *TransferService
	cancels    *CancellationService
	monitor    *MonitorService
	settlement *SettlementService
	webhooks   *WebhookService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     repository.NewMemoryStore(),
		rates:     rates.NewStaticSource(),
		directory: directory.NewStaticClient(),
		provider:  gateway.NewMockProvider(),
		sink:      &notify.RecordingSink{},
		clock:     newTestClock(),
	}

	env.locks = NewRateLockManager(env.store, 5*time.Minute)
	env.locks.now = env.clock.Now

	env.recon = NewReconciliationService(env.store, env.sink)
	env.recon.now = env.clock.Now

	env.payments = NewPaymentService(env.store, env.provider, env.directory, env.locks, env.recon)
	env.payments.now = env.clock.Now
	env.payments.sleep = func(context.Context, time.Duration) error { return nil }

	env.transfers = NewTransferService(env.store, env.rates, env.locks)

	env.cancels = NewCancellationService(env.store, env.payments, env.provider, env.directory, env.sink)
	env.cancels.now = env.clock.Now

	env.monitor = NewMonitorService(env.store, env.rates, env.payments, env.sink, time.Minute)
	env.monitor.now = env.clock.Now

	env.settlement = NewSettlementService(env.store, env.provider, env.recon, env.sink)
	env.settlement.now = env.clock.Now

	env.webhooks = NewWebhookService(env.store, env.recon, env.cancels, "test-secret", false)

	return env
}

// verifiedRecipient seeds a recipient whose verification outlives the
// default test window.
func (env *testEnv) verifiedRecipient(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	env.directory.Put(directory.Recipient{
		ID:                    id,
		ContactInfo:           "recipient@example.com",
		Verified:              true,
		VerificationExpiresAt: env.clock.Now().Add(365 * 24 * time.Hour),
	})
	return id
}

// quotedTransfer creates a USD→INR transfer of 500 USD and returns it in
// RATE_QUOTED.
func (env *testEnv) quotedTransfer(t *testing.T, recipientID uuid.UUID) *models.TransferRecord {
	t.Helper()
	transfer, err := env.transfers.Create(context.Background(), CreateTransferRequest{
		OwnerID:             uuid.New(),
		RecipientID:         recipientID,
		SourceAmountMicros:  500_000_000,
		SourceCurrency:      "USD",
		DestinationCurrency: "INR",
		PaymentMethod:       string(domain.MethodPushTransfer),
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusRateQuoted, transfer.Status)
	return transfer
}

// lockedTransfer takes a fresh transfer through quote and lock.
func (env *testEnv) lockedTransfer(t *testing.T, recipientID uuid.UUID) *models.TransferRecord {
	t.Helper()
	transfer := env.quotedTransfer(t, recipientID)
	_, err := env.transfers.LockRate(context.Background(), transfer.ID)
	require.NoError(t, err)
	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRateLocked, current.Status)
	return current
}

// completedTransfer drives a transfer all the way to COMPLETED through
// the immediate approval path and a settled webhook-channel signal.
func (env *testEnv) completedTransfer(t *testing.T, recipientID uuid.UUID) *models.TransferRecord {
	t.Helper()
	transfer := env.lockedTransfer(t, recipientID)

	initiated, err := env.payments.Initiate(context.Background(), transfer.ID, domain.AttemptUserApproval)
	require.NoError(t, err)
	require.NotNil(t, initiated.ProviderTxnID)

	env.provider.SetStatus(*initiated.ProviderTxnID, domain.ProviderStatusSettled)
	require.NoError(t, env.recon.ApplySettlement(context.Background(), transfer.ID, domain.ProviderStatusSettled, domain.ChannelWebhook, nil))

	current, err := env.transfers.Get(context.Background(), transfer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, current.Status)
	return current
}

// setStatus forces a legal transition without going through a service,
// for tests that need a precise starting state.
func (env *testEnv) setStatus(t *testing.T, transferID uuid.UUID, status string) {
	t.Helper()
	audit := NewAuditService(env.store)
	require.NoError(t, applyTransition(context.Background(), env.store, audit, transferID, status, domain.ActorSystem, "test_setup", nil))
}

// auditActions returns the ordered action names recorded for a transfer.
func (env *testEnv) auditActions(t *testing.T, transferID uuid.UUID) []string {
	t.Helper()
	entries, err := env.store.Queries().ListAuditEntries(context.Background(), transferID)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

// errTimeout is a transient provider failure that the initiation loop
// retries under the same idempotency key.
func errTimeout() error {
	return &gateway.ProviderError{StatusCode: 504, Code: "gateway_timeout", Message: "upstream timed out", Transient: true}
}

// errNonTransient is a hard provider rejection that fails the attempt
// without retrying.
func errNonTransient() error {
	return &gateway.ProviderError{StatusCode: 422, Code: "invalid_account", Message: "recipient account closed", Transient: false}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
