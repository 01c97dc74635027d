package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a fire-and-forget notification about a transfer. Delivery is
// best-effort: publish failures are logged by callers and never alter
// transfer state.
type Event struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Event kinds published by the orchestration core.
const (
	KindStatusChanged     = "transfer.status_changed"
	KindRateTargetMet     = "transfer.rate_target_met"
	KindMonitoringExpired = "transfer.monitoring_expired"
	KindSettlementStuck   = "transfer.settlement_stuck"
	KindRefundDecision    = "transfer.refund_decision"
)

type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// NopSink discards events. Used when no broker is configured.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }

// RecordingSink captures events for assertions in tests.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *RecordingSink) Publish(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
