package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
)

// MemoryStore is an in-memory Store used by service and worker tests. A
// single mutex serializes transactions, which emulates the row-lock
// discipline the SQL store gets from FOR UPDATE: two concurrent
// transactions over the same transfer are applied one after the other.
// It does not roll back partial writes on error.
type MemoryStore struct {
	mu        sync.Mutex
	transfers map[uuid.UUID]*models.TransferRecord
	refunds   map[uuid.UUID]*models.RefundRequest
	audit     []models.AuditLogEntry
	auditSeq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transfers: make(map[uuid.UUID]*models.TransferRecord),
		refunds:   make(map[uuid.UUID]*models.RefundRequest),
	}
}

func (s *MemoryStore) Queries() Queries {
	return &memQueries{store: s}
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(q Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memQueries{store: s, inTx: true})
}

// AuditEntries returns a snapshot of the full audit trail, oldest first.
func (s *MemoryStore) AuditEntries() []models.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditLogEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

type memQueries struct {
	store *MemoryStore
	inTx  bool
}

func (q *memQueries) locked(fn func() error) error {
	if !q.inTx {
		q.store.mu.Lock()
		defer q.store.mu.Unlock()
	}
	return fn()
}

func cloneTransfer(t *models.TransferRecord) *models.TransferRecord {
	c := *t
	c.TargetRate = cloneRate(t.TargetRate)
	c.RateLockRate = cloneRate(t.RateLockRate)
	c.LastCheckedRate = cloneRate(t.LastCheckedRate)
	c.RateLockIssuedAt = cloneTime(t.RateLockIssuedAt)
	c.RateLockExpiresAt = cloneTime(t.RateLockExpiresAt)
	c.MonitoringStartedAt = cloneTime(t.MonitoringStartedAt)
	c.LastCheckedAt = cloneTime(t.LastCheckedAt)
	c.RateMetAt = cloneTime(t.RateMetAt)
	c.PaymentInitiatedAt = cloneTime(t.PaymentInitiatedAt)
	c.LastPolledAt = cloneTime(t.LastPolledAt)
	c.StuckEscalatedAt = cloneTime(t.StuckEscalatedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	c.ProviderTxnID = cloneString(t.ProviderTxnID)
	c.IdempotencyKey = cloneString(t.IdempotencyKey)
	return &c
}

func cloneRate(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func (q *memQueries) get(id uuid.UUID) (*models.TransferRecord, error) {
	t, ok := q.store.transfers[id]
	if !ok {
		return nil, models.ErrTransferNotFound
	}
	return t, nil
}

func (q *memQueries) CreateTransfer(ctx context.Context, t *models.TransferRecord) error {
	return q.locked(func() error {
		now := time.Now()
		t.CreatedAt = now
		t.UpdatedAt = now
		q.store.transfers[t.ID] = cloneTransfer(t)
		return nil
	})
}

func (q *memQueries) GetTransfer(ctx context.Context, id uuid.UUID) (*models.TransferRecord, error) {
	var out *models.TransferRecord
	err := q.locked(func() error {
		t, err := q.get(id)
		if err != nil {
			return err
		}
		out = cloneTransfer(t)
		return nil
	})
	return out, err
}

func (q *memQueries) GetTransferByProviderTxnID(ctx context.Context, providerTxnID string) (*models.TransferRecord, error) {
	var out *models.TransferRecord
	err := q.locked(func() error {
		for _, t := range q.store.transfers {
			if t.ProviderTxnID != nil && *t.ProviderTxnID == providerTxnID {
				out = cloneTransfer(t)
				return nil
			}
		}
		return models.ErrTransferNotFound
	})
	return out, err
}

func (q *memQueries) GetTransferForUpdate(ctx context.Context, id uuid.UUID) (*models.TransferRecord, error) {
	return q.GetTransfer(ctx, id)
}

func (q *memQueries) UpdateTransferStatus(ctx context.Context, id uuid.UUID, status string) (int64, error) {
	var rows int64
	err := q.locked(func() error {
		t, err := q.get(id)
		if err != nil {
			return nil
		}
		t.Status = status
		t.UpdatedAt = time.Now()
		rows = 1
		return nil
	})
	return rows, err
}

func (q *memQueries) SetQuote(ctx context.Context, id uuid.UUID, rate decimal.Decimal, destinationMicros, feeMicros int64) error {
	return q.locked(func() error {
		t, err := q.get(id)
		if err != nil {
			return err
		}
		t.QuotedRate = rate
		t.DestinationAmountMicros = destinationMicros
		t.FeeMicros = feeMicros
		return nil
	})
}

func (q *memQueries) SetRateLock(ctx context.Context, id uuid.UUID, rate decimal.Decimal, issuedAt, expiresAt time.Time) error {
	return q.locked(func() error {
		t, err := q.get(id)
		if err != nil {
			return err
		}
		t.RateLockRate = &rate
		t.RateLockIssuedAt = &issuedAt
		t.RateLockExpiresAt = &expiresAt
		return nil
	})
}

func (q *memQueries) StartMonitoring(ctx context.Context, id uuid.UUID, target decimal.Decimal, startedAt time.Time) error {
	return q.locked(func() error {
		t, err := q.get(id)
		if err != nil {
			return err
		}
		t.TargetRate = &target
		t.MonitoringStartedAt = &startedAt
		return nil
	})
}

func (q *memQueries) RecordMonitorCheck(ctx context.Context, id uuid.UUID, rate decimal.Decimal, at time.Time) error {
	return q.locked(func() error {
		t, err := q.get(id)
		if err != nil {
			return err
		}
		t.LastCheckedRate = &rate
		t.LastCheckedAt = &at
		return nil
	})
}

func (q *memQueries) SetRateMetAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.setTime(id, at, func(t *models.TransferRecord, v *time.Time) { t.RateMetAt = v })
}

func (q *memQueries) SetIdempotencyKey(ctx context.Context, id uuid.UUID, key string) (int64, error) {
	var rows int64
	err := q.locked(func() error {
		t, err := q.get(id)
		if err != nil {
			return err
		}
		if t.IdempotencyKey != nil {
			return nil
		}
		t.IdempotencyKey = &key
		rows = 1
		return nil
	})
	return rows, err
}

func (q *memQueries) SetProviderTxnID(ctx context.Context, id uuid.UUID, providerTxnID string) (int64, error) {
	var rows int64
	err := q.locked(func() error {
		t, err := q.get(id)
		if err != nil {
			return err
		}
		if t.ProviderTxnID != nil {
			return nil
		}
		t.ProviderTxnID = &providerTxnID
		rows = 1
		return nil
	})
	return rows, err
}

func (q *memQueries) ResetPaymentAttempt(ctx context.Context, id uuid.UUID) error {
	return q.locked(func() error {
		t, err := q.get(id)
		if err != nil {
			return err
		}
		t.IdempotencyKey = nil
		t.RateLockRate = nil
		t.RateLockIssuedAt = nil
		t.RateLockExpiresAt = nil
		t.TargetRate = nil
		t.MonitoringStartedAt = nil
		t.RateMetAt = nil
		return nil
	})
}

func (q *memQueries) setTime(id uuid.UUID, at time.Time, assign func(*models.TransferRecord, *time.Time)) error {
	return q.locked(func() error {
		t, err := q.get(id)
		if err != nil {
			return err
		}
		assign(t, &at)
		return nil
	})
}

func (q *memQueries) SetPaymentInitiatedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.setTime(id, at, func(t *models.TransferRecord, v *time.Time) { t.PaymentInitiatedAt = v })
}

func (q *memQueries) SetStuckEscalatedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.setTime(id, at, func(t *models.TransferRecord, v *time.Time) { t.StuckEscalatedAt = v })
}

func (q *memQueries) SetCompletedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.setTime(id, at, func(t *models.TransferRecord, v *time.Time) { t.CompletedAt = v })
}

func (q *memQueries) SetCancelledAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.setTime(id, at, func(t *models.TransferRecord, v *time.Time) { t.CancelledAt = v })
}

func (q *memQueries) ClaimMonitoringDue(ctx context.Context, staleBefore time.Time, limit int32) ([]models.TransferRecord, error) {
	var out []models.TransferRecord
	err := q.locked(func() error {
		var due []*models.TransferRecord
		for _, t := range q.store.transfers {
			if t.Status != domain.StatusMonitoring || t.TargetRate == nil {
				continue
			}
			if t.LastCheckedAt != nil && !t.LastCheckedAt.Before(staleBefore) {
				continue
			}
			due = append(due, t)
		}
		sort.Slice(due, func(i, j int) bool {
			return monitorSortKey(due[i]).Before(monitorSortKey(due[j]))
		})
		if int32(len(due)) > limit {
			due = due[:limit]
		}
		now := time.Now()
		for _, t := range due {
			t.LastCheckedAt = &now
			out = append(out, *cloneTransfer(t))
		}
		return nil
	})
	return out, err
}

func monitorSortKey(t *models.TransferRecord) time.Time {
	if t.LastCheckedAt != nil {
		return *t.LastCheckedAt
	}
	if t.MonitoringStartedAt != nil {
		return *t.MonitoringStartedAt
	}
	return t.CreatedAt
}

func (q *memQueries) ClaimRateMetStale(ctx context.Context, metBefore time.Time, limit int32) ([]models.TransferRecord, error) {
	var out []models.TransferRecord
	err := q.locked(func() error {
		var stale []*models.TransferRecord
		for _, t := range q.store.transfers {
			if t.Status != domain.StatusRateMet || t.RateMetAt == nil {
				continue
			}
			if !t.RateMetAt.Before(metBefore) {
				continue
			}
			if t.LastCheckedAt != nil && !t.LastCheckedAt.Before(metBefore) {
				continue
			}
			stale = append(stale, t)
		}
		sort.Slice(stale, func(i, j int) bool {
			return stale[i].RateMetAt.Before(*stale[j].RateMetAt)
		})
		if int32(len(stale)) > limit {
			stale = stale[:limit]
		}
		now := time.Now()
		for _, t := range stale {
			t.LastCheckedAt = &now
			out = append(out, *cloneTransfer(t))
		}
		return nil
	})
	return out, err
}

func (q *memQueries) ClaimSettlementDue(ctx context.Context, p ClaimSettlementDueParams) ([]models.TransferRecord, error) {
	var out []models.TransferRecord
	err := q.locked(func() error {
		var due []*models.TransferRecord
		for _, t := range q.store.transfers {
			if t.Status != domain.StatusPaymentInitiated && t.Status != domain.StatusPaymentProcessing {
				continue
			}
			if t.PaymentInitiatedAt == nil {
				continue
			}
			cutoff := p.SlowCutoff
			if t.PaymentInitiatedAt.After(p.FastWindowStart) {
				cutoff = p.FastCutoff
			}
			if t.LastPolledAt != nil && !t.LastPolledAt.Before(cutoff) {
				continue
			}
			due = append(due, t)
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].PaymentInitiatedAt.Before(*due[j].PaymentInitiatedAt)
		})
		if int32(len(due)) > p.Limit {
			due = due[:p.Limit]
		}
		for _, t := range due {
			now := p.Now
			t.LastPolledAt = &now
			out = append(out, *cloneTransfer(t))
		}
		return nil
	})
	return out, err
}

func (q *memQueries) InsertAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	return q.locked(func() error {
		q.store.auditSeq++
		e.ID = q.store.auditSeq
		e.CreatedAt = time.Now()
		q.store.audit = append(q.store.audit, *e)
		return nil
	})
}

func (q *memQueries) ListAuditEntries(ctx context.Context, transferID uuid.UUID) ([]models.AuditLogEntry, error) {
	var out []models.AuditLogEntry
	err := q.locked(func() error {
		for _, e := range q.store.audit {
			if e.TransferID == transferID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (q *memQueries) CreateRefundRequest(ctx context.Context, r *models.RefundRequest) error {
	return q.locked(func() error {
		r.UpdatedAt = time.Now()
		c := *r
		q.store.refunds[r.ID] = &c
		return nil
	})
}

func (q *memQueries) GetRefundByTransfer(ctx context.Context, transferID uuid.UUID) (*models.RefundRequest, error) {
	var out *models.RefundRequest
	err := q.locked(func() error {
		for _, r := range q.store.refunds {
			if r.TransferID == transferID {
				c := *r
				out = &c
				return nil
			}
		}
		return models.ErrRefundNotFound
	})
	return out, err
}

func (q *memQueries) UpdateRefundStatus(ctx context.Context, id uuid.UUID, status string) (int64, error) {
	var rows int64
	err := q.locked(func() error {
		r, ok := q.store.refunds[id]
		if !ok {
			return nil
		}
		r.Status = status
		r.UpdatedAt = time.Now()
		rows = 1
		return nil
	})
	return rows, err
}

func (q *memQueries) SetProviderRefundID(ctx context.Context, id uuid.UUID, providerRefundID string) (int64, error) {
	var rows int64
	err := q.locked(func() error {
		r, ok := q.store.refunds[id]
		if !ok || r.ProviderRefundID != nil {
			return nil
		}
		r.ProviderRefundID = &providerRefundID
		rows = 1
		return nil
	})
	return rows, err
}

func (q *memQueries) ListRefundsDueAutoApproval(ctx context.Context, now time.Time, limit int32) ([]models.RefundRequest, error) {
	var out []models.RefundRequest
	err := q.locked(func() error {
		for _, r := range q.store.refunds {
			if r.Status == domain.RefundStatusPendingRecipientApproval && !r.AutoApprovalDeadline.After(now) {
				out = append(out, *r)
			}
			if int32(len(out)) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
