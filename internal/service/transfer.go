package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
	"github.com/remitops/transfer-core/internal/rates"
	"github.com/remitops/transfer-core/internal/repository"
)

// TransferService owns the pre-payment half of the lifecycle: creation,
// quoting, rate locking, monitoring entry, and the explicit failed→draft
// retry re-entry.
type TransferService struct {
	store QueryStore
	rates rates.Source
	locks *RateLockManager
	audit *AuditService
}

func NewTransferService(store QueryStore, src rates.Source, locks *RateLockManager) *TransferService {
	return &TransferService{
		store: store,
		rates: src,
		locks: locks,
		audit: NewAuditService(store),
	}
}

// CreateTransferRequest holds the parameters for a new transfer intent.
type CreateTransferRequest struct {
	OwnerID             uuid.UUID
	RecipientID         uuid.UUID
	SourceAmountMicros  int64
	SourceCurrency      string
	DestinationCurrency string
	PaymentMethod       string
	TargetRate          *decimal.Decimal
}

func (r *CreateTransferRequest) Validate() error {
	if r.SourceAmountMicros <= 0 {
		return fmt.Errorf("invalid amount: %d", r.SourceAmountMicros)
	}
	if r.OwnerID == uuid.Nil {
		return errors.New("owner_id is required")
	}
	if r.RecipientID == uuid.Nil {
		return errors.New("recipient_id is required")
	}
	r.SourceCurrency = strings.ToUpper(strings.TrimSpace(r.SourceCurrency))
	r.DestinationCurrency = strings.ToUpper(strings.TrimSpace(r.DestinationCurrency))
	if r.SourceCurrency == "" || r.DestinationCurrency == "" {
		return errors.New("source_currency and destination_currency are required")
	}
	if r.SourceCurrency == r.DestinationCurrency {
		return errors.New("source and destination currency must differ")
	}
	if _, err := domain.ParsePaymentMethod(r.PaymentMethod); err != nil {
		return err
	}
	if r.TargetRate != nil && !r.TargetRate.IsPositive() {
		return errors.New("target_rate must be positive")
	}
	return nil
}

// Create records a new draft transfer and immediately prices it, leaving
// the record in rate_quoted with the quote and fee on file.
func (s *TransferService) Create(ctx context.Context, req CreateTransferRequest) (*models.TransferRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	method, _ := domain.ParsePaymentMethod(req.PaymentMethod)
	transfer := &models.TransferRecord{
		ID:                  uuid.New(),
		OwnerID:             req.OwnerID,
		RecipientID:         req.RecipientID,
		SourceAmountMicros:  req.SourceAmountMicros,
		SourceCurrency:      req.SourceCurrency,
		DestinationCurrency: req.DestinationCurrency,
		PaymentMethod:       method,
		TargetRate:          req.TargetRate,
		Status:              domain.StatusDraft,
	}

	err := s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		if err := qtx.CreateTransfer(ctx, transfer); err != nil {
			return fmt.Errorf("create transfer: %w", err)
		}
		return s.audit.Write(ctx, qtx, transfer.ID, domain.ActorUser, "created", "", domain.StatusDraft, nil)
	})
	if err != nil {
		return nil, err
	}

	return s.Quote(ctx, transfer.ID)
}

// Quote prices a draft transfer against the FX source and transitions it
// to rate_quoted. Re-quoting an expired-lock transfer also comes through
// here after the retry re-entry.
func (s *TransferService) Quote(ctx context.Context, transferID uuid.UUID) (*models.TransferRecord, error) {
	transfer, err := s.store.Queries().GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}

	quote, err := s.rates.GetQuote(ctx, transfer.SourceAmountMicros, transfer.SourceCurrency, transfer.DestinationCurrency)
	if err != nil {
		return nil, fmt.Errorf("get quote: %w", err)
	}

	source := domain.NewMoney(transfer.SourceAmountMicros-quote.FeeMicros, transfer.SourceCurrency)
	destination := source.Convert(transfer.DestinationCurrency, quote.Rate)

	metadata, _ := json.Marshal(map[string]any{
		"rate":       quote.Rate.String(),
		"fee_micros": quote.FeeMicros,
	})

	err = s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		if err := qtx.SetQuote(ctx, transferID, quote.Rate, destination.Amount, quote.FeeMicros); err != nil {
			return fmt.Errorf("set quote: %w", err)
		}
		return transitionTransferState(ctx, qtx, s.audit, transferID, domain.StatusRateQuoted, domain.ActorUser, "quoted", metadata)
	})
	if err != nil {
		return nil, err
	}
	return s.store.Queries().GetTransfer(ctx, transferID)
}

// LockRate issues a rate lock for a quoted transfer.
func (s *TransferService) LockRate(ctx context.Context, transferID uuid.UUID) (*models.RateLock, error) {
	return s.locks.Lock(ctx, transferID)
}

// StartMonitoring moves a locked transfer into the deferred path: the
// rate monitor watches the pair until the target rate is reached.
func (s *TransferService) StartMonitoring(ctx context.Context, transferID uuid.UUID, target decimal.Decimal) (*models.TransferRecord, error) {
	if !target.IsPositive() {
		return nil, errors.New("target_rate must be positive")
	}

	metadata, _ := json.Marshal(map[string]string{"target_rate": target.String()})
	err := s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		transfer, err := qtx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return fmt.Errorf("get transfer for update: %w", err)
		}
		if transfer.Status != domain.StatusRateLocked {
			return &models.InvalidTransitionError{Current: transfer.Status, Attempted: domain.StatusMonitoring}
		}
		if err := qtx.StartMonitoring(ctx, transferID, target, s.locks.now()); err != nil {
			return fmt.Errorf("start monitoring: %w", err)
		}
		return transitionTransferState(ctx, qtx, s.audit, transferID, domain.StatusMonitoring, domain.ActorUser, "monitoring_started", metadata)
	})
	if err != nil {
		return nil, err
	}
	return s.store.Queries().GetTransfer(ctx, transferID)
}

// Retry re-enters a failed transfer at draft. The previous payment
// attempt's rate lock and idempotency key are cleared so the new logical
// attempt quotes and keys afresh; the provider txn id, once set, stays.
func (s *TransferService) Retry(ctx context.Context, transferID uuid.UUID) (*models.TransferRecord, error) {
	err := s.store.RunInTx(ctx, func(qtx repository.Queries) error {
		if err := transitionTransferState(ctx, qtx, s.audit, transferID, domain.StatusDraft, domain.ActorUser, "retry_reentry", nil); err != nil {
			return err
		}
		if err := qtx.ResetPaymentAttempt(ctx, transferID); err != nil {
			return fmt.Errorf("reset payment attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.store.Queries().GetTransfer(ctx, transferID)
}

// Get loads a transfer by id.
func (s *TransferService) Get(ctx context.Context, transferID uuid.UUID) (*models.TransferRecord, error) {
	return s.store.Queries().GetTransfer(ctx, transferID)
}

// AuditTrail returns the transfer's immutable history, oldest first.
func (s *TransferService) AuditTrail(ctx context.Context, transferID uuid.UUID) ([]models.AuditLogEntry, error) {
	if _, err := s.store.Queries().GetTransfer(ctx, transferID); err != nil {
		return nil, err
	}
	return s.audit.List(ctx, transferID)
}
