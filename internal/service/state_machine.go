package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
	"github.com/remitops/transfer-core/internal/observability"
	"github.com/remitops/transfer-core/internal/repository"
)

// transferTransitions is the only authority on which state edges exist.
// Nothing outside transitionTransferState may write a transfer status.
var transferTransitions = map[string]map[string]struct{}{
	domain.StatusDraft: {
		domain.StatusRateQuoted: {},
		domain.StatusExpired:    {},
	},
	domain.StatusRateQuoted: {
		domain.StatusRateLocked: {},
		domain.StatusCancelled:  {},
		domain.StatusExpired:    {},
	},
	domain.StatusRateLocked: {
		domain.StatusMonitoring:      {},
		domain.StatusPendingApproval: {},
		domain.StatusCancelled:       {},
		domain.StatusExpired:         {},
	},
	domain.StatusMonitoring: {
		domain.StatusRateMet:   {},
		domain.StatusCancelled: {},
		domain.StatusExpired:   {},
	},
	domain.StatusRateMet: {
		domain.StatusPendingApproval: {},
		domain.StatusCancelled:       {},
		domain.StatusExpired:         {},
	},
	domain.StatusPendingApproval: {
		domain.StatusPaymentInitiated: {},
		domain.StatusCancelled:        {},
	},
	domain.StatusPaymentInitiated: {
		domain.StatusPaymentProcessing: {},
		domain.StatusFailed:            {},
		// Best-effort only, inside the rail's reversal window.
		domain.StatusCancelled: {},
	},
	domain.StatusPaymentProcessing: {
		domain.StatusCompleted: {},
		domain.StatusFailed:    {},
	},
	domain.StatusCompleted: {
		domain.StatusRefundPending: {},
	},
	domain.StatusRefundPending: {
		domain.StatusRefundProcessing: {},
		domain.StatusRefundRejected:   {},
	},
	domain.StatusRefundProcessing: {
		domain.StatusRefundCompleted: {},
	},
	domain.StatusFailed: {
		// Explicit retry re-entry.
		domain.StatusDraft: {},
	},
	domain.StatusCancelled:       {},
	domain.StatusRefundCompleted: {},
	domain.StatusRefundRejected:  {},
	domain.StatusExpired:         {},
}

func normalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

func canTransition(current, next string) bool {
	current = normalizeState(current)
	next = normalizeState(next)
	nextStates, ok := transferTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

// transitionTransferState applies one validated edge atomically: load the
// row under FOR UPDATE, check the table, write the new status, append the
// audit entry. Must be called inside a store transaction so two callers
// racing on the same transfer serialize on the row lock and the loser
// re-validates against the state the winner left behind.
func transitionTransferState(ctx context.Context, qtx repository.Queries, audit *AuditService, transferID uuid.UUID, nextState string, actor, action string, metadata []byte) error {
	current, err := qtx.GetTransferForUpdate(ctx, transferID)
	if err != nil {
		return fmt.Errorf("get transfer for update: %w", err)
	}

	if normalizeState(current.Status) == normalizeState(nextState) {
		return nil
	}
	if !canTransition(current.Status, nextState) {
		return &models.InvalidTransitionError{Current: current.Status, Attempted: nextState}
	}

	rows, err := qtx.UpdateTransferStatus(ctx, transferID, nextState)
	if err != nil {
		return fmt.Errorf("update transfer status: %w", err)
	}
	if err := requireExactlyOne(rows, "update transfer status"); err != nil {
		return err
	}

	if err := audit.Write(ctx, qtx, transferID, actor, action, current.Status, nextState, metadata); err != nil {
		return err
	}

	observability.IncrementTransition(current.Status, nextState)
	return nil
}

const applyMaxAttempts = 3

// applyTransition runs a transition in its own transaction, retrying
// serialization conflicts a bounded number of times before surfacing
// ErrStateConflict. Validation failures are never retried.
func applyTransition(ctx context.Context, store QueryStore, audit *AuditService, transferID uuid.UUID, nextState, actor, action string, metadata []byte) error {
	var lastErr error
	for attempt := 0; attempt < applyMaxAttempts; attempt++ {
		err := store.RunInTx(ctx, func(qtx repository.Queries) error {
			return transitionTransferState(ctx, qtx, audit, transferID, nextState, actor, action, metadata)
		})
		if err == nil {
			return nil
		}
		var invalid *models.InvalidTransitionError
		if errors.As(err, &invalid) || errors.Is(err, models.ErrTransferNotFound) {
			return err
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", models.ErrStateConflict, lastErr)
}

// isSerializationFailure matches Postgres serialization and deadlock
// aborts (40001, 40P01) which are safe to replay.
func isSerializationFailure(err error) bool {
	var code interface{ SQLState() string }
	if errors.As(err, &code) {
		s := code.SQLState()
		return s == "40001" || s == "40P01"
	}
	return false
}
