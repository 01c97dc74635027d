package models

import (
	"errors"
	"fmt"
)

var (
	// ErrTransferNotFound means the transfer id resolves to nothing.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrRateLockExpired means an operation required a valid rate lock and
	// the record's lock has lapsed. Remediation: re-quote.
	ErrRateLockExpired = errors.New("rate lock expired")
	// ErrVerificationExpired means the recipient's identity verification has
	// lapsed. Remediation: re-verify before payment.
	ErrVerificationExpired = errors.New("recipient verification expired")
	// ErrAlreadySettled means a provider cancel arrived after settlement.
	// Remediation: use the refund flow.
	ErrAlreadySettled = errors.New("payment already settled")
	// ErrRefundWindowClosed means more than the regulatory window has passed
	// since settlement.
	ErrRefundWindowClosed = errors.New("refund window closed")
	// ErrStateConflict means a concurrent mutation was detected. The state
	// machine retries these internally before surfacing.
	ErrStateConflict = errors.New("concurrent state mutation detected")
	// ErrDuplicateSignal marks a settlement signal for an already-terminal
	// transfer. It is logged, never surfaced as a caller-facing failure.
	ErrDuplicateSignal = errors.New("duplicate settlement signal")
	// ErrRefundNotFound means no refund request exists for the transfer.
	ErrRefundNotFound = errors.New("refund request not found")
)

// InvalidTransitionError reports a transition the state table rejects,
// carrying both states for diagnostics.
type InvalidTransitionError struct {
	Current   string
	Attempted string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transfer state transition: %s -> %s", e.Current, e.Attempted)
}

// CancellationNotAllowedError carries the structured reason a cancellation
// was rejected plus the next action available to the caller.
type CancellationNotAllowedError struct {
	Status     string
	Reason     string
	NextAction string
}

func (e *CancellationNotAllowedError) Error() string {
	return fmt.Sprintf("cancellation not allowed in %s: %s (next: %s)", e.Status, e.Reason, e.NextAction)
}
