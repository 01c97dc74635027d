package domain

// Transfer lifecycle states. The allowed edges between them live in
// service.transferTransitions; nothing outside the state machine may
// write a status directly.
const (
	StatusDraft             = "DRAFT"
	StatusRateQuoted        = "RATE_QUOTED"
	StatusRateLocked        = "RATE_LOCKED"
	StatusMonitoring        = "MONITORING"
	StatusRateMet           = "RATE_MET"
	StatusPendingApproval   = "PENDING_APPROVAL"
	StatusPaymentInitiated  = "PAYMENT_INITIATED"
	StatusPaymentProcessing = "PAYMENT_PROCESSING"
	StatusCompleted         = "COMPLETED"
	StatusFailed            = "FAILED"
	StatusCancelled         = "CANCELLED"
	StatusRefundPending     = "REFUND_PENDING"
	StatusRefundProcessing  = "REFUND_PROCESSING"
	StatusRefundCompleted   = "REFUND_COMPLETED"
	StatusRefundRejected    = "REFUND_REJECTED"
	StatusExpired           = "EXPIRED"
)

// Refund request states.
const (
	RefundStatusPendingRecipientApproval = "PENDING_RECIPIENT_APPROVAL"
	RefundStatusAutoApproved             = "AUTO_APPROVED"
	RefundStatusProcessing               = "PROCESSING"
	RefundStatusCompleted                = "COMPLETED"
	RefundStatusRejected                 = "REJECTED"
)

// Actors recorded against audit entries.
const (
	ActorUser   = "user"
	ActorSystem = "system"
)

// Settlement signal channels merged by the reconciliation engine.
const (
	ChannelWebhook = "webhook"
	ChannelPoll    = "poll"
	// ChannelProvider marks statuses read synchronously off a provider
	// response, such as the canonical status behind a 409 replay.
	ChannelProvider = "provider"
)

// Provider-side payment statuses as reported by the gateway.
const (
	ProviderStatusAccepted   = "accepted"
	ProviderStatusProcessing = "processing"
	ProviderStatusSettled    = "settled"
	ProviderStatusFailed     = "failed"
	ProviderStatusCancelled  = "cancelled"
)

// IsTerminal reports whether a transfer status accepts no further
// settlement signals.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}
