package domain

import (
	"fmt"
	"strings"
	"time"
)

// PaymentMethod is the payment rail a transfer settles over. Rail-specific
// timing rules are looked up in railPolicies rather than branched on at
// call sites, which keeps cancellation eligibility a pure function.
type PaymentMethod string

const (
	// MethodPushTransfer is a real-time push rail (UPI-style).
	MethodPushTransfer PaymentMethod = "PUSH_TRANSFER"
	// MethodBatchBankTransfer is a batch bank rail with slow settlement.
	MethodBatchBankTransfer PaymentMethod = "BATCH_BANK_TRANSFER"
)

// RailPolicy holds the timing rules a rail imposes on a transfer.
type RailPolicy struct {
	// ReversalWindow is how long after payment initiation a provider-side
	// cancel may still be attempted.
	ReversalWindow time.Duration
	// SettlementSLA is the expected time to a terminal provider status.
	SettlementSLA time.Duration
}

var railPolicies = map[PaymentMethod]RailPolicy{
	MethodPushTransfer: {
		ReversalWindow: 120 * time.Second,
		SettlementSLA:  5 * time.Minute,
	},
	MethodBatchBankTransfer: {
		ReversalWindow: 2 * time.Hour,
		SettlementSLA:  24 * time.Hour,
	},
}

// Policy returns the timing rules for the rail. Unknown rails fall back to
// the batch policy, the most conservative one.
func (m PaymentMethod) Policy() RailPolicy {
	if p, ok := railPolicies[m]; ok {
		return p
	}
	return railPolicies[MethodBatchBankTransfer]
}

// Valid reports whether the method names a known rail.
func (m PaymentMethod) Valid() bool {
	_, ok := railPolicies[m]
	return ok
}

// ParsePaymentMethod normalizes and validates a rail name.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	m := PaymentMethod(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown payment method: %q", s)
	}
	return m, nil
}
