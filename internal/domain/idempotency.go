package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// AttemptAutoTrigger marks payment attempts started by the rate monitor.
const AttemptAutoTrigger = "auto-trigger"

// AttemptUserApproval marks payment attempts started by an explicit approve.
const AttemptUserApproval = "user-approval"

// DeriveIdempotencyKey produces the provider idempotency key for one logical
// payment attempt. The derivation is deterministic so that every scheduler
// instance triggering the same (transfer, reason) attempt lands on the same
// key, and retries of that attempt cannot double-debit.
func DeriveIdempotencyKey(transferID uuid.UUID, attemptReason string) string {
	name := fmt.Sprintf("%s:%s", transferID, attemptReason)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
