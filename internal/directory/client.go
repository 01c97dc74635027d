package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrRecipientNotFound = errors.New("recipient not found")

// Recipient is the verification record the external directory holds for a
// payout destination. Verification is time-boxed: a recipient verified in
// the past may no longer be payable today.
type Recipient struct {
	ID                    uuid.UUID
	ContactInfo           string
	Verified              bool
	VerificationExpiresAt time.Time
}

// VerifiedAt reports whether the recipient can receive a payment at t.
func (r *Recipient) VerifiedAt(t time.Time) bool {
	return r.Verified && t.Before(r.VerificationExpiresAt)
}

// Client looks up recipients in the external directory service.
type Client interface {
	GetVerifiedRecipient(ctx context.Context, recipientID uuid.UUID) (*Recipient, error)
}

// StaticClient is an in-process directory for tests and local runs.
type StaticClient struct {
	mu         sync.Mutex
	recipients map[uuid.UUID]Recipient
}

func NewStaticClient() *StaticClient {
	return &StaticClient{recipients: make(map[uuid.UUID]Recipient)}
}

func (c *StaticClient) Put(r Recipient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recipients[r.ID] = r
}

func (c *StaticClient) GetVerifiedRecipient(ctx context.Context, recipientID uuid.UUID) (*Recipient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.recipients[recipientID]
	if !ok {
		return nil, ErrRecipientNotFound
	}
	out := r
	return &out, nil
}
