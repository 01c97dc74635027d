package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/remitops/transfer-core/internal/models"
	"github.com/remitops/transfer-core/internal/repository"
)

// AuditService writes immutable audit trail entries. One row per
// accepted transition, plus rows for external-interaction facts such as
// provider responses and monitor observations.
type AuditService struct {
	store QueryStore
}

func NewAuditService(store QueryStore) *AuditService {
	return &AuditService{store: store}
}

// Write stores a single immutable audit record.
func (s *AuditService) Write(ctx context.Context, qtx repository.Queries, transferID uuid.UUID, actor, action, prevStatus, nextStatus string, metadata []byte) error {
	entry := &models.AuditLogEntry{
		TransferID:     transferID,
		PreviousStatus: prevStatus,
		NewStatus:      nextStatus,
		TriggeredBy:    actor,
		Action:         action,
		Metadata:       metadata,
	}
	if err := qtx.InsertAuditEntry(ctx, entry); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// WriteFact records an external interaction that did not change state:
// the prev and next status are both the record's current status.
func (s *AuditService) WriteFact(ctx context.Context, qtx repository.Queries, transferID uuid.UUID, actor, action, status string, metadata []byte) error {
	return s.Write(ctx, qtx, transferID, actor, action, status, status, metadata)
}

// List returns the full trail for a transfer, oldest first.
func (s *AuditService) List(ctx context.Context, transferID uuid.UUID) ([]models.AuditLogEntry, error) {
	entries, err := s.store.Queries().ListAuditEntries(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
