package service

import (
	"github.com/remitops/transfer-core/internal/repository"
)

// QueryStore is the minimal data access contract required by services.
// Both the pgx-backed store and the in-memory test store satisfy it.
type QueryStore = repository.Store
