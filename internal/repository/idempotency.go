package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyRow is a stored HTTP idempotency record.
type IdempotencyRow struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
	InProgress     bool
}

// KeyQueries provides access to the HTTP idempotency key table. It is kept
// separate from the transfer Queries because it is owned by the API layer,
// not the orchestration services.
type KeyQueries struct {
	db *pgxpool.Pool
}

func NewKeyQueries(db *pgxpool.Pool) *KeyQueries {
	return &KeyQueries{db: db}
}

func (q *KeyQueries) GetIdempotencyKey(ctx context.Context, key string) (IdempotencyRow, error) {
	var row IdempotencyRow
	err := q.db.QueryRow(ctx, `
		SELECT idempotency_key, request_hash, method, path,
		       COALESCE(response_status, 0), COALESCE(response_body, ''::bytea),
		       COALESCE(content_type, ''), in_progress
		FROM http_idempotency_keys
		WHERE idempotency_key = $1`,
		key).Scan(
		&row.IdempotencyKey, &row.RequestHash, &row.Method, &row.Path,
		&row.ResponseStatus, &row.ResponseBody, &row.ContentType, &row.InProgress,
	)
	return row, err
}

// ReserveIdempotencyKey claims a key for an in-flight request. The insert
// does nothing when the key already exists; pgx.ErrNoRows signals a lost
// race to the caller.
func (q *KeyQueries) ReserveIdempotencyKey(ctx context.Context, key, requestHash, method, path string) (IdempotencyRow, error) {
	var row IdempotencyRow
	err := q.db.QueryRow(ctx, `
		INSERT INTO http_idempotency_keys (idempotency_key, request_hash, method, path, in_progress, created_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING idempotency_key, request_hash, method, path, 0, ''::bytea, '', in_progress`,
		key, requestHash, method, path).Scan(
		&row.IdempotencyKey, &row.RequestHash, &row.Method, &row.Path,
		&row.ResponseStatus, &row.ResponseBody, &row.ContentType, &row.InProgress,
	)
	return row, err
}

func (q *KeyQueries) FinalizeIdempotencyKey(ctx context.Context, key, requestHash string, status int32, body []byte, contentType string) (IdempotencyRow, error) {
	var row IdempotencyRow
	err := q.db.QueryRow(ctx, `
		UPDATE http_idempotency_keys
		SET response_status = $3, response_body = $4, content_type = $5, in_progress = FALSE
		WHERE idempotency_key = $1 AND request_hash = $2
		RETURNING idempotency_key, request_hash, method, path, response_status, response_body, content_type, in_progress`,
		key, requestHash, status, body, contentType).Scan(
		&row.IdempotencyKey, &row.RequestHash, &row.Method, &row.Path,
		&row.ResponseStatus, &row.ResponseBody, &row.ContentType, &row.InProgress,
	)
	if err != nil {
		return row, fmt.Errorf("finalize idempotency key: %w", err)
	}
	return row, nil
}
