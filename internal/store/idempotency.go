package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// IdempotencyRecord is a cached HTTP-level response, keyed by a
// caller-supplied idempotency key scoped to one trace and endpoint. It lets
// the API layer replay the exact prior response for a retried request
// without re-invoking the pipeline. This sits above, and in addition to,
// chunk-id deduplication.
type IdempotencyRecord struct {
	Key            string
	TraceID        string
	Endpoint       string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// GetIdempotencyRecord returns the live replay record for the key scope, or
// ErrIdempotencyKeyNotFound if none exists or it has expired.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key, traceID, endpoint string) (*IdempotencyRecord, error) {
	var r IdempotencyRecord
	err := s.pool.QueryRow(ctx, `
		SELECT key, trace_id, endpoint, response_status, response_body, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND trace_id = $2 AND endpoint = $3 AND expires_at > now()`,
		key, traceID, endpoint).
		Scan(&r.Key, &r.TraceID, &r.Endpoint, &r.ResponseStatus, &r.ResponseBody, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdempotencyKeyNotFound
		}
		return nil, fmt.Errorf("loading idempotency key: %w", err)
	}
	return &r, nil
}

// PutIdempotencyRecord stores a response for later replay. A concurrent
// insert of the same key wins silently; replays only need some complete
// response for the key, and both writers stored an equivalent one.
func (s *Store) PutIdempotencyRecord(ctx context.Context, r *IdempotencyRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, trace_id, endpoint, response_status, response_body, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key, trace_id, endpoint) DO NOTHING`,
		r.Key, r.TraceID, r.Endpoint, r.ResponseStatus, r.ResponseBody, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("storing idempotency key: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotencyKeys deletes records past their expiry and returns
// how many were removed. Run periodically by the server.
func (s *Store) PurgeExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purging idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
