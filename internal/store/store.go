// Package store is the PostgreSQL persistence layer: trace records and their
// mutable summary fields, chunk and artifact metadata, QA results, and
// HTTP-level idempotency records. Raw payloads live in the blob store; only
// references are kept here.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jianyq/pr-telemetry/internal/log"
	"github.com/jianyq/pr-telemetry/internal/trace"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// traceCols is the standard SELECT column list for scanTrace.
const traceCols = `id, status, participant_id, task_id, task_title,
	repo_origin, start_commit, upload_token,
	created_at, updated_at, completed_at,
	num_events, last_seq, event_hash_chain, final_trace_uri`

// Store persists trace-assembly state in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates a Store over an existing connection pool.
func New(pool *pgxpool.Pool, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// CreateTrace inserts a new trace in its initial state.
func (s *Store) CreateTrace(ctx context.Context, t *trace.Trace) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO traces (id, status, participant_id, task_id, task_title,
			repo_origin, start_commit, upload_token, last_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, -1)`,
		t.ID, trace.StatusCreated, t.ParticipantID, t.TaskID, t.TaskTitle,
		t.RepoOrigin, t.StartCommit, t.UploadToken)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("trace %s: %w", t.ID, ErrDuplicateTrace)
		}
		return fmt.Errorf("creating trace: %w", err)
	}
	return nil
}

// GetTrace loads one trace by id.
func (s *Store) GetTrace(ctx context.Context, id string) (*trace.Trace, error) {
	return getTrace(ctx, s.pool, id, false)
}

func getTrace(ctx context.Context, q querier, id string, forUpdate bool) (*trace.Trace, error) {
	query := `SELECT ` + traceCols + ` FROM traces WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	t, err := scanTrace(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trace %s: %w", id, ErrTraceNotFound)
		}
		return nil, fmt.Errorf("loading trace %s: %w", id, err)
	}
	return t, nil
}

func scanTrace(row pgx.Row) (*trace.Trace, error) {
	var t trace.Trace
	err := row.Scan(&t.ID, &t.Status, &t.ParticipantID, &t.TaskID, &t.TaskTitle,
		&t.RepoOrigin, &t.StartCommit, &t.UploadToken,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
		&t.NumEvents, &t.LastSeq, &t.EventHashChain, &t.FinalTraceURI)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetTraceStatus updates only the lifecycle status.
func (s *Store) SetTraceStatus(ctx context.Context, id string, status trace.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE traces SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("updating trace %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trace %s: %w", id, ErrTraceNotFound)
	}
	return nil
}

// ChunkExists reports whether a chunk with this id has been durably stored
// for any trace. This is the system-wide idempotency check.
func (s *Store) ChunkExists(ctx context.Context, chunkID string) (bool, error) {
	return chunkExists(ctx, s.pool, chunkID)
}

func chunkExists(ctx context.Context, q querier, chunkID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM trace_chunks WHERE id = $1)`, chunkID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking chunk %s: %w", chunkID, err)
	}
	return exists, nil
}

// ListChunks returns all chunks for a trace ordered by chunk_seq.
func (s *Store) ListChunks(ctx context.Context, traceID string) ([]trace.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trace_id, chunk_seq, storage_uri, num_events, received_at
		FROM trace_chunks
		WHERE trace_id = $1
		ORDER BY chunk_seq`, traceID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks for %s: %w", traceID, err)
	}
	defer rows.Close()

	var chunks []trace.Chunk
	for rows.Next() {
		var c trace.Chunk
		if err := rows.Scan(&c.ID, &c.TraceID, &c.ChunkSeq, &c.StorageURI, &c.NumEvents, &c.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing chunks for %s: %w", traceID, err)
	}
	return chunks, nil
}

// ListArtifacts returns a trace's artifacts, newest first. artifactType
// filters by type when non-empty.
func (s *Store) ListArtifacts(ctx context.Context, traceID, artifactType string) ([]trace.Artifact, error) {
	query := `
		SELECT id, trace_id, artifact_type, storage_uri, sha256, size_bytes, event_id, created_at
		FROM artifacts
		WHERE trace_id = $1`
	args := []any{traceID}
	if artifactType != "" {
		query += ` AND artifact_type = $2`
		args = append(args, artifactType)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts for %s: %w", traceID, err)
	}
	defer rows.Close()

	var artifacts []trace.Artifact
	for rows.Next() {
		var a trace.Artifact
		if err := rows.Scan(&a.ID, &a.TraceID, &a.Type, &a.StorageURI, &a.SHA256, &a.SizeBytes, &a.EventID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing artifacts for %s: %w", traceID, err)
	}
	return artifacts, nil
}
