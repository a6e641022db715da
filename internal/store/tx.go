package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jianyq/pr-telemetry/internal/trace"
)

// TraceTx is a transaction holding the row lock for one trace. All writes
// made through it commit or roll back together, and no other ingestion or
// finalization on the same trace can interleave while it is open.
type TraceTx struct {
	q  pgx.Tx
	tr *trace.Trace
}

// Trace returns the locked trace snapshot as of lock acquisition. Mutations
// made through the TraceTx are not reflected back into it.
func (t *TraceTx) Trace() *trace.Trace { return t.tr }

// InTraceTx runs fn inside a transaction that holds the trace's row lock
// (SELECT ... FOR UPDATE). The lock serializes concurrent ingestions and
// finalization per trace: the chain digest and counters are read-modify-write
// state and must never interleave. Returns ErrTraceNotFound if the trace
// does not exist; any error from fn rolls the transaction back.
func (s *Store) InTraceTx(ctx context.Context, traceID string, fn func(tx *TraceTx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := pgtx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", "trace_id", traceID, "error", rbErr)
		}
	}()

	locked, err := getTrace(ctx, pgtx, traceID, true)
	if err != nil {
		return err
	}

	if err := fn(&TraceTx{q: pgtx, tr: locked}); err != nil {
		return err
	}

	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ChunkExists is the in-transaction form of Store.ChunkExists. The check
// must run under the trace lock so two concurrent uploads of the same chunk
// cannot both see it as novel.
func (t *TraceTx) ChunkExists(ctx context.Context, chunkID string) (bool, error) {
	return chunkExists(ctx, t.q, chunkID)
}

// InsertChunk records a stored chunk's metadata.
func (t *TraceTx) InsertChunk(ctx context.Context, c trace.Chunk) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO trace_chunks (id, trace_id, chunk_seq, storage_uri, num_events, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.TraceID, c.ChunkSeq, c.StorageURI, c.NumEvents, c.ReceivedAt)
	if err != nil {
		return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
	}
	return nil
}

// InsertArtifact records a stored artifact's metadata.
func (t *TraceTx) InsertArtifact(ctx context.Context, a trace.Artifact) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO artifacts (id, trace_id, artifact_type, storage_uri, sha256, size_bytes, event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.TraceID, a.Type, a.StorageURI, a.SHA256, a.SizeBytes, a.EventID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting artifact %s: %w", a.ID, err)
	}
	return nil
}

// UpdateIngestState advances the trace's summary fields after one chunk's
// events were chained: new status, cumulative event count, highest seq, and
// the running chain digest.
func (t *TraceTx) UpdateIngestState(ctx context.Context, status trace.Status, numEvents, lastSeq int64, chainDigest string) error {
	_, err := t.q.Exec(ctx, `
		UPDATE traces
		SET status = $2, num_events = $3, last_seq = $4, event_hash_chain = $5, updated_at = now()
		WHERE id = $1`,
		t.tr.ID, status, numEvents, lastSeq, chainDigest)
	if err != nil {
		return fmt.Errorf("updating trace %s ingest state: %w", t.tr.ID, err)
	}
	return nil
}

// ListChunks returns the locked trace's chunks ordered by chunk_seq.
func (t *TraceTx) ListChunks(ctx context.Context) ([]trace.Chunk, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, trace_id, chunk_seq, storage_uri, num_events, received_at
		FROM trace_chunks
		WHERE trace_id = $1
		ORDER BY chunk_seq`, t.tr.ID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks for %s: %w", t.tr.ID, err)
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
		return nil, fmt.Errorf("listing chunks for %s: %w", t.tr.ID, err)
	}
	return chunks, nil
}

// LatestArtifact returns the locked trace's most recent artifact of the
// given type, or nil if none exists.
func (t *TraceTx) LatestArtifact(ctx context.Context, artifactType string) (*trace.Artifact, error) {
	var a trace.Artifact
	err := t.q.QueryRow(ctx, `
		SELECT id, trace_id, artifact_type, storage_uri, sha256, size_bytes, event_id, created_at
		FROM artifacts
		WHERE trace_id = $1 AND artifact_type = $2
		ORDER BY created_at DESC
		LIMIT 1`, t.tr.ID, artifactType).
		Scan(&a.ID, &a.TraceID, &a.Type, &a.StorageURI, &a.SHA256, &a.SizeBytes, &a.EventID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading latest %s artifact for %s: %w", artifactType, t.tr.ID, err)
	}
	return &a, nil
}

// MarkCompleted freezes the trace: status COMPLETED, document pointer set,
// completion timestamp recorded. Called exactly once per trace.
func (t *TraceTx) MarkCompleted(ctx context.Context, finalURI string, completedAt time.Time) error {
	_, err := t.q.Exec(ctx, `
		UPDATE traces
		SET status = $2, final_trace_uri = $3, completed_at = $4, updated_at = now()
		WHERE id = $1`,
		t.tr.ID, trace.StatusCompleted, finalURI, completedAt)
	if err != nil {
		return fmt.Errorf("completing trace %s: %w", t.tr.ID, err)
	}
	return nil
}
