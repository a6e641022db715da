//go:build integration

package ingest_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jianyq/pr-telemetry/internal/blob"
	"github.com/jianyq/pr-telemetry/internal/hashchain"
	"github.com/jianyq/pr-telemetry/internal/ingest"
	"github.com/jianyq/pr-telemetry/internal/log"
	"github.com/jianyq/pr-telemetry/internal/store"
	"github.com/jianyq/pr-telemetry/internal/testutil"
	"github.com/jianyq/pr-telemetry/internal/trace"
)

type rig struct {
	store    *store.Store
	blobs    *blob.FS
	pipeline *ingest.Pipeline
}

func setup(t *testing.T) (*rig, func()) {
	t.Helper()

	db, cleanup := testutil.SetupTestDB(t)

	st, err := store.New(db.Pool, log.NewNop())
	require.NoError(t, err)

	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	chain, err := hashchain.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	p, err := ingest.New(st, blobs, chain, log.NewNop())
	require.NoError(t, err)

	return &rig{store: st, blobs: blobs, pipeline: p}, cleanup
}

func seedTrace(t *testing.T, st *store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateTrace(context.Background(), &trace.Trace{
		ID:            id,
		ParticipantID: "p-001",
		TaskID:        "task-1",
		TaskTitle:     "Add retry backoff",
		UploadToken:   "tok-" + id,
	}))
}

func editEvent(id string, seq int64, ts float64) trace.Event {
	return trace.Event{
		ID:        id,
		Seq:       seq,
		TSClientS: ts,
		Payload:   &trace.FileEdit{FilePath: "main.go", Language: "go", DiffUnified: "+x"},
	}
}

func TestIngestChunk(t *testing.T) {
	r, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	seedTrace(t, r.store, "trace-aaaaaaaaaaaa")

	result, err := r.pipeline.Ingest(ctx, ingest.Request{
		TraceID:  "trace-aaaaaaaaaaaa",
		ChunkID:  "chunk-1",
		ChunkSeq: 0,
		Events:   []trace.Event{editEvent("e1", 0, 100), editEvent("e2", 1, 101)},
	})
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, 2, result.EventsAdded)
	assert.Equal(t, int64(2), result.TotalEvents)

	tr, err := r.store.GetTrace(ctx, "trace-aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, trace.StatusIngesting, tr.Status)
	assert.Equal(t, int64(1), tr.LastSeq)
	assert.NotEmpty(t, tr.EventHashChain)

	// The raw chunk is stored verbatim, before server timestamps are
	// stamped.
	uri := blob.URI(blob.BucketChunks, ingest.ChunkKey("trace-aaaaaaaaaaaa", 0, "chunk-1"))
	data, err := r.blobs.Get(ctx, uri)
	require.NoError(t, err)

	var payload struct {
		Events []map[string]any `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Len(t, payload.Events, 2)
	assert.NotContains(t, payload.Events[0], "ts_server_s")
}

func TestIngestDuplicateChunkIsNoOp(t *testing.T) {
	r, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	seedTrace(t, r.store, "trace-bbbbbbbbbbbb")

	req := ingest.Request{
		TraceID:  "trace-bbbbbbbbbbbb",
		ChunkID:  "chunk-dup",
		ChunkSeq: 0,
		Events:   []trace.Event{editEvent("e1", 0, 100)},
	}

	first, err := r.pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	chainAfterFirst := mustGetTrace(t, r.store, "trace-bbbbbbbbbbbb").EventHashChain

	second, err := r.pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Zero(t, second.EventsAdded)
	assert.Equal(t, int64(1), second.TotalEvents)

	// Retransmission changes nothing: same count, same chain digest.
	tr := mustGetTrace(t, r.store, "trace-bbbbbbbbbbbb")
	assert.Equal(t, int64(1), tr.NumEvents)
	assert.Equal(t, chainAfterFirst, tr.EventHashChain)
}

func TestIngestAfterCompletionRejected(t *testing.T) {
	r, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	seedTrace(t, r.store, "trace-cccccccccccc")
	require.NoError(t, r.store.SetTraceStatus(ctx, "trace-cccccccccccc", trace.StatusCompleted))

	_, err := r.pipeline.Ingest(ctx, ingest.Request{
		TraceID:  "trace-cccccccccccc",
		ChunkID:  "chunk-late",
		ChunkSeq: 0,
		Events:   []trace.Event{editEvent("e1", 0, 100)},
	})
	assert.ErrorIs(t, err, ingest.ErrInvalidState)
}

func TestIngestUnknownTrace(t *testing.T) {
	r, cleanup := setup(t)
	defer cleanup()

	_, err := r.pipeline.Ingest(context.Background(), ingest.Request{
		TraceID:  "trace-missing",
		ChunkID:  "chunk-1",
		ChunkSeq: 0,
		Events:   []trace.Event{editEvent("e1", 0, 100)},
	})
	assert.ErrorIs(t, err, store.ErrTraceNotFound)
}

func TestIngestArtifacts(t *testing.T) {
	r, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	seedTrace(t, r.store, "trace-dddddddddddd")

	raw := map[string]json.RawMessage{
		"workspace_snapshot": json.RawMessage(`{"content":"tarball-bytes"}`),
	}
	artifacts, err := ingest.NormalizeArtifacts(raw)
	require.NoError(t, err)

	result, err := r.pipeline.Ingest(ctx, ingest.Request{
		TraceID:   "trace-dddddddddddd",
		ChunkID:   "chunk-art",
		ChunkSeq:  0,
		Events:    []trace.Event{editEvent("e1", 0, 100)},
		Artifacts: artifacts,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ArtifactsAdded)

	arts, err := r.store.ListArtifacts(ctx, "trace-dddddddddddd", trace.ArtifactTypeWorkspaceSnapshot)
	require.NoError(t, err)
	require.Len(t, arts, 1)

	data, err := r.blobs.Get(ctx, arts[0].StorageURI)
	require.NoError(t, err)
	assert.Equal(t, "tarball-bytes", string(data))
}

func mustGetTrace(t *testing.T, st *store.Store, id string) *trace.Trace {
	t.Helper()
	tr, err := st.GetTrace(context.Background(), id)
	require.NoError(t, err)
	return tr
}
