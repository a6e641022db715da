// Package ingest accepts chunk uploads for a trace: deduplicates by chunk
// id, persists the raw payload, stamps and chains every event, extracts
// embedded artifacts, and advances the trace's summary fields, all inside
// one per-trace transaction.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jianyq/pr-telemetry/internal/blob"
	"github.com/jianyq/pr-telemetry/internal/hashchain"
	"github.com/jianyq/pr-telemetry/internal/log"
	"github.com/jianyq/pr-telemetry/internal/store"
	"github.com/jianyq/pr-telemetry/internal/trace"
)

// ErrInvalidState is returned when ingesting into a trace that has already
// been finalized. Finalization is a one-way gate.
var ErrInvalidState = errors.New("trace already completed")

// Request is one chunk upload. ChunkSeq is the client's upload ordering,
// independent of the events' own seq values.
type Request struct {
	TraceID   string
	ChunkID   string
	ChunkSeq  int
	Events    []trace.Event
	Artifacts []ArtifactInput
}

// Result summarizes one ingestion. Duplicate is a normal outcome, not an
// error: the chunk was already durably stored and nothing was re-processed.
type Result struct {
	Duplicate      bool
	ChunkID        string
	EventsAdded    int
	ArtifactsAdded int
	TotalEvents    int64
}

// Pipeline ingests chunks. Safe for concurrent use; per-trace serialization
// comes from the store's row lock, not from the pipeline.
type Pipeline struct {
	store  *store.Store
	blobs  blob.Store
	chain  *hashchain.Chain
	logger log.Logger
	now    func() time.Time
}

// New creates an ingestion pipeline.
func New(st *store.Store, blobs blob.Store, chain *hashchain.Chain, logger log.Logger) (*Pipeline, error) {
	if st == nil || blobs == nil || chain == nil {
		return nil, fmt.Errorf("store, blob store, and chain are required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pipeline{store: st, blobs: blobs, chain: chain, logger: logger, now: time.Now}, nil
}

// chunkPayload is the verbatim raw form persisted for audit. Events are
// stored as submitted, before server timestamps are stamped.
type chunkPayload struct {
	ChunkID    string          `json:"chunk_id"`
	ChunkSeq   int             `json:"chunk_seq"`
	TraceID    string          `json:"trace_id"`
	Events     []trace.Event   `json:"events"`
	Artifacts  []ArtifactInput `json:"artifacts,omitempty"`
	ReceivedAt string          `json:"received_at"`
}

// ChunkKey is the blob key for a raw chunk. Trace id, upload order, and
// chunk id together guarantee no collision and a browsable audit trail.
func ChunkKey(traceID string, chunkSeq int, chunkID string) string {
	return fmt.Sprintf("%s/chunks/chunk_%04d_%s.json", traceID, chunkSeq, chunkID)
}

// Ingest processes one chunk upload.
//
// Returns store.ErrTraceNotFound if the trace does not exist and
// ErrInvalidState if it was already finalized. A chunk id seen before, for
// any trace, yields a Duplicate result with no state touched. Everything
// else is written atomically: on any failure the transaction rolls back and
// a retry sees the chunk as novel again.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	for _, ev := range req.Events {
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("rejecting chunk %s: %w", req.ChunkID, err)
		}
	}

	var res *Result
	err := p.store.InTraceTx(ctx, req.TraceID, func(tx *store.TraceTx) error {
		tr := tx.Trace()
		if tr.Status == trace.StatusCompleted {
			return fmt.Errorf("trace %s: %w", tr.ID, ErrInvalidState)
		}

		seen, err := tx.ChunkExists(ctx, req.ChunkID)
		if err != nil {
			return err
		}
		if seen {
			res = &Result{Duplicate: true, ChunkID: req.ChunkID, TotalEvents: tr.NumEvents}
			return nil
		}

		receivedAt := p.now().UTC()
		if err := p.storeRawChunk(ctx, tx, req, receivedAt); err != nil {
			return err
		}

		added, lastSeq, digest, err := p.chainEvents(tr, req.Events, receivedAt)
		if err != nil {
			return err
		}

		artifactsAdded, err := p.storeArtifacts(ctx, tx, req.TraceID, req.Artifacts, receivedAt)
		if err != nil {
			return err
		}

		total := tr.NumEvents + int64(added)
		if err := tx.UpdateIngestState(ctx, trace.StatusIngesting, total, lastSeq, digest); err != nil {
			return err
		}

		res = &Result{
			ChunkID:        req.ChunkID,
			EventsAdded:    added,
			ArtifactsAdded: artifactsAdded,
			TotalEvents:    total,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		p.logger.Info("chunk already ingested", "trace_id", req.TraceID, "chunk_id", req.ChunkID)
	} else {
		p.logger.Info("chunk ingested",
			"trace_id", req.TraceID,
			"chunk_id", req.ChunkID,
			"events_added", res.EventsAdded,
			"artifacts_added", res.ArtifactsAdded,
			"total_events", res.TotalEvents)
	}
	return res, nil
}

// storeRawChunk persists the submitted payload verbatim and records the
// chunk row. The blob write happens inside the trace transaction; if the
// commit later fails the orphaned object is overwritten by the retry, since
// the key is deterministic.
func (p *Pipeline) storeRawChunk(ctx context.Context, tx *store.TraceTx, req Request, receivedAt time.Time) error {
	payload, err := json.Marshal(chunkPayload{
		ChunkID:    req.ChunkID,
		ChunkSeq:   req.ChunkSeq,
		TraceID:    req.TraceID,
		Events:     req.Events,
		Artifacts:  req.Artifacts,
		ReceivedAt: receivedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("serializing chunk %s: %w", req.ChunkID, err)
	}

	ref, err := p.blobs.Put(ctx, blob.BucketChunks, ChunkKey(req.TraceID, req.ChunkSeq, req.ChunkID), payload)
	if err != nil {
		return fmt.Errorf("storing chunk %s: %w", req.ChunkID, err)
	}

	return tx.InsertChunk(ctx, trace.Chunk{
		ID:         req.ChunkID,
		TraceID:    req.TraceID,
		ChunkSeq:   req.ChunkSeq,
		StorageURI: ref.URI,
		NumEvents:  len(req.Events),
		ReceivedAt: receivedAt,
	})
}

// chainEvents stamps each event's server timestamp and folds it into the
// trace's running digest, in submission order. No re-sorting happens here;
// cross-chunk ordering is finalization's job.
func (p *Pipeline) chainEvents(tr *trace.Trace, events []trace.Event, receivedAt time.Time) (added int, lastSeq int64, digest string, err error) {
	lastSeq = tr.LastSeq
	digest = tr.EventHashChain
	serverTS := float64(receivedAt.UnixNano()) / float64(time.Second)

	for i := range events {
		events[i].TSServerS = serverTS

		digest, err = p.chain.Extend(digest, events[i])
		if err != nil {
			return 0, 0, "", fmt.Errorf("chaining event %s: %w", events[i].ID, err)
		}
		if events[i].Seq > lastSeq {
			lastSeq = events[i].Seq
		}
		added++
	}
	return added, lastSeq, digest, nil
}

func (p *Pipeline) storeArtifacts(ctx context.Context, tx *store.TraceTx, traceID string, artifacts []ArtifactInput, receivedAt time.Time) (int, error) {
	count := 0
	for _, in := range artifacts {
		if len(in.Content) == 0 {
			continue
		}

		id := uuid.NewString()
		key := fmt.Sprintf("%s/artifacts/%s_%s", traceID, in.Type, id)
		ref, err := p.blobs.Put(ctx, blob.BucketArtifacts, key, in.Content)
		if err != nil {
			return 0, fmt.Errorf("storing artifact %s: %w", in.Type, err)
		}

		err = tx.InsertArtifact(ctx, trace.Artifact{
			ID:         id,
			TraceID:    traceID,
			Type:       in.Type,
			StorageURI: ref.URI,
			SHA256:     ref.SHA256,
			SizeBytes:  ref.SizeBytes,
			EventID:    in.EventID,
			CreatedAt:  receivedAt,
		})
		if err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}
