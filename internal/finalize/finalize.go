// Package finalize freezes a trace's event history into one canonical
// document, exactly once: it merges every chunk, establishes the global seq
// order, validates integrity, computes metrics, and persists the result.
package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jianyq/pr-telemetry/internal/blob"
	"github.com/jianyq/pr-telemetry/internal/log"
	"github.com/jianyq/pr-telemetry/internal/store"
	"github.com/jianyq/pr-telemetry/internal/trace"
)

// ErrNoChunks is returned when finalizing a trace that never received a
// chunk.
var ErrNoChunks = errors.New("no chunks ingested")

// Result summarizes one finalization. AlreadyCompleted means the trace was
// finalized earlier and nothing was touched; callers may retry freely.
type Result struct {
	AlreadyCompleted bool
	TraceID          string
	FinalURI         string
	NumEvents        int
}

// Pipeline finalizes traces. Safe for concurrent use; the store's row lock
// serializes it against ingestion and other finalize calls per trace.
type Pipeline struct {
	store  *store.Store
	blobs  blob.Store
	logger log.Logger
	now    func() time.Time
}

// New creates a finalization pipeline.
func New(st *store.Store, blobs blob.Store, logger log.Logger) (*Pipeline, error) {
	if st == nil || blobs == nil {
		return nil, fmt.Errorf("store and blob store are required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pipeline{store: st, blobs: blobs, logger: logger, now: time.Now}, nil
}

// DocumentKey is the blob key for a trace's canonical document.
func DocumentKey(traceID string) string {
	return traceID + "/trace_final.json"
}

// Finalize assembles the canonical document for a trace.
//
// Returns store.ErrTraceNotFound if the trace does not exist, an
// AlreadyCompleted result if it was finalized before, ErrNoChunks if nothing
// was ever ingested, and ErrDuplicateEventID or ErrOutOfOrder on integrity
// violations. The document write and the trace's completion update commit
// together.
func (p *Pipeline) Finalize(ctx context.Context, traceID string) (*Result, error) {
	var res *Result
	err := p.store.InTraceTx(ctx, traceID, func(tx *store.TraceTx) error {
		tr := tx.Trace()
		if tr.Status == trace.StatusCompleted {
			res = &Result{AlreadyCompleted: true, TraceID: tr.ID, FinalURI: tr.FinalTraceURI, NumEvents: int(tr.NumEvents)}
			return nil
		}

		chunks, err := tx.ListChunks(ctx)
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			return fmt.Errorf("trace %s: %w", tr.ID, ErrNoChunks)
		}

		chunkEvents, err := p.loadChunkEvents(ctx, chunks)
		if err != nil {
			return err
		}

		events := mergeEvents(chunkEvents)
		if err := validateSequence(events); err != nil {
			return fmt.Errorf("trace %s: %w", tr.ID, err)
		}

		snapshot, err := tx.LatestArtifact(ctx, trace.ArtifactTypeWorkspaceSnapshot)
		if err != nil {
			return err
		}

		completedAt := p.now().UTC()
		doc := buildDocument(tr, events, snapshot, completedAt)

		payload, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("serializing document for %s: %w", tr.ID, err)
		}
		ref, err := p.blobs.Put(ctx, blob.BucketTraces, DocumentKey(tr.ID), payload)
		if err != nil {
			return fmt.Errorf("storing document for %s: %w", tr.ID, err)
		}

		if err := tx.MarkCompleted(ctx, ref.URI, completedAt); err != nil {
			return err
		}

		res = &Result{TraceID: tr.ID, FinalURI: ref.URI, NumEvents: len(events)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.AlreadyCompleted {
		p.logger.Info("trace already finalized", "trace_id", traceID)
	} else {
		p.logger.Info("trace finalized", "trace_id", traceID, "num_events", res.NumEvents, "uri", res.FinalURI)
	}
	return res, nil
}

// loadChunkEvents fetches each chunk's raw payload and decodes its events,
// preserving chunk order.
func (p *Pipeline) loadChunkEvents(ctx context.Context, chunks []trace.Chunk) ([][]trace.Event, error) {
	out := make([][]trace.Event, 0, len(chunks))
	for _, c := range chunks {
		data, err := p.blobs.Get(ctx, c.StorageURI)
		if err != nil {
			return nil, fmt.Errorf("loading chunk %s: %w", c.ID, err)
		}

		var payload struct {
			Events []trace.Event `json:"events"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decoding chunk %s: %w", c.ID, err)
		}
		out = append(out, payload.Events)
	}
	return out, nil
}

// buildDocument assembles the canonical document. The integrity digest is
// the chain accumulated in arrival order during ingestion; it is not
// recomputed from the sorted list, because the chain's evidentiary value
// depends on arrival order while the document's event list is logical order.
func buildDocument(tr *trace.Trace, events []trace.Event, snapshot *trace.Artifact, completedAt time.Time) *trace.Document {
	doc := &trace.Document{
		TraceVersion: trace.DocumentVersion,
		TraceID:      tr.ID,
		Session: trace.Session{
			ParticipantID: tr.ParticipantID,
			Role:          trace.RoleHumanDev,
			Consent:       trace.Consent{Rationales: true, Commands: true, Snapshots: true},
		},
		Task: trace.Task{ID: tr.TaskID, Title: tr.TaskTitle},
		Repo: trace.Repo{Origin: tr.RepoOrigin, StartCommit: tr.StartCommit},
		Events:    events,
		Metrics:   computeMetrics(events),
		Integrity: &trace.Integrity{EventHashChain: tr.EventHashChain},
		CreatedAt: tr.CreatedAt,
	}
	doc.CompletedAt = &completedAt

	if snapshot != nil {
		doc.Artifacts = &trace.Artifacts{
			FinalWorkspaceSnapshot: &trace.BlobRef{
				URI:       snapshot.StorageURI,
				SHA256:    snapshot.SHA256,
				SizeBytes: snapshot.SizeBytes,
			},
		}
	}
	return doc
}
