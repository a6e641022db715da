//go:build integration

package qa_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jianyq/pr-telemetry/internal/blob"
	"github.com/jianyq/pr-telemetry/internal/finalize"
	"github.com/jianyq/pr-telemetry/internal/hashchain"
	"github.com/jianyq/pr-telemetry/internal/ingest"
	"github.com/jianyq/pr-telemetry/internal/log"
	"github.com/jianyq/pr-telemetry/internal/qa"
	"github.com/jianyq/pr-telemetry/internal/store"
	"github.com/jianyq/pr-telemetry/internal/testutil"
	"github.com/jianyq/pr-telemetry/internal/trace"
)

// setupFinalized provisions a trace that has been ingested and finalized, so
// QA has a document to work with.
func setupFinalized(t *testing.T, traceID string) (*store.Store, *blob.FS, func()) {
	t.Helper()
	ctx := context.Background()

	db, cleanup := testutil.SetupTestDB(t)

	st, err := store.New(db.Pool, log.NewNop())
	require.NoError(t, err)

	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	chain, err := hashchain.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	ip, err := ingest.New(st, blobs, chain, log.NewNop())
	require.NoError(t, err)
	fp, err := finalize.New(st, blobs, log.NewNop())
	require.NoError(t, err)

	require.NoError(t, st.CreateTrace(ctx, &trace.Trace{
		ID:            traceID,
		ParticipantID: "p-100",
		TaskID:        "task-3",
		TaskTitle:     "Stabilize worker shutdown",
		UploadToken:   "tok-" + traceID,
	}))

	_, err = ip.Ingest(ctx, ingest.Request{
		TraceID:  traceID,
		ChunkID:  "c0",
		ChunkSeq: 0,
		Events: []trace.Event{
			{ID: "e0", Seq: 0, TSClientS: 100, Payload: &trace.FileEdit{FilePath: "w.go", DiffUnified: "+fix"}},
			{ID: "e1", Seq: 1, TSClientS: 110, Payload: &trace.TestRun{Framework: "go test", NumPassed: 4}},
		},
	})
	require.NoError(t, err)

	_, err = fp.Finalize(ctx, traceID)
	require.NoError(t, err)

	return st, blobs, cleanup
}

func TestProcessRunsValidationAndJudge(t *testing.T) {
	st, blobs, cleanup := setupFinalized(t, "trace-aaaaaaaaaaaa")
	defer cleanup()
	ctx := context.Background()

	orch, err := qa.New(st, blobs, nil, nil, log.NewNop())
	require.NoError(t, err)

	require.NoError(t, orch.Process(ctx, "trace-aaaaaaaaaaaa"))

	tr, err := st.GetTrace(ctx, "trace-aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, trace.StatusValidated, tr.Status)

	result, err := st.GetQAResult(ctx, "trace-aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Empty(t, result.Error)
	require.NotNil(t, result.FinishedAt)
	require.NotNil(t, result.Judge)
	assert.Equal(t, "mock", result.Judge.Model)
	assert.InDelta(t, 3.5, result.Judge.Scores.Overall, 1e-9)
}

func TestProcessRequiresFinalizedTrace(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	st, err := store.New(db.Pool, log.NewNop())
	require.NoError(t, err)
	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, st.CreateTrace(ctx, &trace.Trace{
		ID:            "trace-bbbbbbbbbbbb",
		ParticipantID: "p-100",
		TaskID:        "task-3",
		TaskTitle:     "Stabilize worker shutdown",
		UploadToken:   "tok-x",
	}))

	orch, err := qa.New(st, blobs, nil, nil, log.NewNop())
	require.NoError(t, err)

	err = orch.Process(ctx, "trace-bbbbbbbbbbbb")
	assert.Error(t, err)
}

func TestFailingJudgeMarksTraceFailed(t *testing.T) {
	st, blobs, cleanup := setupFinalized(t, "trace-cccccccccccc")
	defer cleanup()
	ctx := context.Background()

	orch, err := qa.New(st, blobs, nil, failingJudge{}, log.NewNop())
	require.NoError(t, err)

	err = orch.Process(ctx, "trace-cccccccccccc")
	require.Error(t, err)

	tr, err := st.GetTrace(ctx, "trace-cccccccccccc")
	require.NoError(t, err)
	assert.Equal(t, trace.StatusFailed, tr.Status)

	result, err := st.GetQAResult(ctx, "trace-cccccccccccc")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Error)
	require.NotNil(t, result.FinishedAt)
}

type failingJudge struct{}

func (failingJudge) Evaluate(context.Context, *trace.Document, *trace.Validation) (*trace.Judge, error) {
	return nil, assert.AnError
}

func TestWorkersDrainQueueAndStopCleanly(t *testing.T) {
	st, blobs, cleanup := setupFinalized(t, "trace-dddddddddddd")
	defer cleanup()
	ctx := context.Background()

	// Snapshot after container setup so only orchestrator goroutines count.
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	orch, err := qa.New(st, blobs, nil, nil, log.NewNop())
	require.NoError(t, err)

	orch.Start(ctx, 2)
	require.NoError(t, orch.Enqueue("trace-dddddddddddd"))

	require.Eventually(t, func() bool {
		tr, err := st.GetTrace(ctx, "trace-dddddddddddd")
		return err == nil && tr.Status == trace.StatusValidated
	}, 10*time.Second, 50*time.Millisecond)

	orch.Stop()

	err = orch.Enqueue("trace-dddddddddddd")
	assert.ErrorIs(t, err, qa.ErrStopped)
}
