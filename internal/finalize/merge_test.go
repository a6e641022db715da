package finalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jianyq/pr-telemetry/internal/trace"
)

func edit(id string, seq int64, path string) trace.Event {
	return trace.Event{ID: id, Seq: seq, TSClientS: float64(seq), Payload: &trace.FileEdit{FilePath: path, DiffUnified: "d", BufferHashAfter: "h"}}
}

func cmd(id string, seq int64) trace.Event {
	return trace.Event{ID: id, Seq: seq, TSClientS: float64(seq), Payload: &trace.CmdRun{Cmd: "make", ExitCode: 0}}
}

func testRun(id string, seq int64) trace.Event {
	return trace.Event{ID: id, Seq: seq, TSClientS: float64(seq), Payload: &trace.TestRun{Framework: "pytest", NumPassed: 1}}
}

func TestMergeEventsSortsAcrossChunks(t *testing.T) {
	// Chunks uploaded out of logical order: [5,6], [0,1,2], [3,4].
	chunks := [][]trace.Event{
		{cmd("e5", 5), cmd("e6", 6)},
		{cmd("e0", 0), cmd("e1", 1), cmd("e2", 2)},
		{cmd("e3", 3), cmd("e4", 4)},
	}

	merged := mergeEvents(chunks)
	require.Len(t, merged, 7)
	for i, ev := range merged {
		assert.Equal(t, int64(i), ev.Seq)
	}
	require.NoError(t, validateSequence(merged))
}

func TestValidateSequenceDuplicateID(t *testing.T) {
	merged := mergeEvents([][]trace.Event{
		{cmd("evt-1", 0)},
		{cmd("evt-1", 1)},
	})
	err := validateSequence(merged)
	assert.ErrorIs(t, err, ErrDuplicateEventID)
}

func TestValidateSequenceSeqCollision(t *testing.T) {
	// Distinct ids sharing seq=1: not a duplicate id, still fatal.
	merged := mergeEvents([][]trace.Event{
		{cmd("e0", 0), cmd("e1", 1)},
		{cmd("e2", 1)},
	})
	err := validateSequence(merged)
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestValidateSequenceToleratesGaps(t *testing.T) {
	merged := mergeEvents([][]trace.Event{
		{cmd("e0", 0), cmd("e1", 7), cmd("e2", 100)},
	})
	assert.NoError(t, validateSequence(merged))
}

func TestValidateSequenceEmpty(t *testing.T) {
	assert.NoError(t, validateSequence(nil))
}

func TestComputeMetrics(t *testing.T) {
	events := []trace.Event{
		edit("e0", 0, "a.py"),
		edit("e1", 1, "a.py"),
		cmd("e2", 2),
		testRun("e3", 3),
	}

	m := computeMetrics(events)
	assert.Equal(t, 4, m.NumEvents)
	assert.Equal(t, 2, m.NumEdits)
	assert.Equal(t, 1, m.NumCmds)
	assert.Equal(t, 1, m.NumTestRuns)
	assert.Equal(t, 1, m.FilesTouched)
	assert.Equal(t, float64(3), m.DurationS)
}

func TestComputeMetricsEmpty(t *testing.T) {
	m := computeMetrics(nil)
	assert.Equal(t, 0, m.NumEvents)
	assert.Equal(t, float64(0), m.DurationS)
}
