package qa

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jianyq/pr-telemetry/internal/trace"
)

func sampleDoc() *trace.Document {
	return &trace.Document{
		TraceVersion: trace.DocumentVersion,
		TraceID:      "trace-abc",
		Task: trace.Task{
			ID:                "task-1",
			Title:             "Fix off-by-one in pagination",
			KnownFailingTests: []string{"test_last_page"},
		},
		Events: []trace.Event{
			{ID: "e0", Seq: 0, Payload: &trace.RationaleNote{Freeform: "suspect the page index math"}},
			{ID: "e1", Seq: 1, Payload: &trace.FileEdit{FilePath: "pager.py", DiffUnified: "d", BufferHashAfter: "h"}},
			{ID: "e2", Seq: 2, Payload: &trace.TestRun{Framework: "pytest", NumPassed: 9, NumFailed: 1, FailedTests: []string{"test_last_page"}}},
		},
		Metrics: &trace.Metrics{DurationS: 120.5, NumEvents: 3, NumEdits: 1, NumCmds: 0, NumTestRuns: 1, FilesTouched: 1},
	}
}

func TestBuildJudgePrompt(t *testing.T) {
	passed := true
	prompt := BuildJudgePrompt(sampleDoc(), &trace.Validation{
		TestsPassed: &passed, Framework: "pytest", NumPassed: 10, RuntimeS: 4.2,
	})

	assert.Contains(t, prompt, "Fix off-by-one in pagination")
	assert.Contains(t, prompt, "test_last_page")
	assert.Contains(t, prompt, "3 actions over 120.5 seconds")
	assert.Contains(t, prompt, "edited pager.py")
	assert.Contains(t, prompt, "pytest, 9 passed, 1 failed")
	assert.Contains(t, prompt, "suspect the page index math")
	assert.Contains(t, prompt, "Tests PASSED")
	assert.Contains(t, prompt, `"feedback_summary"`)
}

func TestBuildJudgePromptNoValidation(t *testing.T) {
	prompt := BuildJudgePrompt(sampleDoc(), nil)
	assert.Contains(t, prompt, "Validation was not run")
}

func TestBuildJudgePromptCapsEdits(t *testing.T) {
	doc := sampleDoc()
	doc.Events = nil
	for i := 0; i < maxPromptEdits+5; i++ {
		doc.Events = append(doc.Events, trace.Event{
			ID: string(rune('a' + i)), Seq: int64(i),
			Payload: &trace.FileEdit{FilePath: "f.py", DiffUnified: "d", BufferHashAfter: "h"},
		})
	}

	prompt := BuildJudgePrompt(doc, nil)
	assert.Contains(t, prompt, "(further edits omitted)")
	assert.Equal(t, maxPromptEdits, strings.Count(prompt, "edited f.py"))
}

func TestRationaleTextStructured(t *testing.T) {
	note := &trace.RationaleNote{Structured: &trace.Rationale{
		Hypothesis: "cache is stale",
		Decision:   "invalidate on write",
	}}
	assert.Equal(t, "hypothesis: cache is stale; decision: invalidate on write", rationaleText(note))
}
