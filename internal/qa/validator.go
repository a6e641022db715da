package qa

import (
	"context"

	"github.com/jianyq/pr-telemetry/internal/trace"
)

// Validator re-runs the task's tests against the trace's final workspace
// snapshot. The sandboxed container runtime behind it is an external
// collaborator; this boundary is all the orchestrator knows about.
type Validator interface {
	Validate(ctx context.Context, traceID string, doc *trace.Document) (*trace.Validation, error)
}

// SkipValidator is the default when no sandbox runtime is wired. It reports
// an inconclusive validation: TestsPassed stays nil, matching a document
// without a workspace snapshot to validate against.
type SkipValidator struct{}

func (SkipValidator) Validate(_ context.Context, _ string, _ *trace.Document) (*trace.Validation, error) {
	return &trace.Validation{}, nil
}
