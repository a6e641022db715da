// Package qa runs post-finalization quality assessment: sandboxed test
// validation and LLM rubric judging. Work is dispatched in-process to a
// small worker pool; finalization only hands over the trace id.
package qa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jianyq/pr-telemetry/internal/blob"
	"github.com/jianyq/pr-telemetry/internal/log"
	"github.com/jianyq/pr-telemetry/internal/store"
	"github.com/jianyq/pr-telemetry/internal/trace"
)

// ErrQueueFull is returned by Enqueue when the dispatch buffer is saturated.
// Callers may retry; completed traces can be re-enqueued at any time.
var ErrQueueFull = errors.New("qa queue full")

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("qa orchestrator stopped")

const queueCapacity = 64

// Orchestrator consumes finalized traces and produces QA results.
type Orchestrator struct {
	store     *store.Store
	blobs     blob.Store
	validator Validator
	judge     Judge
	logger    log.Logger

	queue chan string
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New creates an orchestrator. Start must be called before Enqueue delivers
// anything.
func New(st *store.Store, blobs blob.Store, validator Validator, judge Judge, logger log.Logger) (*Orchestrator, error) {
	if st == nil || blobs == nil {
		return nil, fmt.Errorf("store and blob store are required")
	}
	if validator == nil {
		validator = SkipValidator{}
	}
	if judge == nil {
		judge = MockJudge{}
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Orchestrator{
		store:     st,
		blobs:     blobs,
		validator: validator,
		judge:     judge,
		logger:    logger,
		queue:     make(chan string, queueCapacity),
	}, nil
}

// Start launches workers that drain the queue until Stop is called or ctx
// is cancelled.
func (o *Orchestrator) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case traceID, ok := <-o.queue:
					if !ok {
						return
					}
					if err := o.Process(ctx, traceID); err != nil && !errors.Is(err, context.Canceled) {
						o.logger.Error("qa run failed", "trace_id", traceID, "error", err)
					}
				}
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight runs to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.queue)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// Enqueue schedules a finalized trace for assessment. Non-blocking.
func (o *Orchestrator) Enqueue(traceID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	select {
	case o.queue <- traceID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Process runs one full QA pass: status to VALIDATING, sandbox validation,
// LLM judging, result storage, then VALIDATED. Any failure marks the trace
// FAILED and records the error on the QA result. Process is also safe to
// call directly, without the queue.
func (o *Orchestrator) Process(ctx context.Context, traceID string) error {
	o.logger.Info("qa started", "trace_id", traceID)

	tr, err := o.store.GetTrace(ctx, traceID)
	if err != nil {
		return err
	}
	if tr.FinalTraceURI == "" {
		return fmt.Errorf("trace %s has no finalized document", traceID)
	}

	if err := o.store.SetTraceStatus(ctx, traceID, trace.StatusValidating); err != nil {
		return err
	}

	result := &trace.QAResult{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.CreateQAResult(ctx, result); err != nil {
		return err
	}

	runErr := o.run(ctx, tr, result)

	finished := time.Now().UTC()
	result.FinishedAt = &finished
	if runErr != nil {
		result.Error = runErr.Error()
	}
	if err := o.store.FinishQAResult(ctx, result); err != nil {
		return err
	}

	status := trace.StatusValidated
	if runErr != nil {
		status = trace.StatusFailed
	}
	if err := o.store.SetTraceStatus(ctx, traceID, status); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}
	o.logger.Info("qa complete", "trace_id", traceID)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, tr *trace.Trace, result *trace.QAResult) error {
	doc, err := o.loadDocument(ctx, tr.FinalTraceURI)
	if err != nil {
		return err
	}

	validation, err := o.validator.Validate(ctx, tr.ID, doc)
	if err != nil {
		return fmt.Errorf("validating trace %s: %w", tr.ID, err)
	}
	result.Validation = validation

	judge, err := o.judge.Evaluate(ctx, doc, validation)
	if err != nil {
		return fmt.Errorf("judging trace %s: %w", tr.ID, err)
	}
	result.Judge = judge
	return nil
}

func (o *Orchestrator) loadDocument(ctx context.Context, uri string) (*trace.Document, error) {
	data, err := o.blobs.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("loading document %s: %w", uri, err)
	}
	var doc trace.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", uri, err)
	}
	return &doc, nil
}
