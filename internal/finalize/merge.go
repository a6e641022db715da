package finalize

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jianyq/pr-telemetry/internal/trace"
)

// Integrity violations surfaced by sequence validation. Both indicate a
// client bug or tampering; the pipeline never drops or reorders data to
// work around them.
var (
	// ErrDuplicateEventID means an event id repeated across chunks.
	ErrDuplicateEventID = errors.New("duplicate event id")

	// ErrOutOfOrder means a seq value failed to strictly increase in the
	// sorted sequence. This also catches seq collisions between events with
	// distinct ids, which a pure duplicate-id check would miss.
	ErrOutOfOrder = errors.New("out-of-order event sequence")
)

// mergeEvents concatenates per-chunk event lists in chunk order, then sorts
// globally by seq. Chunk upload order and event logical order are
// independent; this sort produces the causal timeline. The sort is stable so
// validation sees colliding seq values adjacently in arrival order.
func mergeEvents(chunkEvents [][]trace.Event) []trace.Event {
	var all []trace.Event
	for _, events := range chunkEvents {
		all = append(all, events...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	return all
}

// validateSequence checks the sorted merged list: every id unique, every seq
// strictly greater than the one before. Gaps are legal; clients may skip
// values. Only regression and duplication are fatal.
func validateSequence(events []trace.Event) error {
	seen := make(map[string]struct{}, len(events))
	var maxSeq int64

	for i, ev := range events {
		if _, dup := seen[ev.ID]; dup {
			return fmt.Errorf("event %s: %w", ev.ID, ErrDuplicateEventID)
		}
		seen[ev.ID] = struct{}{}

		if i > 0 && ev.Seq <= maxSeq {
			return fmt.Errorf("event %s: seq %d not greater than %d: %w", ev.ID, ev.Seq, maxSeq, ErrOutOfOrder)
		}
		maxSeq = ev.Seq
	}
	return nil
}

// computeMetrics derives the document metrics from the validated sequence.
func computeMetrics(events []trace.Event) *trace.Metrics {
	m := &trace.Metrics{NumEvents: len(events)}
	if len(events) > 0 {
		m.DurationS = events[len(events)-1].TSClientS - events[0].TSClientS
	}

	files := make(map[string]struct{})
	for _, ev := range events {
		switch payload := ev.Payload.(type) {
		case *trace.FileEdit:
			m.NumEdits++
			files[payload.FilePath] = struct{}{}
		case *trace.CmdRun:
			m.NumCmds++
		case *trace.TestRun:
			m.NumTestRuns++
		}
	}
	m.FilesTouched = len(files)
	return m
}
