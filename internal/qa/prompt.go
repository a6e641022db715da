package qa

import (
	"fmt"
	"strings"

	"github.com/jianyq/pr-telemetry/internal/trace"
)

// RubricVersion tags the evaluation rubric embedded in the judge prompt.
const RubricVersion = "1.0"

// Caps on how much event detail goes into the prompt.
const (
	maxPromptEdits      = 20
	maxPromptTestRuns   = 10
	maxPromptRationales = 10
	maxRationaleChars   = 300
)

// BuildJudgePrompt renders the rubric prompt from a finalized document and
// its validation outcome.
func BuildJudgePrompt(doc *trace.Document, validation *trace.Validation) string {
	var b strings.Builder

	b.WriteString("You are an expert code reviewer evaluating a developer's bug-fixing process.\n\n")

	b.WriteString("## Task\n")
	fmt.Fprintf(&b, "The developer was asked to fix: %q\n\n", doc.Task.Title)
	if doc.Task.Description != "" {
		b.WriteString(doc.Task.Description + "\n\n")
	}

	b.WriteString("## Known Failing Tests\n")
	if len(doc.Task.KnownFailingTests) > 0 {
		for _, name := range doc.Task.KnownFailingTests {
			b.WriteString("- " + name + "\n")
		}
	} else {
		b.WriteString("(none listed)\n")
	}
	b.WriteString("\n")

	m := doc.Metrics
	if m == nil {
		m = &trace.Metrics{NumEvents: len(doc.Events)}
	}
	b.WriteString("## Developer Actions Summary\n")
	fmt.Fprintf(&b, "The developer performed %d actions over %.1f seconds:\n", m.NumEvents, m.DurationS)
	fmt.Fprintf(&b, "- %d file edits across %d files\n", m.NumEdits, m.FilesTouched)
	fmt.Fprintf(&b, "- %d commands executed\n", m.NumCmds)
	fmt.Fprintf(&b, "- %d test runs\n\n", m.NumTestRuns)

	b.WriteString("## Key Events\n\n")
	writeFileEdits(&b, doc.Events)
	writeTestRuns(&b, doc.Events)
	writeRationales(&b, doc.Events)

	b.WriteString("## Final Validation\n")
	b.WriteString(validationSummary(validation) + "\n\n---\n\n")

	b.WriteString(`## Evaluation Task

Rate the developer's problem-solving approach on the following dimensions (0-5 scale):

1. **Problem Understanding (20%)**: Did they demonstrate clear understanding of the failure modes and requirements?
2. **Causal Linking (25%)**: Did they effectively connect observations to hypotheses to code changes?
3. **Experiment Design (20%)**: Was their testing strategy sound, isolating issues with incremental validation?
4. **Efficiency (15%)**: Did they minimize unnecessary edits and command usage? Was the edit locality appropriate?
5. **Reproducibility (10%)**: Are the actions clearly replayable from this trace?
6. **Safety & Hygiene (10%)**: Did they avoid dangerous commands and handle sensitive data properly?

Respond in JSON format:
{
  "problem_understanding": <score 0-5>,
  "causal_linking": <score 0-5>,
  "experiment_design": <score 0-5>,
  "efficiency": <score 0-5>,
  "reproducibility": <score 0-5>,
  "safety_hygiene": <score 0-5>,
  "overall": <weighted average>,
  "feedback_summary": "<3-5 sentence summary of strengths and areas for improvement>"
}
Do not include any text outside the JSON.`)

	return b.String()
}

func writeFileEdits(b *strings.Builder, events []trace.Event) {
	b.WriteString("### File Edits\n")
	count := 0
	for _, ev := range events {
		edit, ok := ev.Payload.(*trace.FileEdit)
		if !ok {
			continue
		}
		if count >= maxPromptEdits {
			b.WriteString("- (further edits omitted)\n")
			break
		}
		fmt.Fprintf(b, "- seq %d: edited %s\n", ev.Seq, edit.FilePath)
		count++
	}
	if count == 0 {
		b.WriteString("(none)\n")
	}
	b.WriteString("\n")
}

func writeTestRuns(b *strings.Builder, events []trace.Event) {
	b.WriteString("### Test Runs\n")
	count := 0
	for _, ev := range events {
		run, ok := ev.Payload.(*trace.TestRun)
		if !ok {
			continue
		}
		if count >= maxPromptTestRuns {
			b.WriteString("- (further runs omitted)\n")
			break
		}
		fmt.Fprintf(b, "- seq %d: %s, %d passed, %d failed", ev.Seq, run.Framework, run.NumPassed, run.NumFailed)
		if len(run.FailedTests) > 0 {
			fmt.Fprintf(b, " (%s)", strings.Join(run.FailedTests, ", "))
		}
		b.WriteString("\n")
		count++
	}
	if count == 0 {
		b.WriteString("(none)\n")
	}
	b.WriteString("\n")
}

func writeRationales(b *strings.Builder, events []trace.Event) {
	b.WriteString("### Rationale Notes\n")
	count := 0
	for _, ev := range events {
		note, ok := ev.Payload.(*trace.RationaleNote)
		if !ok {
			continue
		}
		if count >= maxPromptRationales {
			b.WriteString("- (further notes omitted)\n")
			break
		}
		fmt.Fprintf(b, "- seq %d: %s\n", ev.Seq, truncate(rationaleText(note), maxRationaleChars))
		count++
	}
	if count == 0 {
		b.WriteString("(none)\n")
	}
	b.WriteString("\n")
}

func rationaleText(note *trace.RationaleNote) string {
	if note.Freeform != "" {
		return note.Freeform
	}
	if s := note.Structured; s != nil {
		parts := make([]string, 0, 5)
		for _, p := range []struct{ label, text string }{
			{"plan", s.Plan},
			{"hypothesis", s.Hypothesis},
			{"observation", s.Observation},
			{"decision", s.Decision},
			{"next", s.NextStep},
		} {
			if p.text != "" {
				parts = append(parts, p.label+": "+p.text)
			}
		}
		return strings.Join(parts, "; ")
	}
	return "(empty note)"
}

func validationSummary(v *trace.Validation) string {
	if v == nil || v.TestsPassed == nil {
		return "Validation was not run (no workspace snapshot available)."
	}
	verdict := "FAILED"
	if *v.TestsPassed {
		verdict = "PASSED"
	}
	return fmt.Sprintf("Tests %s: %d passed, %d failed (%s, %.1fs).",
		verdict, v.NumPassed, v.NumFailed, v.Framework, v.RuntimeS)
}
