package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/jianyq/pr-telemetry/internal/trace"
)

// maxJudgeResponseBytes limits the judge LLM response size (16 KB).
const maxJudgeResponseBytes = 16 * 1024

// Judge scores a finalized trace against the rubric.
type Judge interface {
	Evaluate(ctx context.Context, doc *trace.Document, validation *trace.Validation) (*trace.Judge, error)
}

// judgeResponse is the strict JSON shape the model must return.
type judgeResponse struct {
	ProblemUnderstanding float64 `json:"problem_understanding"`
	CausalLinking        float64 `json:"causal_linking"`
	ExperimentDesign     float64 `json:"experiment_design"`
	Efficiency           float64 `json:"efficiency"`
	Reproducibility      float64 `json:"reproducibility"`
	SafetyHygiene        float64 `json:"safety_hygiene"`
	Overall              float64 `json:"overall"`
	FeedbackSummary      string  `json:"feedback_summary"`
}

// LLMJudge evaluates traces with a single-shot LLM call.
type LLMJudge struct {
	g     *genkit.Genkit
	model string
}

// NewLLMJudge creates a judge bound to an initialized genkit instance.
func NewLLMJudge(g *genkit.Genkit, model string) (*LLMJudge, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	return &LLMJudge{g: g, model: model}, nil
}

// Evaluate builds the rubric prompt, runs the model, and parses the strict
// JSON response. Scores are clamped to [0, 5]; a missing overall is derived
// from the rubric weights.
func (j *LLMJudge) Evaluate(ctx context.Context, doc *trace.Document, validation *trace.Validation) (*trace.Judge, error) {
	prompt := BuildJudgePrompt(doc, validation)

	opts := []ai.GenerateOption{ai.WithPrompt(prompt)}
	if j.model != "" {
		opts = append(opts, ai.WithModelName(j.model))
	}

	resp, err := genkit.Generate(ctx, j.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generating evaluation: %w", err)
	}

	raw := resp.Text()
	if len(raw) > maxJudgeResponseBytes {
		return nil, fmt.Errorf("judge response too large: %d bytes", len(raw))
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("empty judge response")
	}
	text = stripCodeFences(text)

	var parsed judgeResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("parsing judge response: %w (raw: %q)", err, truncate(text, 200))
	}

	scores := normalizeScores(parsed)
	return &trace.Judge{
		Model:           j.model,
		RubricVersion:   RubricVersion,
		Scores:          scores,
		FeedbackSummary: parsed.FeedbackSummary,
	}, nil
}

// MockJudge returns fixed mid-range scores. Used when no API key is
// configured, and in tests.
type MockJudge struct{}

func (MockJudge) Evaluate(_ context.Context, _ *trace.Document, _ *trace.Validation) (*trace.Judge, error) {
	return &trace.Judge{
		Model:         "mock",
		ModelVersion:  "mock-1.0",
		RubricVersion: RubricVersion,
		Scores: &trace.JudgeScores{
			ProblemUnderstanding: 3.5,
			CausalLinking:        3.0,
			ExperimentDesign:     3.5,
			Efficiency:           3.0,
			Reproducibility:      4.0,
			SafetyHygiene:        4.5,
			Overall:              3.5,
		},
		FeedbackSummary: "The developer demonstrated a systematic approach to debugging. " +
			"Good reproducibility and safety practices. " +
			"Could improve efficiency by reducing redundant test runs.",
	}, nil
}

// normalizeScores clamps each dimension to [0, 5] and fills in the weighted
// overall when the model omitted it.
func normalizeScores(r judgeResponse) *trace.JudgeScores {
	s := &trace.JudgeScores{
		ProblemUnderstanding: clamp(r.ProblemUnderstanding),
		CausalLinking:        clamp(r.CausalLinking),
		ExperimentDesign:     clamp(r.ExperimentDesign),
		Efficiency:           clamp(r.Efficiency),
		Reproducibility:      clamp(r.Reproducibility),
		SafetyHygiene:        clamp(r.SafetyHygiene),
		Overall:              clamp(r.Overall),
	}
	if s.Overall == 0 {
		s.Overall = weightedOverall(s)
	}
	return s
}

// Rubric weights. Must sum to 1.
const (
	weightProblemUnderstanding = 0.20
	weightCausalLinking        = 0.25
	weightExperimentDesign     = 0.20
	weightEfficiency           = 0.15
	weightReproducibility      = 0.10
	weightSafetyHygiene        = 0.10
)

func weightedOverall(s *trace.JudgeScores) float64 {
	return s.ProblemUnderstanding*weightProblemUnderstanding +
		s.CausalLinking*weightCausalLinking +
		s.ExperimentDesign*weightExperimentDesign +
		s.Efficiency*weightEfficiency +
		s.Reproducibility*weightReproducibility +
		s.SafetyHygiene*weightSafetyHygiene
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 5 {
		return 5
	}
	return v
}

// stripCodeFences removes a surrounding markdown code fence if the model
// wrapped its JSON in one.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
