package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jianyq/pr-telemetry/internal/trace"
)

// CreateQAResult records the start of a QA run. One result per trace; a
// rerun replaces the previous record.
func (s *Store) CreateQAResult(ctx context.Context, r *trace.QAResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO qa_results (id, trace_id, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (trace_id) DO UPDATE
		SET id = EXCLUDED.id, started_at = EXCLUDED.started_at,
			finished_at = NULL, error = '',
			validation_tests_passed = NULL, validation_framework = NULL,
			validation_num_passed = NULL, validation_num_failed = NULL,
			validation_runtime_s = NULL, validation_container_image = NULL,
			validation_log_uri = NULL,
			judge_model = NULL, judge_model_version = NULL,
			judge_rubric_version = NULL, judge_feedback_summary = NULL,
			score_problem_understanding = NULL, score_causal_linking = NULL,
			score_experiment_design = NULL, score_efficiency = NULL,
			score_reproducibility = NULL, score_safety_hygiene = NULL,
			score_overall = NULL`,
		r.ID, r.TraceID, r.StartedAt)
	if err != nil {
		return fmt.Errorf("creating qa result for %s: %w", r.TraceID, err)
	}
	return nil
}

// FinishQAResult stores the outcome of a completed QA run.
func (s *Store) FinishQAResult(ctx context.Context, r *trace.QAResult) error {
	var (
		v = r.Validation
		j = r.Judge
	)

	var (
		testsPassed                              *bool
		framework, containerImage, logURI        *string
		numPassed, numFailed                     *int
		runtimeS                                 *float64
		model, modelVersion, rubric, feedback    *string
		pu, cl, ed, eff, rep, sh, overall        *float64
	)
	if v != nil {
		testsPassed = v.TestsPassed
		framework = &v.Framework
		numPassed, numFailed = &v.NumPassed, &v.NumFailed
		runtimeS = &v.RuntimeS
		containerImage = &v.ContainerImage
		if v.Log != nil {
			logURI = &v.Log.URI
		}
	}
	if j != nil {
		model, modelVersion = &j.Model, &j.ModelVersion
		rubric, feedback = &j.RubricVersion, &j.FeedbackSummary
		if j.Scores != nil {
			pu, cl = &j.Scores.ProblemUnderstanding, &j.Scores.CausalLinking
			ed, eff = &j.Scores.ExperimentDesign, &j.Scores.Efficiency
			rep, sh = &j.Scores.Reproducibility, &j.Scores.SafetyHygiene
			overall = &j.Scores.Overall
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE qa_results
		SET validation_tests_passed = $2, validation_framework = $3,
			validation_num_passed = $4, validation_num_failed = $5,
			validation_runtime_s = $6, validation_container_image = $7,
			validation_log_uri = $8,
			judge_model = $9, judge_model_version = $10,
			judge_rubric_version = $11, judge_feedback_summary = $12,
			score_problem_understanding = $13, score_causal_linking = $14,
			score_experiment_design = $15, score_efficiency = $16,
			score_reproducibility = $17, score_safety_hygiene = $18,
			score_overall = $19,
			error = $20, finished_at = $21
		WHERE trace_id = $1`,
		r.TraceID,
		testsPassed, framework, numPassed, numFailed, runtimeS, containerImage, logURI,
		model, modelVersion, rubric, feedback,
		pu, cl, ed, eff, rep, sh, overall,
		r.Error, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("finishing qa result for %s: %w", r.TraceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("qa result for %s: %w", r.TraceID, ErrQAResultNotFound)
	}
	return nil
}

// GetQAResult loads a trace's QA result.
func (s *Store) GetQAResult(ctx context.Context, traceID string) (*trace.QAResult, error) {
	var (
		r trace.QAResult

		testsPassed                           *bool
		framework, containerImage, logURI     *string
		numPassed, numFailed                  *int
		runtimeS                              *float64
		model, modelVersion, rubric, feedback *string
		pu, cl, ed, eff, rep, sh, overall     *float64
	)

	err := s.pool.QueryRow(ctx, `
		SELECT id, trace_id,
			validation_tests_passed, validation_framework,
			validation_num_passed, validation_num_failed,
			validation_runtime_s, validation_container_image, validation_log_uri,
			judge_model, judge_model_version, judge_rubric_version, judge_feedback_summary,
			score_problem_understanding, score_causal_linking, score_experiment_design,
			score_efficiency, score_reproducibility, score_safety_hygiene, score_overall,
			error, started_at, finished_at
		FROM qa_results
		WHERE trace_id = $1`, traceID).
		Scan(&r.ID, &r.TraceID,
			&testsPassed, &framework, &numPassed, &numFailed,
			&runtimeS, &containerImage, &logURI,
			&model, &modelVersion, &rubric, &feedback,
			&pu, &cl, &ed, &eff, &rep, &sh, &overall,
			&r.Error, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("qa result for %s: %w", traceID, ErrQAResultNotFound)
		}
		return nil, fmt.Errorf("loading qa result for %s: %w", traceID, err)
	}

	if framework != nil || testsPassed != nil || numPassed != nil {
		r.Validation = &trace.Validation{TestsPassed: testsPassed}
		if framework != nil {
			r.Validation.Framework = *framework
		}
		if numPassed != nil {
			r.Validation.NumPassed = *numPassed
		}
		if numFailed != nil {
			r.Validation.NumFailed = *numFailed
		}
		if runtimeS != nil {
			r.Validation.RuntimeS = *runtimeS
		}
		if containerImage != nil {
			r.Validation.ContainerImage = *containerImage
		}
		if logURI != nil {
			r.Validation.Log = &trace.BlobRef{URI: *logURI}
		}
	}
	if model != nil {
		r.Judge = &trace.Judge{Model: *model}
		if modelVersion != nil {
			r.Judge.ModelVersion = *modelVersion
		}
		if rubric != nil {
			r.Judge.RubricVersion = *rubric
		}
		if feedback != nil {
			r.Judge.FeedbackSummary = *feedback
		}
		if overall != nil {
			r.Judge.Scores = &trace.JudgeScores{
				ProblemUnderstanding: deref(pu),
				CausalLinking:        deref(cl),
				ExperimentDesign:     deref(ed),
				Efficiency:           deref(eff),
				Reproducibility:      deref(rep),
				SafetyHygiene:        deref(sh),
				Overall:              *overall,
			}
		}
	}
	return &r, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
