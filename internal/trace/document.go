package trace

import "time"

// DocumentVersion tags the canonical document schema.
const DocumentVersion = "1.0"

// Document is the canonical finalized form of a trace: the complete event
// list in seq order, derived metrics, the integrity digest, and a QA block
// filled in later by the orchestrator. Produced exactly once per trace;
// subsequent reads are pure lookups.
type Document struct {
	TraceVersion string     `json:"trace_version"`
	TraceID      string     `json:"trace_id"`
	Session      Session    `json:"session"`
	Task         Task       `json:"task"`
	Repo         Repo       `json:"repo"`
	Events       []Event    `json:"events"`
	Artifacts    *Artifacts `json:"artifacts,omitempty"`
	Metrics      *Metrics   `json:"metrics,omitempty"`
	QA           *QA        `json:"qa,omitempty"`
	Integrity    *Integrity `json:"integrity,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Session describes the participant.
type Session struct {
	ParticipantID string       `json:"participant_id"`
	Role          string       `json:"role"`
	Consent       Consent      `json:"consent"`
	ClientClock   *ClientClock `json:"client_clock,omitempty"`
}

// RoleHumanDev is the only participant role currently collected.
const RoleHumanDev = "human_dev"

// Consent records what the participant agreed to have collected.
type Consent struct {
	Rationales bool `json:"rationales"`
	Commands   bool `json:"commands"`
	Snapshots  bool `json:"snapshots"`
}

// ClientClock captures the client's notion of time for later drift analysis.
type ClientClock struct {
	TZ         string  `json:"tz,omitempty"`
	StartUnixS float64 `json:"start_unix_s,omitempty"`
}

// Task describes the bug or task being worked on.
type Task struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	KnownFailingTests []string `json:"known_failing_tests,omitempty"`
}

// Repo describes the repository state at session start.
type Repo struct {
	Origin        string         `json:"origin"`
	Branch        string         `json:"branch,omitempty"`
	StartCommit   string         `json:"start_commit"`
	LanguageStats []LanguageStat `json:"language_stats,omitempty"`
}

// LanguageStat is one language's share of the repository.
type LanguageStat struct {
	Lang  string  `json:"lang"`
	Ratio float64 `json:"ratio"`
}

// Artifacts is the document's artifact block. Only the most recent workspace
// snapshot is promoted here; per-event artifacts stay referenced from their
// events.
type Artifacts struct {
	FinalWorkspaceSnapshot *BlobRef `json:"final_workspace_snapshot,omitempty"`
}

// Metrics are derived from the validated event sequence at finalization.
type Metrics struct {
	// DurationS is last event's client timestamp minus the first's.
	DurationS    float64 `json:"duration_s"`
	NumEvents    int     `json:"num_events"`
	NumEdits     int     `json:"num_edits"`
	NumCmds      int     `json:"num_cmds"`
	NumTestRuns  int     `json:"num_test_runs"`
	FilesTouched int     `json:"files_touched"`
}

// Integrity carries the tamper-evidence fields. EventHashChain is the digest
// accumulated in arrival order during ingestion. It is never recomputed from
// the document's seq-sorted event list; the two orderings may legitimately
// differ.
type Integrity struct {
	EventHashChain string `json:"event_hash_chain"`
	SchemaHash     string `json:"schema_hash,omitempty"`
}

// QA is the document's quality-assessment block, populated after
// finalization by the orchestrator.
type QA struct {
	Validation *Validation `json:"validation,omitempty"`
	Judge      *Judge      `json:"judge,omitempty"`
}

// Validation is the result of re-running the task's tests in a sandbox.
type Validation struct {
	TestsPassed    *bool    `json:"tests_passed,omitempty"`
	Framework      string   `json:"framework,omitempty"`
	NumPassed      int      `json:"num_passed"`
	NumFailed      int      `json:"num_failed"`
	RuntimeS       float64  `json:"runtime_s,omitempty"`
	ContainerImage string   `json:"container_image,omitempty"`
	Log            *BlobRef `json:"log,omitempty"`
}

// Judge is the LLM rubric assessment of the trace.
type Judge struct {
	Model           string       `json:"model"`
	ModelVersion    string       `json:"model_version,omitempty"`
	RubricVersion   string       `json:"rubric_version"`
	Scores          *JudgeScores `json:"scores,omitempty"`
	FeedbackSummary string       `json:"feedback_summary,omitempty"`
}

// JudgeScores are the rubric dimension scores, each 0 to 5, plus the
// weighted overall score.
type JudgeScores struct {
	ProblemUnderstanding float64 `json:"problem_understanding"`
	CausalLinking        float64 `json:"causal_linking"`
	ExperimentDesign     float64 `json:"experiment_design"`
	Efficiency           float64 `json:"efficiency"`
	Reproducibility      float64 `json:"reproducibility"`
	SafetyHygiene        float64 `json:"safety_hygiene"`
	Overall              float64 `json:"overall"`
}

// QAResult is the stored record of one QA run against a finalized trace.
type QAResult struct {
	ID         string
	TraceID    string
	Validation *Validation
	Judge      *Judge
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}
