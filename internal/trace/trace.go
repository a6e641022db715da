// Package trace defines the domain types for trace assembly: the trace
// record under construction, its uploaded chunks and artifacts, the
// polymorphic event union, and the finalized canonical document.
package trace

import "time"

// Status is the lifecycle state of a trace.
type Status string

const (
	// StatusCreated is the initial state after trace creation.
	StatusCreated Status = "created"
	// StatusIngesting is entered on the first successful chunk upload and
	// kept while further chunks arrive.
	StatusIngesting Status = "ingesting"
	// StatusCompleted is set exactly once by finalization. No transition
	// leaves it except forward into the QA states; ingestion is rejected.
	StatusCompleted Status = "completed"
	// StatusValidating is set by the QA orchestrator while tests and the
	// judge run.
	StatusValidating Status = "validating"
	// StatusValidated is the terminal success state after QA.
	StatusValidated Status = "validated"
	// StatusFailed is the terminal state when QA errors out.
	StatusFailed Status = "failed"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusIngesting, StatusCompleted, StatusValidating, StatusValidated, StatusFailed:
		return true
	}
	return false
}

// Trace is a debugging session under assembly.
//
// LastSeq and EventHashChain are the trace's running summary of every event
// seen so far, in arrival order. They are only ever mutated inside a
// per-trace transactional boundary (see store.Tx), which is what keeps the
// chain's read-modify-write atomic under concurrent chunk uploads.
type Trace struct {
	ID     string
	Status Status

	ParticipantID string
	TaskID        string
	TaskTitle     string
	RepoOrigin    string
	StartCommit   string

	// UploadToken authorizes chunk uploads and finalization for this trace.
	UploadToken string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	// NumEvents is the cumulative event count across all ingested chunks.
	NumEvents int64
	// LastSeq is the highest event seq observed so far; -1 means none.
	LastSeq int64
	// EventHashChain is the running chain digest ("" before the first event).
	EventHashChain string
	// FinalTraceURI points at the canonical document once finalized.
	FinalTraceURI string
}

// Chunk is one atomically-uploaded batch of events. The chunk ID is supplied
// by the caller, unique across the whole system, and is the unit of
// ingestion idempotency. ChunkSeq records upload order, which is independent
// of the events' own seq ordering. Chunks are immutable once stored.
type Chunk struct {
	ID         string
	TraceID    string
	ChunkSeq   int
	StorageURI string
	NumEvents  int
	ReceivedAt time.Time
}

// ArtifactTypeWorkspaceSnapshot tags the workspace tarball that finalization
// attaches as the document's terminal artifact.
const ArtifactTypeWorkspaceSnapshot = "workspace_snapshot"

// Artifact is a stored blob (log, report, snapshot) owned by a trace and
// optionally tied to a specific event.
type Artifact struct {
	ID         string
	TraceID    string
	Type       string
	StorageURI string
	SHA256     string
	SizeBytes  int64
	EventID    string // optional: the event this artifact belongs to
	CreatedAt  time.Time
}

// BlobRef is a reference to a stored blob: its URI, the SHA-256 of the exact
// bytes stored, and the byte size.
type BlobRef struct {
	URI       string `json:"uri"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}
