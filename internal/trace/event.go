package trace

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the five event variants.
type EventType string

const (
	EventFileEdit      EventType = "file_edit"
	EventCmdRun        EventType = "cmd_run"
	EventTestRun       EventType = "test_run"
	EventCommit        EventType = "commit"
	EventRationaleNote EventType = "rationale_note"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventFileEdit, EventCmdRun, EventTestRun, EventCommit, EventRationaleNote:
		return true
	}
	return false
}

// Event is one recorded developer action. The wire form is flat: the common
// fields and the variant payload's fields live in a single JSON object with a
// "type" discriminator, matching the canonical document format. Events are
// immutable once accepted; Seq is the sole ordering key across the trace,
// independent of which chunk transported the event.
type Event struct {
	// ID is globally unique within a trace.
	ID string
	// Seq is the client-assigned, non-negative ordering key.
	Seq int64
	// TSClientS is the client-observed Unix timestamp in seconds.
	TSClientS float64
	// TSServerS is stamped at ingestion time, never by the client. Zero
	// means "not yet ingested" and is omitted from JSON.
	TSServerS float64
	// Payload carries the variant-specific fields.
	Payload Payload
}

// Payload is implemented by the five event variant types.
type Payload interface {
	EventType() EventType
}

// Type returns the event's discriminator, or "" if no payload is attached.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Validate checks the invariants every accepted event must satisfy.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if e.Seq < 0 {
		return fmt.Errorf("event %s: negative seq %d", e.ID, e.Seq)
	}
	if e.Payload == nil {
		return fmt.Errorf("event %s: missing type", e.ID)
	}
	if !e.Type().Valid() {
		return fmt.Errorf("event %s: unknown type %q", e.ID, e.Type())
	}
	return nil
}

// MarshalJSON emits the flat wire form. The variant payload is marshalled
// first and the common fields merged on top, so the result is a single
// object. Serializing through a map keeps key order deterministic, which the
// hash chain depends on.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s: no payload", e.ID)
	}

	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s payload: %w", e.Type(), err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("flattening %s payload: %w", e.Type(), err)
	}

	fields["id"] = e.ID
	fields["seq"] = e.Seq
	fields["ts_client_s"] = e.TSClientS
	if e.TSServerS != 0 {
		fields["ts_server_s"] = e.TSServerS
	}
	fields["type"] = string(e.Type())

	return json.Marshal(fields)
}

// UnmarshalJSON decodes the flat wire form, routing on the "type" field.
func (e *Event) UnmarshalJSON(data []byte) error {
	var envelope struct {
		ID        string    `json:"id"`
		Seq       int64     `json:"seq"`
		TSClientS float64   `json:"ts_client_s"`
		TSServerS float64   `json:"ts_server_s"`
		Type      EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decoding event envelope: %w", err)
	}

	var payload Payload
	switch envelope.Type {
	case EventFileEdit:
		payload = &FileEdit{}
	case EventCmdRun:
		payload = &CmdRun{}
	case EventTestRun:
		payload = &TestRun{}
	case EventCommit:
		payload = &Commit{}
	case EventRationaleNote:
		payload = &RationaleNote{}
	default:
		return fmt.Errorf("event %s: unknown type %q", envelope.ID, envelope.Type)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return fmt.Errorf("decoding %s payload: %w", envelope.Type, err)
	}

	e.ID = envelope.ID
	e.Seq = envelope.Seq
	e.TSClientS = envelope.TSClientS
	e.TSServerS = envelope.TSServerS
	e.Payload = payload
	return nil
}

// FileEdit records a change to one file.
type FileEdit struct {
	FilePath         string `json:"file_path"`
	Language         string `json:"language,omitempty"`
	DiffUnified      string `json:"diff_unified"`
	BufferHashBefore string `json:"buffer_hash_before,omitempty"`
	BufferHashAfter  string `json:"buffer_hash_after"`
	EditBytes        int64  `json:"edit_bytes,omitempty"`
}

func (*FileEdit) EventType() EventType { return EventFileEdit }

// CmdRun records a shell command execution.
type CmdRun struct {
	Cmd         string   `json:"cmd"`
	Cwd         string   `json:"cwd,omitempty"`
	EnvRedacted bool     `json:"env_redacted,omitempty"`
	ExitCode    int      `json:"exit_code"`
	StdoutRef   *BlobRef `json:"stdout_ref,omitempty"`
	StderrRef   *BlobRef `json:"stderr_ref,omitempty"`
}

func (*CmdRun) EventType() EventType { return EventCmdRun }

// TestRun records one test suite execution.
type TestRun struct {
	Framework   string   `json:"framework"`
	Selection   string   `json:"selection,omitempty"`
	NumPassed   int      `json:"num_passed"`
	NumFailed   int      `json:"num_failed"`
	FailedTests []string `json:"failed_tests,omitempty"`
	ReportRef   *BlobRef `json:"report_ref,omitempty"`
}

func (*TestRun) EventType() EventType { return EventTestRun }

// Commit records a git commit.
type Commit struct {
	SHA         string `json:"sha"`
	ParentSHA   string `json:"parent_sha,omitempty"`
	Message     string `json:"message"`
	DiffUnified string `json:"diff_unified,omitempty"`
}

func (*Commit) EventType() EventType { return EventCommit }

// Rationale holds the structured fields of a reasoning note.
type Rationale struct {
	Plan        string `json:"plan,omitempty"`
	Hypothesis  string `json:"hypothesis,omitempty"`
	Observation string `json:"observation,omitempty"`
	Decision    string `json:"decision,omitempty"`
	NextStep    string `json:"next_step,omitempty"`
}

// RationaleNote records the developer's reasoning, structured or freeform.
type RationaleNote struct {
	Structured *Rationale `json:"structured,omitempty"`
	Freeform   string     `json:"freeform,omitempty"`
}

func (*RationaleNote) EventType() EventType { return EventRationaleNote }
