package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ArtifactInput is one artifact payload embedded in a chunk upload.
type ArtifactInput struct {
	// Type classifies the artifact (stdout, test_report, workspace_snapshot).
	Type string `json:"type"`
	// EventID optionally ties the artifact to one event.
	EventID string `json:"event_id,omitempty"`
	// Content is the exact bytes to store.
	Content []byte `json:"content"`
}

// NormalizeArtifacts converts the upload wire form, a map of name to
// payload, into typed inputs. A payload that is an object with a "content"
// field carries an explicit type tag and optional event id; anything else is
// stored as-is with the map key as its type. Entries are returned in key
// order so ingestion is deterministic.
func NormalizeArtifacts(raw map[string]json.RawMessage) ([]ArtifactInput, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inputs := make([]ArtifactInput, 0, len(raw))
	for _, key := range keys {
		data := raw[key]
		if len(data) == 0 || string(data) == "null" {
			continue
		}

		in, err := normalizeOne(key, data)
		if err != nil {
			return nil, fmt.Errorf("artifact %q: %w", key, err)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func normalizeOne(key string, data json.RawMessage) (ArtifactInput, error) {
	var tagged struct {
		Type    string          `json:"type"`
		EventID string          `json:"event_id"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &tagged); err == nil && len(tagged.Content) > 0 {
		in := ArtifactInput{Type: tagged.Type, EventID: tagged.EventID}
		if in.Type == "" {
			in.Type = key
		}
		in.Content = contentBytes(tagged.Content)
		return in, nil
	}

	// Untagged payload: the whole value is the content, typed by its key.
	return ArtifactInput{Type: key, Content: contentBytes(data)}, nil
}

// contentBytes stores JSON strings as their raw text and every other JSON
// value as its compact serialization.
func contentBytes(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return []byte(raw)
}
