// Package hashchain computes the tamper-evident HMAC chain over a trace's
// event history.
//
// Each event is serialized to a canonical byte form (recursively sorted JSON
// keys, compact separators) and chained with the previous digest:
//
//	digest = HMAC-SHA256(secret, prev + ":" + canonical(event))
//
// or, for the first event, over the canonical bytes alone. The same logical
// event therefore always produces the same digest on any machine, and
// mutating or reordering any historical event changes the final digest.
//
// The chain is used two ways: incrementally during ingestion (one event at a
// time, carrying the trace's running digest forward) and in bulk during audit
// (re-deriving the final digest from the stored raw chunks). Both forms must
// agree, which is why canonicalization lives here and nowhere else.
package hashchain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// MinSecretLen is the minimum accepted HMAC secret length in bytes.
const MinSecretLen = 32

// Chain computes HMAC-SHA256 chain digests with an injected secret.
//
// The secret comes from process configuration, never a compiled-in constant.
// Key rotation is deliberately unsupported: verifying a trace chained under a
// retired secret requires that secret, and no rotation scheme is defined.
type Chain struct {
	secret []byte
}

// New creates a Chain with the given secret.
func New(secret []byte) (*Chain, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("hash chain secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	return &Chain{secret: secret}, nil
}

// Extend computes the next chain digest from the previous digest and one
// event. prev is "" for the first event in a trace. Pure function: the only
// failure mode is a serialization error, which indicates malformed input
// upstream and is never retryable.
func (c *Chain) Extend(prev string, event any) (string, error) {
	canon, err := Canonical(event)
	if err != nil {
		return "", err
	}

	var msg []byte
	if prev != "" {
		msg = make([]byte, 0, len(prev)+1+len(canon))
		msg = append(msg, prev...)
		msg = append(msg, ':')
		msg = append(msg, canon...)
	} else {
		msg = canon
	}

	h := hmac.New(sha256.New, c.secret)
	h.Write(msg)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Compute folds Extend over events in the order given, starting from no
// previous digest. Returns "" for an empty sequence. Used for bulk
// verification against a stored trace's final digest.
func (c *Chain) Compute(events []any) (string, error) {
	digest := ""
	for i, ev := range events {
		next, err := c.Extend(digest, ev)
		if err != nil {
			return "", fmt.Errorf("chaining event %d: %w", i, err)
		}
		digest = next
	}
	return digest, nil
}

// Canonical serializes v to deterministic JSON: object keys recursively
// sorted, no insignificant whitespace. Achieved by marshalling, re-decoding
// into generic values, and marshalling again: encoding/json emits map keys
// in sorted order, which fixes field order regardless of struct layout.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serializing event: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalizing event: %w", err)
	}

	canon, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing event: %w", err)
	}
	return canon, nil
}
