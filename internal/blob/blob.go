// Package blob is the durable payload store for raw chunks, artifacts, and
// finalized documents. Callers address content by bucket and key; the store
// returns a reference carrying the URI, the SHA-256 of the exact bytes
// stored, and the size. The content hash is computed here, independent of
// any backend, so references stay verifiable regardless of where the bytes
// live.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jianyq/pr-telemetry/internal/trace"
)

// Scheme prefixes every URI this store issues.
const Scheme = "blob://"

// ErrNotFound is returned by Get when no object exists at the URI.
var ErrNotFound = errors.New("blob not found")

// Store persists and retrieves opaque payloads.
//
// Put must be atomic per key: a reader never observes a partially written
// object. Writing the same key twice replaces the object, which is what
// makes a retried chunk upload safe after a rolled-back transaction.
type Store interface {
	Put(ctx context.Context, bucket, key string, data []byte) (trace.BlobRef, error)
	Get(ctx context.Context, uri string) ([]byte, error)
}

// ParseURI splits a blob URI into bucket and key. A bare "bucket/key" form
// without the scheme is accepted too.
func ParseURI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(uri, Scheme)
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed blob URI %q", uri)
	}
	return bucket, key, nil
}

// URI builds the canonical URI for a bucket and key.
func URI(bucket, key string) string {
	return Scheme + bucket + "/" + key
}
