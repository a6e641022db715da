package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/jianyq/pr-telemetry/internal/trace"
)

// lockRetry is the poll interval while waiting on a contended object lock.
const lockRetry = 25 * time.Millisecond

// FS is a filesystem-backed Store rooted at a directory, one subdirectory
// per bucket. Writes go to a temp file and rename into place, guarded by an
// flock sidecar so concurrent processes sharing the root never interleave
// writes to the same key.
type FS struct {
	root string
}

// NewFS creates the root directory if needed and returns a store over it.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	return &FS{root: root}, nil
}

func (s *FS) objectPath(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("bucket and key required")
	}
	// Keys contain forward slashes by design (trace id prefixes); reject
	// anything that would escape the root.
	clean := filepath.Join(s.root, bucket, filepath.FromSlash(key))
	if !strings.HasPrefix(clean, filepath.Clean(s.root)+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes store root", key)
	}
	return clean, nil
}

// Put writes data under bucket/key and returns its reference.
func (s *FS) Put(ctx context.Context, bucket, key string, data []byte) (trace.BlobRef, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return trace.BlobRef{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return trace.BlobRef{}, fmt.Errorf("creating object directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return trace.BlobRef{}, fmt.Errorf("locking %s: %w", key, err)
	}
	if !locked {
		return trace.BlobRef{}, fmt.Errorf("locking %s: not acquired", key)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return trace.BlobRef{}, fmt.Errorf("creating temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return trace.BlobRef{}, fmt.Errorf("writing object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return trace.BlobRef{}, fmt.Errorf("closing object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return trace.BlobRef{}, fmt.Errorf("committing object: %w", err)
	}

	sum := sha256.Sum256(data)
	return trace.BlobRef{
		URI:       URI(bucket, key),
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
	}, nil
}

// Get reads the object at uri. Returns ErrNotFound if it does not exist.
func (s *FS) Get(_ context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", uri, err)
	}
	return data, nil
}
