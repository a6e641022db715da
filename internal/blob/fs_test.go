package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSPutGet(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"events":[]}`)
	ref, err := s.Put(ctx, "traces", "trace-1/chunks/chunk_0000_c1.json", data)
	require.NoError(t, err)

	assert.Equal(t, "blob://traces/trace-1/chunks/chunk_0000_c1.json", ref.URI)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), ref.SHA256)
	assert.Equal(t, int64(len(data)), ref.SizeBytes)

	got, err := s.Get(ctx, ref.URI)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFSPutOverwrites(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Put(ctx, "traces", "k", []byte("first"))
	require.NoError(t, err)
	ref, err := s.Put(ctx, "traces", "k", []byte("second"))
	require.NoError(t, err)

	got, err := s.Get(ctx, ref.URI)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestFSGetMissing(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "blob://traces/absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSRejectsEscapingKey(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "traces", "../../etc/passwd", []byte("x"))
	assert.Error(t, err)
}

func TestParseURI(t *testing.T) {
	bucket, key, err := ParseURI("blob://artifacts/trace-1/a.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "artifacts", bucket)
	assert.Equal(t, "trace-1/a.tar.gz", key)

	bucket, key, err = ParseURI("artifacts/plain")
	require.NoError(t, err)
	assert.Equal(t, "artifacts", bucket)
	assert.Equal(t, "plain", key)

	_, _, err = ParseURI("blob://nokey")
	assert.Error(t, err)
}
