//go:build integration

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jianyq/pr-telemetry/internal/api"
	"github.com/jianyq/pr-telemetry/internal/blob"
	"github.com/jianyq/pr-telemetry/internal/finalize"
	"github.com/jianyq/pr-telemetry/internal/hashchain"
	"github.com/jianyq/pr-telemetry/internal/ingest"
	"github.com/jianyq/pr-telemetry/internal/log"
	"github.com/jianyq/pr-telemetry/internal/store"
	"github.com/jianyq/pr-telemetry/internal/testutil"
)

const serviceToken = "test-service-token"

func setupServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	db, dbCleanup := testutil.SetupTestDB(t)

	st, err := store.New(db.Pool, log.NewNop())
	require.NoError(t, err)

	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	chain, err := hashchain.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	ip, err := ingest.New(st, blobs, chain, log.NewNop())
	require.NoError(t, err)
	fp, err := finalize.New(st, blobs, log.NewNop())
	require.NoError(t, err)

	srv, err := api.NewServer(ctx, api.ServerConfig{
		Logger:       log.NewNop(),
		Store:        st,
		Blobs:        blobs,
		Ingest:       ip,
		Finalize:     fp,
		Pool:         db.Pool,
		ServiceToken: serviceToken,
		RateBurst:    1000,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	cleanup := func() {
		ts.Close()
		cancel()
		dbCleanup()
	}
	return ts, cleanup
}

func doJSON(t *testing.T, method, url, token string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func chunkBody(chunkID string, chunkSeq int, seqs ...int) map[string]any {
	events := make([]map[string]any, 0, len(seqs))
	for _, s := range seqs {
		events = append(events, map[string]any{
			"id":           fmt.Sprintf("ev-%d", s),
			"seq":          s,
			"ts_client_s":  100.0 + float64(s),
			"type":         "file_edit",
			"file_path":    "main.go",
			"diff_unified": "+x",
		})
	}
	return map[string]any{"chunk_id": chunkID, "chunk_seq": chunkSeq, "events": events}
}

func TestTraceLifecycle(t *testing.T) {
	ts, cleanup := setupServer(t)
	defer cleanup()

	// Create.
	resp, body := doJSON(t, "POST", ts.URL+"/api/v1/traces", serviceToken, map[string]any{
		"participant_id": "p-001",
		"task_id":        "task-1",
		"task_title":     "Fix off-by-one in pager",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	traceID := body["trace_id"].(string)
	uploadToken := body["upload_token"].(string)
	require.NotEmpty(t, traceID)
	require.NotEmpty(t, uploadToken)

	traceURL := ts.URL + "/api/v1/traces/" + traceID

	// Unfinalized read reports progress.
	resp, body = doJSON(t, "GET", traceURL, serviceToken, nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "created", body["status"])

	// Upload two chunks, event seq order crossing chunk boundaries.
	resp, body = doJSON(t, "POST", traceURL+"/chunks", uploadToken, chunkBody("c0", 0, 2, 3), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])

	resp, body = doJSON(t, "POST", traceURL+"/chunks", uploadToken, chunkBody("c1", 1, 0, 1), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), body["total_events"])

	// Retransmitting an uploaded chunk is acknowledged, not re-processed.
	resp, body = doJSON(t, "POST", traceURL+"/chunks", uploadToken, chunkBody("c0", 0, 2, 3), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", body["status"])
	assert.Equal(t, float64(4), body["total_events"])

	// Complete.
	resp, body = doJSON(t, "POST", traceURL+"/complete", uploadToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(4), body["num_events"])

	// Completing again is a no-op.
	resp, body = doJSON(t, "POST", traceURL+"/complete", uploadToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "already_completed", body["status"])

	// Late chunks are rejected.
	resp, _ = doJSON(t, "POST", traceURL+"/chunks", uploadToken, chunkBody("c9", 9, 10), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The final document comes back in seq order.
	resp, body = doJSON(t, "GET", traceURL, serviceToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, traceID, body["trace_id"])
	events := body["events"].([]any)
	require.Len(t, events, 4)
	for i, raw := range events {
		ev := raw.(map[string]any)
		assert.Equal(t, float64(i), ev["seq"])
	}
	integrity := body["integrity"].(map[string]any)
	assert.NotEmpty(t, integrity["event_hash_chain"])
}

func TestAuthBoundaries(t *testing.T) {
	ts, cleanup := setupServer(t)
	defer cleanup()

	// No service token.
	req, err := http.NewRequest("POST", ts.URL+"/api/v1/traces", bytes.NewBufferString("{}"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Create a trace properly, then try uploading with the wrong token.
	resp2, body := doJSON(t, "POST", ts.URL+"/api/v1/traces", serviceToken, map[string]any{
		"participant_id": "p-001",
		"task_id":        "task-1",
		"task_title":     "t",
	}, nil)
	require.Equal(t, http.StatusCreated, resp2.StatusCode)
	traceID := body["trace_id"].(string)

	resp2, _ = doJSON(t, "POST", ts.URL+"/api/v1/traces/"+traceID+"/chunks", "wrong-token", chunkBody("c0", 0, 0), nil)
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)

	// Unknown trace.
	resp2, _ = doJSON(t, "POST", ts.URL+"/api/v1/traces/trace-000000000000/chunks", "any", chunkBody("c0", 0, 0), nil)
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestIdempotencyKeyReplay(t *testing.T) {
	ts, cleanup := setupServer(t)
	defer cleanup()

	resp, body := doJSON(t, "POST", ts.URL+"/api/v1/traces", serviceToken, map[string]any{
		"participant_id": "p-001",
		"task_id":        "task-1",
		"task_title":     "t",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	traceID := body["trace_id"].(string)
	uploadToken := body["upload_token"].(string)

	headers := map[string]string{"Idempotency-Key": "client-retry-1"}
	url := ts.URL + "/api/v1/traces/" + traceID + "/chunks"

	resp, _ = doJSON(t, "POST", url, uploadToken, chunkBody("c0", 0, 0, 1), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, keyed := doJSON(t, "POST", url, uploadToken, chunkBody("c1", 1, 2), headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", keyed["status"])

	// The same key replays the stored response even for a different body.
	resp, replayed := doJSON(t, "POST", url, uploadToken, chunkBody("c2", 2, 3), headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, keyed, replayed)

	// The chunk from the replayed request was never ingested.
	resp, status := doJSON(t, "GET", ts.URL+"/api/v1/traces/"+traceID, serviceToken, nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(3), status["num_events"])
}

func TestHealthEndpoints(t *testing.T) {
	ts, cleanup := setupServer(t)
	defer cleanup()

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
