package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jianyq/pr-telemetry/internal/log"
)

func TestWriteJSON(t *testing.T) {
	logger := log.NewNop()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]string{"trace_id": "trace-abc123def456"}, logger)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Length"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "trace-abc123def456", body["trace_id"])
}

func TestWriteJSONEncodingFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, func() {}, log.NewNop())

	// Header must not have been committed before the failure.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWriteRaw(t *testing.T) {
	raw := []byte(`{"status":"duplicate"}`)

	rec := httptest.NewRecorder()
	writeRaw(rec, http.StatusOK, raw, log.NewNop())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, string(raw), rec.Body.String())
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusConflict, "invalid_state", "cannot ingest into completed trace", log.NewNop())

	assert.Equal(t, http.StatusConflict, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_state", body.Error.Code)
	assert.Equal(t, "cannot ingest into completed trace", body.Error.Message)
}
