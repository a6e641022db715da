package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jianyq/pr-telemetry/internal/blob"
	"github.com/jianyq/pr-telemetry/internal/finalize"
	"github.com/jianyq/pr-telemetry/internal/ingest"
	"github.com/jianyq/pr-telemetry/internal/log"
	"github.com/jianyq/pr-telemetry/internal/qa"
	"github.com/jianyq/pr-telemetry/internal/store"
	"github.com/jianyq/pr-telemetry/internal/trace"
)

// maxRequestBody caps request payloads at 32 MB. Large artifacts should be
// chunked by the client.
const maxRequestBody = 32 << 20

// traceHandler serves the trace lifecycle endpoints.
type traceHandler struct {
	store        *store.Store
	blobs        blob.Store
	ingest       *ingest.Pipeline
	finalize     *finalize.Pipeline
	qa           *qa.Orchestrator
	serviceToken string
	idemTTL      time.Duration
	logger       log.Logger
}

type createTraceRequest struct {
	ParticipantID string `json:"participant_id"`
	TaskID        string `json:"task_id"`
	TaskTitle     string `json:"task_title"`
	RepoOrigin    string `json:"repo_origin"`
	StartCommit   string `json:"start_commit"`
}

type createTraceResponse struct {
	TraceID     string `json:"trace_id"`
	UploadToken string `json:"upload_token"`
}

type ingestChunkRequest struct {
	ChunkID   string                     `json:"chunk_id"`
	ChunkSeq  int                        `json:"chunk_seq"`
	Events    []trace.Event              `json:"events"`
	Artifacts map[string]json.RawMessage `json:"artifacts"`
}

type ingestChunkResponse struct {
	Status         string `json:"status"`
	ChunkID        string `json:"chunk_id"`
	EventsAdded    int    `json:"events_added"`
	ArtifactsAdded int    `json:"artifacts_added"`
	TotalEvents    int64  `json:"total_events"`
}

type completeTraceResponse struct {
	Status    string `json:"status"`
	TraceID   string `json:"trace_id"`
	FinalURI  string `json:"final_uri,omitempty"`
	NumEvents int    `json:"num_events"`
}

// requireServiceToken authenticates operator endpoints.
func (h *traceHandler) requireServiceToken(w http.ResponseWriter, r *http.Request) bool {
	token, ok := bearerToken(r)
	if !ok || !tokensEqual(token, h.serviceToken) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid service token", h.logger)
		return false
	}
	return true
}

// requireUploadToken authenticates trace-scoped upload endpoints and returns
// the trace on success.
func (h *traceHandler) requireUploadToken(w http.ResponseWriter, r *http.Request) (*trace.Trace, bool) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", h.logger)
		return nil, false
	}

	tr, err := h.store.GetTrace(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrTraceNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "trace not found", h.logger)
		} else {
			h.logger.Error("loading trace", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		}
		return nil, false
	}

	if !tokensEqual(token, tr.UploadToken) {
		writeError(w, http.StatusForbidden, "forbidden", "invalid upload token for this trace", h.logger)
		return nil, false
	}
	return tr, true
}

// createTrace handles POST /api/v1/traces.
func (h *traceHandler) createTrace(w http.ResponseWriter, r *http.Request) {
	if !h.requireServiceToken(w, r) {
		return
	}

	var req createTraceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), h.logger)
		return
	}
	if req.ParticipantID == "" || req.TaskID == "" || req.TaskTitle == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "participant_id, task_id, and task_title are required", h.logger)
		return
	}

	traceID, err := NewTraceID()
	if err != nil {
		h.logger.Error("creating trace", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not create trace", h.logger)
		return
	}
	token, err := NewUploadToken()
	if err != nil {
		h.logger.Error("creating trace", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not create trace", h.logger)
		return
	}

	err = h.store.CreateTrace(r.Context(), &trace.Trace{
		ID:            traceID,
		ParticipantID: req.ParticipantID,
		TaskID:        req.TaskID,
		TaskTitle:     req.TaskTitle,
		RepoOrigin:    req.RepoOrigin,
		StartCommit:   req.StartCommit,
		UploadToken:   token,
	})
	if err != nil {
		h.logger.Error("creating trace", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not create trace", h.logger)
		return
	}

	h.logger.Info("trace created", "trace_id", traceID, "task_id", req.TaskID)
	writeJSON(w, http.StatusCreated, createTraceResponse{TraceID: traceID, UploadToken: token}, h.logger)
}

// ingestChunk handles POST /api/v1/traces/{id}/chunks.
func (h *traceHandler) ingestChunk(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.requireUploadToken(w, r)
	if !ok {
		return
	}

	var req ingestChunkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), h.logger)
		return
	}
	if req.ChunkID == "" || req.ChunkSeq < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "chunk_id and non-negative chunk_seq are required", h.logger)
		return
	}

	h.withIdempotency(w, r, tr.ID, "ingest_chunk", func() (int, any) {
		artifacts, err := ingest.NormalizeArtifacts(req.Artifacts)
		if err != nil {
			return http.StatusBadRequest, errorBody{Error: errorDetail{Code: "bad_request", Message: err.Error()}}
		}

		result, err := h.ingest.Ingest(r.Context(), ingest.Request{
			TraceID:   tr.ID,
			ChunkID:   req.ChunkID,
			ChunkSeq:  req.ChunkSeq,
			Events:    req.Events,
			Artifacts: artifacts,
		})
		if err != nil {
			return h.ingestErrorResponse(tr.ID, req.ChunkID, err)
		}

		status := "success"
		if result.Duplicate {
			status = "duplicate"
		}
		return http.StatusOK, ingestChunkResponse{
			Status:         status,
			ChunkID:        result.ChunkID,
			EventsAdded:    result.EventsAdded,
			ArtifactsAdded: result.ArtifactsAdded,
			TotalEvents:    result.TotalEvents,
		}
	})
}

func (h *traceHandler) ingestErrorResponse(traceID, chunkID string, err error) (int, any) {
	switch {
	case errors.Is(err, store.ErrTraceNotFound):
		return http.StatusNotFound, errorBody{Error: errorDetail{Code: "not_found", Message: "trace not found"}}
	case errors.Is(err, ingest.ErrInvalidState):
		return http.StatusConflict, errorBody{Error: errorDetail{Code: "invalid_state", Message: "cannot ingest into completed trace"}}
	default:
		h.logger.Error("ingesting chunk", "trace_id", traceID, "chunk_id", chunkID, "error", err)
		return http.StatusInternalServerError, errorBody{Error: errorDetail{Code: "internal_error", Message: "ingestion failed"}}
	}
}

// completeTrace handles POST /api/v1/traces/{id}/complete: finalizes the
// trace and schedules QA.
func (h *traceHandler) completeTrace(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.requireUploadToken(w, r)
	if !ok {
		return
	}

	h.withIdempotency(w, r, tr.ID, "complete_trace", func() (int, any) {
		result, err := h.finalize.Finalize(r.Context(), tr.ID)
		if err != nil {
			switch {
			case errors.Is(err, finalize.ErrNoChunks):
				return http.StatusBadRequest, errorBody{Error: errorDetail{Code: "no_chunks", Message: "no chunks ingested for trace"}}
			case errors.Is(err, finalize.ErrDuplicateEventID):
				return http.StatusUnprocessableEntity, errorBody{Error: errorDetail{Code: "duplicate_event_id", Message: err.Error()}}
			case errors.Is(err, finalize.ErrOutOfOrder):
				return http.StatusUnprocessableEntity, errorBody{Error: errorDetail{Code: "out_of_order", Message: err.Error()}}
			default:
				h.logger.Error("finalizing trace", "trace_id", tr.ID, "error", err)
				return http.StatusInternalServerError, errorBody{Error: errorDetail{Code: "internal_error", Message: "finalization failed"}}
			}
		}

		if h.qa != nil {
			if err := h.qa.Enqueue(tr.ID); err != nil {
				h.logger.Warn("could not enqueue qa", "trace_id", tr.ID, "error", err)
			}
		}

		status := "success"
		if result.AlreadyCompleted {
			status = "already_completed"
		}
		return http.StatusOK, completeTraceResponse{
			Status:    status,
			TraceID:   result.TraceID,
			FinalURI:  result.FinalURI,
			NumEvents: result.NumEvents,
		}
	})
}

// getTrace handles GET /api/v1/traces/{id}: returns the finalized document
// with QA results merged in, or 202 with progress while still assembling.
func (h *traceHandler) getTrace(w http.ResponseWriter, r *http.Request) {
	if !h.requireServiceToken(w, r) {
		return
	}

	tr, err := h.store.GetTrace(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrTraceNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "trace not found", h.logger)
		} else {
			h.logger.Error("loading trace", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		}
		return
	}

	if tr.FinalTraceURI == "" {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":     tr.Status,
			"message":    "trace not yet finalized",
			"num_events": tr.NumEvents,
		}, h.logger)
		return
	}

	data, err := h.blobs.Get(r.Context(), tr.FinalTraceURI)
	if err != nil {
		h.logger.Error("loading document", "trace_id", tr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load trace document", h.logger)
		return
	}

	var doc trace.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		h.logger.Error("decoding document", "trace_id", tr.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not decode trace document", h.logger)
		return
	}

	if qaRes, err := h.store.GetQAResult(r.Context(), tr.ID); err == nil {
		doc.QA = &trace.QA{Validation: qaRes.Validation, Judge: qaRes.Judge}
	} else if !errors.Is(err, store.ErrQAResultNotFound) {
		h.logger.Warn("loading qa result", "trace_id", tr.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, doc, h.logger)
}

// getQAResult handles GET /api/v1/traces/{id}/qa.
func (h *traceHandler) getQAResult(w http.ResponseWriter, r *http.Request) {
	if !h.requireServiceToken(w, r) {
		return
	}

	traceID := r.PathValue("id")
	result, err := h.store.GetQAResult(r.Context(), traceID)
	if err != nil {
		if errors.Is(err, store.ErrQAResultNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no qa result for trace", h.logger)
		} else {
			h.logger.Error("loading qa result", "trace_id", traceID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"trace_id":    result.TraceID,
		"validation":  result.Validation,
		"judge":       result.Judge,
		"error":       result.Error,
		"started_at":  result.StartedAt,
		"finished_at": result.FinishedAt,
	}, h.logger)
}

// withIdempotency replays the stored response when the request carries a
// previously seen Idempotency-Key for this trace and endpoint; otherwise it
// runs fn and stores the outcome for future replays. This sits above chunk
// dedup and is purely an HTTP-level convenience.
func (h *traceHandler) withIdempotency(w http.ResponseWriter, r *http.Request, traceID, endpoint string, fn func() (int, any)) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		status, body := fn()
		writeJSON(w, status, body, h.logger)
		return
	}

	if rec, err := h.store.GetIdempotencyRecord(r.Context(), key, traceID, endpoint); err == nil {
		h.logger.Info("replaying idempotent response", "trace_id", traceID, "endpoint", endpoint)
		writeRaw(w, rec.ResponseStatus, rec.ResponseBody, h.logger)
		return
	} else if !errors.Is(err, store.ErrIdempotencyKeyNotFound) {
		h.logger.Error("idempotency lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	status, body := fn()

	raw, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("encoding response for replay", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	// Only successful outcomes are replayable; a failed attempt must stay
	// retryable under the same key.
	if status < 400 {
		err := h.store.PutIdempotencyRecord(r.Context(), &store.IdempotencyRecord{
			Key:            key,
			TraceID:        traceID,
			Endpoint:       endpoint,
			ResponseStatus: status,
			ResponseBody:   raw,
			ExpiresAt:      time.Now().Add(h.idemTTL),
		})
		if err != nil {
			h.logger.Warn("storing idempotency record", "error", err)
		}
	}
	writeRaw(w, status, raw, h.logger)
}

// decodeJSON decodes a request body with a size cap and strict field
// checking.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
