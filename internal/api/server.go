package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jianyq/pr-telemetry/internal/blob"
	"github.com/jianyq/pr-telemetry/internal/finalize"
	"github.com/jianyq/pr-telemetry/internal/ingest"
	"github.com/jianyq/pr-telemetry/internal/log"
	"github.com/jianyq/pr-telemetry/internal/qa"
	"github.com/jianyq/pr-telemetry/internal/store"
)

const idempotencyPurgeInterval = time.Hour

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger       log.Logger
	Store        *store.Store       // Required
	Blobs        blob.Store         // Required
	Ingest       *ingest.Pipeline   // Required
	Finalize     *finalize.Pipeline // Required
	QA           *qa.Orchestrator   // Optional: nil disables QA scheduling
	Pool         *pgxpool.Pool      // Optional: nil disables DB ping in /ready
	ServiceToken string             // Required
	IdemTTL      time.Duration      // 0 = default 24h
	TrustProxy   bool               // Trust X-Real-IP/X-Forwarded-For headers
	RateBurst    int                // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
// ctx controls the lifetime of background goroutines (idempotency purge).
func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.Ingest == nil || cfg.Finalize == nil {
		return nil, errors.New("ingest and finalize pipelines are required")
	}
	if cfg.ServiceToken == "" {
		return nil, errors.New("service token is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	idemTTL := cfg.IdemTTL
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}

	th := &traceHandler{
		store:        cfg.Store,
		blobs:        cfg.Blobs,
		ingest:       cfg.Ingest,
		finalize:     cfg.Finalize,
		qa:           cfg.QA,
		serviceToken: cfg.ServiceToken,
		idemTTL:      idemTTL,
		logger:       logger,
	}

	// Expired idempotency keys pile up otherwise. Goroutine exits when ctx
	// is canceled (server shutdown).
	go purgeIdempotencyLoop(ctx, cfg.Store, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/traces", th.createTrace)
	mux.HandleFunc("POST /api/v1/traces/{id}/chunks", th.ingestChunk)
	mux.HandleFunc("POST /api/v1/traces/{id}/complete", th.completeTrace)
	mux.HandleFunc("GET /api/v1/traces/{id}", th.getTrace)
	mux.HandleFunc("GET /api/v1/traces/{id}/qa", th.getQAResult)

	// Rate limiter: per-IP token bucket (10 tokens/sec refill, upload
	// clients send chunks in bursts)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(10.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → RateLimit → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Use a top-level mux to separate health probes from middleware stack
	topMux := http.NewServeMux()
	topMux.Handle("GET /health", health(logger))
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func purgeIdempotencyLoop(ctx context.Context, st *store.Store, logger log.Logger) {
	ticker := time.NewTicker(idempotencyPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PurgeExpiredIdempotencyKeys(ctx)
			if err != nil {
				logger.Warn("purging idempotency keys", "error", err)
			} else if n > 0 {
				logger.Info("purged expired idempotency keys", "count", n)
			}
		}
	}
}
