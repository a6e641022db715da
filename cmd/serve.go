package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jianyq/pr-telemetry/db"
	"github.com/jianyq/pr-telemetry/internal/api"
	"github.com/jianyq/pr-telemetry/internal/blob"
	"github.com/jianyq/pr-telemetry/internal/config"
	"github.com/jianyq/pr-telemetry/internal/finalize"
	"github.com/jianyq/pr-telemetry/internal/hashchain"
	"github.com/jianyq/pr-telemetry/internal/ingest"
	"github.com/jianyq/pr-telemetry/internal/log"
	"github.com/jianyq/pr-telemetry/internal/qa"
	"github.com/jianyq/pr-telemetry/internal/store"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 60 * time.Second // chunk uploads can be large
	writeTimeout      = 60 * time.Second
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the trace collection HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// parseRateBurst reads PRT_RATE_BURST from the environment.
// Returns 0 (use default) if unset or invalid.
func parseRateBurst() int {
	v := os.Getenv("PRT_RATE_BURST")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(cfg)
	logger.Info("starting trace collection server", "version", Version)

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	st, err := store.New(pool, logger)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}

	blobs, err := blob.NewFS(cfg.BlobRoot)
	if err != nil {
		return fmt.Errorf("creating blob store: %w", err)
	}

	chain, err := hashchain.New([]byte(cfg.HMACSecret))
	if err != nil {
		return fmt.Errorf("creating hash chain: %w", err)
	}

	ingestPipeline, err := ingest.New(st, blobs, chain, logger)
	if err != nil {
		return fmt.Errorf("creating ingest pipeline: %w", err)
	}

	finalizePipeline, err := finalize.New(st, blobs, logger)
	if err != nil {
		return fmt.Errorf("creating finalize pipeline: %w", err)
	}

	judge, err := provideJudge(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating judge: %w", err)
	}

	orchestrator, err := qa.New(st, blobs, nil, judge, logger)
	if err != nil {
		return fmt.Errorf("creating qa orchestrator: %w", err)
	}
	orchestrator.Start(ctx, cfg.QAWorkers)
	defer orchestrator.Stop()

	apiServer, err := api.NewServer(ctx, api.ServerConfig{
		Logger:       logger,
		Store:        st,
		Blobs:        blobs,
		Ingest:       ingestPipeline,
		Finalize:     finalizePipeline,
		QA:           orchestrator,
		Pool:         pool,
		ServiceToken: cfg.ServiceToken,
		IdemTTL:      cfg.IdempotencyTTL,
		TrustProxy:   os.Getenv("PRT_TRUST_PROXY") == "true",
		RateBurst:    parseRateBurst(),
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", cfg.ListenAddr,
		"api", "/api/v1/*",
		"health", "/health, /ready",
		"qa_workers", cfg.QAWorkers,
		"judge_enabled", cfg.JudgeEnabled(),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// provideJudge returns the LLM judge when an API key is configured, the mock
// otherwise. The mock keeps local development and tests independent of any
// provider account.
func provideJudge(ctx context.Context, cfg *config.Config, logger log.Logger) (qa.Judge, error) {
	if !cfg.JudgeEnabled() {
		logger.Warn("no Gemini API key configured, using mock judge")
		return qa.MockJudge{}, nil
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: cfg.GeminiAPIKey}))
	if g == nil {
		return nil, errors.New("initializing genkit with gemini provider")
	}
	logger.Info("initialized LLM judge", "model", cfg.JudgeModel)
	return qa.NewLLMJudge(g, cfg.JudgeModel)
}
