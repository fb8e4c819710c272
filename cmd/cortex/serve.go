package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/cortex/internal/agent"
	"github.com/haasonsaas/cortex/internal/agent/providers"
	"github.com/haasonsaas/cortex/internal/audit"
	"github.com/haasonsaas/cortex/internal/config"
	"github.com/haasonsaas/cortex/internal/embeddings"
	"github.com/haasonsaas/cortex/internal/ingest"
	"github.com/haasonsaas/cortex/internal/jobs"
	"github.com/haasonsaas/cortex/internal/passages"
	"github.com/haasonsaas/cortex/internal/server"
	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/internal/vector"
	"github.com/haasonsaas/cortex/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cortex HTTP server",
		Long: `Start the cortex HTTP server.

The server opens the relational database (PostgreSQL when PG_URI is set,
embedded SQLite otherwise), runs pending migrations, bootstraps the default
organization and admin user, and serves the v1 API with SSE streaming for
agent turns. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(debug)
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := slog.Default().With("component", "serve")

	db, err := storage.Open(storage.Config{
		PostgresURI:     cfg.PostgresURI,
		SQLitePath:      cfg.SQLitePath,
		MaxOpenConns:    cfg.PoolSize + cfg.PoolOverflow,
		MaxIdleConns:    cfg.PoolSize,
		ConnMaxLifetime: cfg.PoolRecycle,
		ConnectTimeout:  cfg.PoolTimeout,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	actor, err := db.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	embedFactory := func(ec models.EmbeddingConfig) (embeddings.Provider, error) {
		return embeddings.New(ec, embeddings.Config{
			APIKey:  cfg.EmbeddingAPIKey,
			BaseURL: cfg.EmbeddingAPIBase,
		})
	}
	pm := passages.NewManager(db, vector.NewSQLStore(db), embedFactory)
	jm := jobs.NewManager(db)

	llmFactory := func(lc models.LLMConfig) (agent.LLMProvider, error) {
		return providers.New(lc, providers.Credentials{
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMAPIBase,
		})
	}
	runner := agent.NewRunner(db, pm, jm, agent.NewRegistry(), llmFactory,
		agent.WithMaxSteps(cfg.MaxStepsPerTurn),
		agent.WithTurnTimeout(cfg.TurnDeadline),
		agent.WithTokenCounter(ingest.NewTiktokenCounter()))

	pipeline, err := audit.NewPipeline(audit.Config{Dir: cfg.AuditDir}, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("open audit pipeline: %w", err)
	}
	defer pipeline.Close()

	ingestor := ingest.NewIngestor(db, pm, jm, ingest.DefaultChunkConfig(), ingest.NewTiktokenCounter()).
		WithAudit(pipeline)

	srv := server.New(cfg.ListenAddr, server.Deps{
		DB:           db,
		Passages:     pm,
		Jobs:         jm,
		Runner:       runner,
		Ingestor:     ingestor,
		Audit:        pipeline,
		DefaultActor: actor,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
