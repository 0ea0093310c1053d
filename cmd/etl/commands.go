package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/couchcryptid/er-occupancy-etl/internal/adapter/http"
	"github.com/couchcryptid/er-occupancy-etl/internal/pipeline"
)

func newServeCmd(envFiles *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled ingestion and backfill with health and metrics endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *envFiles)
		},
	}
}

func runServe(ctx context.Context, envFiles []string) error {
	a, err := newApp(ctx, envFiles)
	if err != nil {
		return err
	}
	defer a.Close()

	runner := pipeline.NewRunner(a.pipeline, a.backfill, pipeline.Schedule{
		FeedPath:      a.cfg.Feed.Path,
		IngestEvery:   a.cfg.Schedule.IngestInterval,
		BackfillEvery: a.cfg.Schedule.BackfillInterval,
	}, a.logger, a.metrics)
	srv := httpadapter.NewServer(a.cfg.HTTPAddr,
		httpadapter.AllReady(httpadapter.ReadinessFunc(a.store.Ping), runner), runner, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	a.logger.Info("shutdown complete")
	return err
}

func newIngestCmd(envFiles *[]string) *cobra.Command {
	var feedPath string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion cycle and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *envFiles)
			if err != nil {
				return err
			}
			defer a.Close()

			if feedPath == "" {
				feedPath = a.cfg.Feed.Path
			}
			rep, err := a.pipeline.RunIngestCycle(ctx, feedPath)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", feedPath, err)
			}
			return printJSON(struct {
				pipeline.CycleReport
				Summary pipeline.Summary `json:"summary"`
			}{rep, pipeline.Summarize(rep.Rows)})
		},
	}
	cmd.Flags().StringVar(&feedPath, "feed", "", "feed file to ingest (default FEED_PATH)")
	return cmd
}

func newBackfillCmd(envFiles *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Fill missing facility and state fields once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *envFiles)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.backfill.Run(ctx)
			if err != nil {
				return fmt.Errorf("backfill: %w", err)
			}
			return printJSON(sum)
		},
	}
}

func newMigrateCmd(envFiles *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the schema and seed the Québec regions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			_, logger, s, err := openStore(ctx, *envFiles)
			if err != nil {
				return err
			}
			defer s.Close()
			logger.Info("schema up to date", "driver", s.Driver())
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
