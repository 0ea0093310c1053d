package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/backfill"
	"github.com/couchcryptid/er-occupancy-etl/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Ingester runs one ingestion cycle.
type Ingester interface {
	RunIngestCycle(ctx context.Context, feedPath string) (CycleReport, error)
}

// Backfiller runs one null backfill.
type Backfiller interface {
	Run(ctx context.Context) (backfill.Summary, error)
}

// Schedule sets how often the runner ingests and backfills.
type Schedule struct {
	FeedPath      string
	IngestEvery   time.Duration
	BackfillEvery time.Duration
	Clock         clockwork.Clock
}

// Runner drives ingestion and backfill on a fixed schedule.
type Runner struct {
	ingester   Ingester
	backfiller Backfiller
	schedule   Schedule
	logger     *slog.Logger
	metrics    *observability.Metrics
	ready      atomic.Bool
	last       atomic.Pointer[CycleStatus]
}

// NewRunner creates a Runner. Zero intervals default to hourly ingestion and
// daily backfill.
func NewRunner(i Ingester, b Backfiller, schedule Schedule, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	if schedule.IngestEvery <= 0 {
		schedule.IngestEvery = time.Hour
	}
	if schedule.BackfillEvery <= 0 {
		schedule.BackfillEvery = 24 * time.Hour
	}
	if schedule.Clock == nil {
		schedule.Clock = clockwork.NewRealClock()
	}
	return &Runner{
		ingester:   i,
		backfiller: b,
		schedule:   schedule,
		logger:     logger,
		metrics:    metrics,
	}
}

// CheckReadiness returns nil once a cycle has completed successfully, or an
// error describing why the service is not yet ready.
func (r *Runner) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return errors.New("no ingestion cycle has completed yet")
	}
	return nil
}

// LastCycle returns the status of the most recent ingestion cycle, failed
// ones included. ok is false until the first cycle finishes.
func (r *Runner) LastCycle() (st CycleStatus, ok bool) {
	if p := r.last.Load(); p != nil {
		return *p, true
	}
	return CycleStatus{}, false
}

// Run backfills and ingests once, then on every tick until ctx is cancelled.
// Failed runs are logged and retried at the next tick.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started",
		"feed_path", r.schedule.FeedPath,
		"ingest_every", r.schedule.IngestEvery,
		"backfill_every", r.schedule.BackfillEvery,
	)
	r.metrics.PipelineRunning.Set(1)
	defer r.metrics.PipelineRunning.Set(0)

	r.backfill(ctx)
	r.ingest(ctx)

	ingestTick := r.schedule.Clock.NewTicker(r.schedule.IngestEvery)
	defer ingestTick.Stop()
	backfillTick := r.schedule.Clock.NewTicker(r.schedule.BackfillEvery)
	defer backfillTick.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopping", "reason", ctx.Err())
			return nil
		case <-ingestTick.Chan():
			r.ingest(ctx)
		case <-backfillTick.Chan():
			r.backfill(ctx)
		}
	}
}

func (r *Runner) ingest(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	rep, err := r.ingester.RunIngestCycle(ctx, r.schedule.FeedPath)
	st := StatusOf(rep, err)
	r.last.Store(&st)
	if err != nil {
		r.logger.Error("ingestion cycle failed", "error", err)
		return
	}
	r.ready.Store(true)
}

func (r *Runner) backfill(ctx context.Context) {
	if ctx.Err() != nil || r.backfiller == nil {
		return
	}
	if _, err := r.backfiller.Run(ctx); err != nil {
		r.logger.Error("backfill failed", "error", err)
	}
}
