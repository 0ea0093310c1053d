// Package pipeline runs ingestion cycles: read the feed, validate and coerce
// its rows, then resolve and archive each row in its own transaction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/archival"
	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/couchcryptid/er-occupancy-etl/internal/feed"
	"github.com/couchcryptid/er-occupancy-etl/internal/observability"
	"github.com/couchcryptid/er-occupancy-etl/internal/resolver"
	"github.com/couchcryptid/er-occupancy-etl/internal/store"
	"github.com/couchcryptid/er-occupancy-etl/internal/validation"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrFeedUnavailable means the feed is missing, unreadable, or has no rows.
	ErrFeedUnavailable = errors.New("feed unavailable")
	// ErrCycleInProgress means another cycle or backfill holds the lease.
	ErrCycleInProgress = errors.New("cycle in progress")
)

// Anomaly types recorded by the cycle on top of the validator's own.
const (
	// TypeTruncatedLine marks feed lines that do not match the header.
	TypeTruncatedLine = "truncated_line"
	// TypeCoercion marks a value replaced by its fallback during coercion.
	TypeCoercion = "coercion"
)

// numericFields are zero-filled before range validation. Durations are left
// alone since "2:30" is not a decimal.
var numericFields = []string{
	domain.FieldFunctionalStretchers,
	domain.FieldOccupiedStretchers,
	domain.FieldPatientsOver24h,
	domain.FieldPatientsOver48h,
	domain.FieldTotalPatients,
	domain.FieldWaitingPatients,
}

// UnitOfWork is everything a row needs inside its transaction.
type UnitOfWork interface {
	resolver.Registry
	archival.StateStore
}

var _ UnitOfWork = (*store.Repo)(nil)

// Store is the persistence the pipeline drives.
type Store interface {
	Transact(ctx context.Context, fn func(uow UnitOfWork) error) error
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, name, holder string) error
	Snapshots(ctx context.Context, facilityIDs []uint) ([]domain.Snapshot, error)
	Ping(ctx context.Context) error
}

// Publisher receives the committed current states of a cycle.
type Publisher interface {
	PublishSnapshots(ctx context.Context, snapshots []domain.Snapshot) error
}

// StoreAdapter lets a *store.Store serve as the pipeline Store.
type StoreAdapter struct {
	*store.Store
}

// Transact runs fn with a repository bound to one transaction.
func (a StoreAdapter) Transact(ctx context.Context, fn func(uow UnitOfWork) error) error {
	return a.Store.Transact(ctx, func(tx *store.Repo) error { return fn(tx) })
}

// Snapshots reads committed current states outside of any transaction.
func (a StoreAdapter) Snapshots(ctx context.Context, facilityIDs []uint) ([]domain.Snapshot, error) {
	return a.Store.Repo(ctx).Snapshots(facilityIDs)
}

// Config holds the cycle settings.
type Config struct {
	// MaxStretchers bounds functional and occupied stretcher counts.
	MaxStretchers float64
	// DateLayout is the layout of the update date column.
	DateLayout string
	// AnomalyDir receives one JSON report per cycle. Empty disables reports.
	AnomalyDir string
	LeaseTTL   time.Duration
}

// Pipeline runs ingestion cycles.
type Pipeline struct {
	store     Store
	coercer   *domain.Coercer
	resolver  *resolver.Resolver
	archiver  *archival.Writer
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New creates a Pipeline. publisher may be nil.
func New(s Store, c *domain.Coercer, r *resolver.Resolver, w *archival.Writer, publisher Publisher, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if cfg.MaxStretchers <= 0 {
		cfg.MaxStretchers = 1000
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	return &Pipeline{
		store:     s,
		coercer:   c,
		resolver:  r,
		archiver:  w,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// RunIngestCycle ingests the feed at feedPath. Each row is resolved and
// archived in its own transaction, so a failing row never undoes another.
//
// Cancellation is honoured between rows: the partial report is returned with
// ctx.Err() and the rows already committed stay committed. A lost database
// connection aborts the cycle the same way.
func (p *Pipeline) RunIngestCycle(ctx context.Context, feedPath string) (CycleReport, error) {
	start := domain.Clock().Now()
	rep := CycleReport{
		CycleID:   ulid.Make().String(),
		FeedPath:  feedPath,
		StartedAt: start,
	}
	logger := p.logger.With("cycle_id", rep.CycleID)

	if err := p.store.AcquireLease(ctx, store.CycleLeaseName, rep.CycleID, p.cfg.LeaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			p.metrics.Cycles.WithLabelValues("skipped").Inc()
			logger.Warn("cycle skipped, lease held")
			return rep, fmt.Errorf("%w: %w", ErrCycleInProgress, err)
		}
		p.metrics.Cycles.WithLabelValues("failed").Inc()
		return rep, fmt.Errorf("acquire cycle lease: %w", err)
	}
	defer func() {
		if err := p.store.ReleaseLease(context.WithoutCancel(ctx), store.CycleLeaseName, rep.CycleID); err != nil {
			logger.Warn("release lease failed", "error", err)
		}
	}()

	err := p.runCycle(ctx, &rep, logger)
	rep.FinishedAt = domain.Clock().Now()
	p.metrics.CycleDuration.Observe(rep.FinishedAt.Sub(start).Seconds())

	switch {
	case err == nil:
		p.metrics.Cycles.WithLabelValues("success").Inc()
		logger.Info("cycle complete", "summary", Summarize(rep.Rows), "duration", rep.FinishedAt.Sub(start))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		p.metrics.Cycles.WithLabelValues("cancelled").Inc()
		logger.Warn("cycle cancelled", "error", err, "rows", len(rep.Rows))
	default:
		p.metrics.Cycles.WithLabelValues("failed").Inc()
		logger.Error("cycle failed", "error", err, "rows", len(rep.Rows))
	}
	return rep, err
}

func (p *Pipeline) runCycle(ctx context.Context, rep *CycleReport, logger *slog.Logger) error {
	v := validation.New(rep.CycleID, logger, domain.Clock())
	f, rows, rejected, err := p.prepare(rep.FeedPath, v, logger)
	if err != nil {
		return err
	}
	rep.Encoding = f.Encoding
	rep.Rows = append(rep.Rows, rejected...)
	p.metrics.RowsRead.Add(float64(len(f.Rows) + len(f.Skipped)))

	var aborted error
	cycle := p.archiver.Begin()
	var committed []uint
	for _, raw := range rows {
		if err := ctx.Err(); err != nil {
			aborted = err
			break
		}
		row := p.coercer.CoerceUrgencyRow(raw)
		for _, w := range row.Warnings {
			v.Record(TypeCoercion, fmt.Sprintf("line %d: %s", row.Line, w))
		}
		extractedAt := row.ExtractedAt
		if extractedAt.IsZero() {
			extractedAt = rep.StartedAt
		}

		res := p.applyRow(ctx, cycle, row, extractedAt, logger)
		rep.Rows = append(rep.Rows, res)
		switch res.Status {
		case StatusFailed:
			p.metrics.RowsFailed.WithLabelValues(string(res.Err.Kind)).Inc()
			v.Record(string(res.Err.Kind), res.Err.Error(), raw)
			aborted = p.checkAvailable(ctx, res.Err)
		case StatusApplied:
			committed = append(committed, res.FacilityID)
		}
		if res.Created {
			p.metrics.FacilitiesCreated.Inc()
		}
		if res.Archived {
			p.metrics.HistoryArchived.Inc()
		}
		if aborted != nil {
			break
		}
	}

	slices.SortFunc(rep.Rows, func(a, b RowResult) int { return a.Line - b.Line })
	p.publish(ctx, committed, logger)
	p.saveReport(v, rep, logger)
	return aborted
}

// prepare reads the feed, repairs and canonicalizes its rows and applies the
// batch rules. It returns the surviving rows and a rejected result for every
// skipped or dropped line.
func (p *Pipeline) prepare(path string, v *validation.Validator, logger *slog.Logger) (*feed.Feed, []domain.RawRow, []RowResult, error) {
	f, err := feed.ReadFile(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
	}
	if len(f.Rows) == 0 && len(f.Skipped) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: %s has no rows", ErrFeedUnavailable, path)
	}
	logger.Info("feed read",
		"path", path,
		"encoding", f.Encoding,
		"delimiter", string(f.Delimiter),
		"rows", len(f.Rows),
		"skipped", len(f.Skipped),
	)

	var rejected []RowResult
	for _, s := range f.Skipped {
		v.Record(TypeTruncatedLine, fmt.Sprintf("line %d: %s", s.Line, s.Reason))
		rejected = append(rejected, p.rejected(s.Line, TypeTruncatedLine))
	}

	rows := p.coercer.Canonicalize(repairRows(f.Rows))
	rows = p.coercer.NormalizeNumbers(rows, numericFields...)
	rows, dropped := p.validate(v, rows)
	return f, rows, append(rejected, dropped...), nil
}

// validate applies the batch rules and returns a rejected result for every
// dropped row.
func (p *Pipeline) validate(v *validation.Validator, rows []domain.RawRow) ([]domain.RawRow, []RowResult) {
	steps := []struct {
		reason string
		apply  func([]domain.RawRow) []domain.RawRow
	}{
		{validation.TypeRequired, func(rs []domain.RawRow) []domain.RawRow {
			return v.ValidateAnyRequired(rs, domain.FieldPermitNumber, domain.FieldInstallationName, domain.FieldEstablishmentName)
		}},
		{validation.TypeOutOfRange, func(rs []domain.RawRow) []domain.RawRow {
			rs = v.ValidateRange(rs, domain.FieldFunctionalStretchers, 0, p.cfg.MaxStretchers)
			return v.ValidateRange(rs, domain.FieldOccupiedStretchers, 0, p.cfg.MaxStretchers)
		}},
		{validation.TypeInvalidDate, func(rs []domain.RawRow) []domain.RawRow {
			return v.ValidateDate(rs, domain.FieldUpdatedAt, p.cfg.DateLayout)
		}},
	}
	var dropped []RowResult
	for _, step := range steps {
		kept := step.apply(rows)
		keptLines := make(map[int]bool, len(kept))
		for _, r := range kept {
			keptLines[r.Line] = true
		}
		for _, r := range rows {
			if !keptLines[r.Line] {
				dropped = append(dropped, p.rejected(r.Line, step.reason))
			}
		}
		rows = kept
	}
	return rows, dropped
}

func (p *Pipeline) rejected(line int, reason string) RowResult {
	p.metrics.RowsRejected.WithLabelValues(reason).Inc()
	return RowResult{Line: line, Status: StatusRejected, Reason: reason}
}

// applyRow resolves and archives one row in its own transaction. The
// transaction ignores cancellation so a started row always finishes.
func (p *Pipeline) applyRow(ctx context.Context, cycle *archival.Cycle, row domain.CanonicalRow, extractedAt time.Time, logger *slog.Logger) (res RowResult) {
	ctx = context.WithoutCancel(ctx)
	res = RowResult{Line: row.Line}

	defer func() {
		if r := recover(); r != nil {
			res = RowResult{
				Line:   row.Line,
				Status: StatusFailed,
				Err:    domain.NewIngestError(domain.KindInternal, row.Line, "apply row", fmt.Errorf("panic: %v", r)),
			}
			logger.Error("row failed", "error", res.Err, "line", row.Line, "stack", string(debug.Stack()))
		}
	}()

	var (
		resolution resolver.Resolution
		outcome    archival.Outcome
	)
	err := p.store.Transact(ctx, func(uow UnitOfWork) error {
		var err error
		resolution, err = p.resolver.Resolve(ctx, uow, row)
		if err != nil {
			return err
		}
		outcome, err = cycle.ApplyMeasurement(ctx, uow, resolution.Facility.ID, row, extractedAt)
		return err
	})
	if err != nil {
		var ie *domain.IngestError
		if !errors.As(err, &ie) {
			ie = domain.NewIngestError(domain.KindPersistence, row.Line, "commit row", err)
		}
		res.Status = StatusFailed
		res.Err = ie
		logger.Error("row failed", "error", ie, "line", row.Line, "kind", ie.Kind, "stack", string(debug.Stack()))
		return res
	}

	cycle.Commit(resolution.Facility.ID, outcome)
	res.FacilityID = resolution.Facility.ID
	res.Created = resolution.Created
	res.Archived = outcome == archival.OutcomeArchived
	res.Status = StatusApplied
	if outcome == archival.OutcomeStale {
		res.Status = StatusStale
	}
	logger.Debug("row applied",
		"line", row.Line,
		"facility_id", res.FacilityID,
		"matched_by", resolution.MatchedBy,
		"outcome", outcome,
	)
	return res
}

// checkAvailable returns a non-nil error when a failed row means the database
// is gone. A persistence failure that is not a connection error is confirmed
// with a ping.
func (p *Pipeline) checkAvailable(ctx context.Context, rowErr *domain.IngestError) error {
	if store.IsUnavailable(rowErr) {
		return fmt.Errorf("database unavailable: %w", rowErr)
	}
	if rowErr.Kind != domain.KindPersistence {
		return nil
	}
	if err := p.store.Ping(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("database unavailable after line %d: %w", rowErr.Line, err)
	}
	return nil
}

func (p *Pipeline) publish(ctx context.Context, facilityIDs []uint, logger *slog.Logger) {
	if p.publisher == nil || len(facilityIDs) == 0 {
		return
	}
	slices.Sort(facilityIDs)
	facilityIDs = slices.Compact(facilityIDs)

	ctx = context.WithoutCancel(ctx)
	snaps, err := p.store.Snapshots(ctx, facilityIDs)
	if err != nil {
		logger.Error("load snapshots failed", "error", err)
		return
	}
	if err := p.publisher.PublishSnapshots(ctx, snaps); err != nil {
		logger.Error("publish snapshots failed", "error", err, "count", len(snaps))
		return
	}
	p.metrics.SnapshotsPublished.Add(float64(len(snaps)))
}

func (p *Pipeline) saveReport(v *validation.Validator, rep *CycleReport, logger *slog.Logger) {
	rep.Anomalies = v.Summary()
	if p.cfg.AnomalyDir == "" {
		return
	}
	path, err := v.SaveReport(p.cfg.AnomalyDir)
	if err != nil {
		logger.Error("save anomaly report failed", "error", err, "dir", p.cfg.AnomalyDir)
		return
	}
	rep.ReportPath = path
}

// repairRows fixes double-encoded text in every header and value.
func repairRows(rows []domain.RawRow) []domain.RawRow {
	for i := range rows {
		values := make(map[string]string, len(rows[i].Values))
		for k, v := range rows[i].Values {
			values[domain.Repair(k)] = domain.Repair(v)
		}
		rows[i].Values = values
	}
	return rows
}
