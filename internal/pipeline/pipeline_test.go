package pipeline_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/archival"
	"github.com/couchcryptid/er-occupancy-etl/internal/catalog"
	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/couchcryptid/er-occupancy-etl/internal/observability"
	"github.com/couchcryptid/er-occupancy-etl/internal/pipeline"
	"github.com/couchcryptid/er-occupancy-etl/internal/resolver"
	"github.com/couchcryptid/er-occupancy-etl/internal/store"
	"github.com/couchcryptid/er-occupancy-etl/internal/store/storetest"
	"github.com/couchcryptid/er-occupancy-etl/internal/validation"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

var cycleStart = time.Date(2024, 3, 15, 11, 0, 0, 0, time.UTC)

const feedHeader = "RSS,Region,Nom_etablissement,Nom_installation,No_permis_installation," +
	"Nombre_de_civieres_fonctionnelles,Nombre_de_civieres_occupees," +
	"DMS_sur_civiere,DMS_ambulatoire,Heure_de_l'extraction_(image),Mise_a_jour"

type feedRow struct {
	establishment, installation, permit string
	functional, occupied                string
	stretcherLOS, ambulatoryLOS         string
	extracted, updated                  string
}

func row(establishment, installation, permit string) feedRow {
	return feedRow{
		establishment: establishment,
		installation:  installation,
		permit:        permit,
		functional:    "10",
		occupied:      "5",
		stretcherLOS:  "1:00",
		ambulatoryLOS: "2:00",
		extracted:     "10:45",
		updated:       "2024-03-15",
	}
}

func (r feedRow) line() string {
	fields := []string{"06", "Montréal", r.establishment, r.installation, r.permit,
		r.functional, r.occupied, r.stretcherLOS, r.ambulatoryLOS, r.extracted, r.updated}
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, ",")
}

func writeFeed(t *testing.T, rows ...feedRow) string {
	t.Helper()
	lines := []string{feedHeader}
	for _, r := range rows {
		lines = append(lines, r.line())
	}
	return writeRaw(t, strings.Join(lines, "\n")+"\n")
}

func writeRaw(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func freezeClock(t *testing.T) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(cycleStart))
	t.Cleanup(func() { domain.SetClock(nil) })
}

func newPipeline(t *testing.T, st pipeline.Store, pub pipeline.Publisher, cfg pipeline.Config) (*pipeline.Pipeline, *observability.Metrics) {
	t.Helper()
	logger := discard()
	n := domain.NewNormalizer(domain.DefaultNormalizerConfig())
	c := domain.NewCoercer(domain.DefaultCoercerConfig(), n, logger)
	r := resolver.New(catalog.New(nil), n, resolver.NewRegionResolver("06", logger), logger)
	w := archival.New(archival.PolicyDedupe, logger)
	metrics := observability.NewMetricsForTesting()
	return pipeline.New(st, c, r, w, pub, cfg, logger, metrics), metrics
}

func setup(t *testing.T) (*store.Store, *pipeline.Pipeline, *observability.Metrics) {
	t.Helper()
	freezeClock(t)
	s := storetest.OpenSeeded(t)
	p, m := newPipeline(t, pipeline.StoreAdapter{Store: s}, nil, pipeline.Config{})
	return s, p, m
}

func facilities(t *testing.T, s *store.Store) []store.Facility {
	t.Helper()
	out, err := s.Repo(context.Background()).ListFacilities(100, 0)
	require.NoError(t, err)
	return out
}

func statuses(rows []pipeline.RowResult) []pipeline.Status {
	out := make([]pipeline.Status, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Status)
	}
	return out
}

// faultyStore injects failures into the unit of work by establishment name.
type faultyStore struct {
	pipeline.StoreAdapter
	afterCommit func()
}

func (f faultyStore) Transact(ctx context.Context, fn func(uow pipeline.UnitOfWork) error) error {
	err := f.StoreAdapter.Transact(ctx, func(uow pipeline.UnitOfWork) error {
		return fn(faultyUoW{uow})
	})
	if err == nil && f.afterCommit != nil {
		f.afterCommit()
	}
	return err
}

type faultyUoW struct {
	pipeline.UnitOfWork
}

func (u faultyUoW) CreateFacility(fac *store.Facility) error {
	switch fac.EstablishmentName {
	case "Clinique en panne":
		return errors.New("constraint violated")
	case "Clinique hors ligne":
		return driver.ErrBadConn
	case "Clinique qui panique":
		panic("unexpected state")
	}
	return u.UnitOfWork.CreateFacility(fac)
}

type recordingPublisher struct {
	got []domain.Snapshot
	err error
}

func (p *recordingPublisher) PublishSnapshots(_ context.Context, snaps []domain.Snapshot) error {
	p.got = append(p.got, snaps...)
	return p.err
}

// --- tests ---

func TestRunIngestCycle_HopitalGeneral(t *testing.T) {
	s, p, metrics := setup(t)
	r := row("CIUSSS du Centre-Ouest-de-l'Île-de-Montréal", "Hôpital Général de Montréal", "")
	r.occupied = "7,5"
	r.stretcherLOS = "2:30"
	r.ambulatoryLOS = "abc"

	rep, err := p.RunIngestCycle(context.Background(), writeFeed(t, r))
	require.NoError(t, err)

	require.Len(t, rep.Rows, 1)
	assert.Equal(t, pipeline.StatusApplied, rep.Rows[0].Status)
	assert.True(t, rep.Rows[0].Created)
	assert.Equal(t, 2, rep.Rows[0].Line)
	assert.Equal(t, map[string]int{pipeline.TypeCoercion: 1}, rep.Anomalies)
	assert.NotEmpty(t, rep.CycleID)

	fs := facilities(t, s)
	require.Len(t, fs, 1)
	assert.Equal(t, "hopital general de montreal", store.Deref(fs[0].InstallationKey))
	region, err := s.Repo(context.Background()).RegionByCode("06")
	require.NoError(t, err)
	require.NotNil(t, fs[0].RegionID)
	assert.Equal(t, region.ID, *fs[0].RegionID)

	state, err := s.Repo(context.Background()).CurrentState(fs[0].ID)
	require.NoError(t, err)
	got := state.Readings.Measurements()
	assert.InDelta(t, 10.0, got.FunctionalStretchers, 1e-9)
	assert.InDelta(t, 7.5, got.OccupiedStretchers, 1e-9)
	assert.InDelta(t, 75.0, got.OccupancyRate, 1e-9)
	assert.InDelta(t, 2.5, got.StretcherLOSHours, 1e-9)
	assert.Zero(t, got.AmbulatoryLOSHours)
	assert.True(t, time.Date(2024, 3, 15, 10, 45, 0, 0, time.UTC).Equal(state.ExtractedAt))
	assert.Equal(t, store.StatusValidated, state.Status)

	n, err := s.Repo(context.Background()).CountHistory(0)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RowsRead), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.FacilitiesCreated), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Cycles.WithLabelValues("success")), 0)
}

func TestRunIngestCycle_PermitRoundTrip(t *testing.T) {
	s, p, _ := setup(t)
	ctx := context.Background()
	first := row("CIUSSS de l'Est", "Hôpital Santa Cabrini", "X123")

	rep1, err := p.RunIngestCycle(ctx, writeFeed(t, first))
	require.NoError(t, err)

	second := first
	second.installation = "Hôpital Santa-Cabrini Ospedale"
	second.extracted = "11:45"
	rep2, err := p.RunIngestCycle(ctx, writeFeed(t, second))
	require.NoError(t, err)

	require.Len(t, rep1.Rows, 1)
	require.Len(t, rep2.Rows, 1)
	assert.Equal(t, rep1.Rows[0].FacilityID, rep2.Rows[0].FacilityID)
	assert.True(t, rep1.Rows[0].Created)
	assert.False(t, rep2.Rows[0].Created)
	assert.True(t, rep2.Rows[0].Archived)
	assert.Len(t, facilities(t, s), 1)
	assert.NotEqual(t, rep1.CycleID, rep2.CycleID)
}

func TestRunIngestCycle_ZeroFunctional(t *testing.T) {
	s, p, _ := setup(t)
	r := row("CISSS de Laval", "Hôpital de la Cité-de-la-Santé", "")
	r.functional = "0"
	r.occupied = "3"

	rep, err := p.RunIngestCycle(context.Background(), writeFeed(t, r))
	require.NoError(t, err)

	state, err := s.Repo(context.Background()).CurrentState(rep.Rows[0].FacilityID)
	require.NoError(t, err)
	assert.Zero(t, *state.Readings.OccupancyRate)
	assert.InDelta(t, 3.0, *state.Readings.OccupiedStretchers, 1e-9)
}

func TestRunIngestCycle_RejectsInvalidRows(t *testing.T) {
	s, p, metrics := setup(t)
	ok := row("CISSS de Laval", "Hôpital de la Cité-de-la-Santé", "")
	noName := row("", "", "")
	tooMany := row("CISSS de Lanaudière", "Hôpital Pierre-Le Gardeur", "")
	tooMany.functional = "1001"
	badDate := row("CISSS des Laurentides", "Hôpital de Saint-Jérôme", "")
	badDate.updated = "15 mars"
	content := strings.Join([]string{
		feedHeader,
		ok.line(),         // 2
		noName.line(),     // 3
		`"06","Montréal"`, // 4
		tooMany.line(),    // 5
		badDate.line(),    // 6
	}, "\n") + "\n"

	rep, err := p.RunIngestCycle(context.Background(), writeRaw(t, content))
	require.NoError(t, err)

	want := []pipeline.RowResult{
		{Line: 2, Status: pipeline.StatusApplied, FacilityID: rep.Rows[0].FacilityID, Created: true},
		{Line: 3, Status: pipeline.StatusRejected, Reason: validation.TypeRequired},
		{Line: 4, Status: pipeline.StatusRejected, Reason: pipeline.TypeTruncatedLine},
		{Line: 5, Status: pipeline.StatusRejected, Reason: validation.TypeOutOfRange},
		{Line: 6, Status: pipeline.StatusRejected, Reason: validation.TypeInvalidDate},
	}
	if diff := cmp.Diff(want, rep.Rows); diff != "" {
		t.Errorf("row results mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, facilities(t, s), 1)
	assert.InDelta(t, 5, testutil.ToFloat64(metrics.RowsRead), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RowsRejected.WithLabelValues(pipeline.TypeTruncatedLine)), 0)
	assert.Equal(t, 1, rep.Anomalies[validation.TypeOutOfRange])
}

func TestRunIngestCycle_UnparsableCountBecomesZero(t *testing.T) {
	s, p, _ := setup(t)
	r := row("CISSS de Laval", "Hôpital de la Cité-de-la-Santé", "")
	r.occupied = "n/d"

	rep, err := p.RunIngestCycle(context.Background(), writeFeed(t, r))
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusApplied, rep.Rows[0].Status)

	state, err := s.Repo(context.Background()).CurrentState(rep.Rows[0].FacilityID)
	require.NoError(t, err)
	assert.Zero(t, *state.Readings.OccupiedStretchers)
}

func TestRunIngestCycle_RowFailuresAreIsolated(t *testing.T) {
	freezeClock(t)
	s := storetest.OpenSeeded(t)
	p, metrics := newPipeline(t, faultyStore{StoreAdapter: pipeline.StoreAdapter{Store: s}}, nil, pipeline.Config{})

	rep, err := p.RunIngestCycle(context.Background(), writeFeed(t,
		row("CISSS de Laval", "Hôpital de la Cité-de-la-Santé", ""),
		row("Clinique en panne", "Point de service", ""),
		row("Clinique qui panique", "Point de service", ""),
		row("CISSS de Lanaudière", "Hôpital Pierre-Le Gardeur", ""),
	))
	require.NoError(t, err)

	assert.Equal(t, []pipeline.Status{
		pipeline.StatusApplied, pipeline.StatusFailed, pipeline.StatusFailed, pipeline.StatusApplied,
	}, statuses(rep.Rows))
	require.NotNil(t, rep.Rows[1].Err)
	assert.Equal(t, domain.KindPersistence, rep.Rows[1].Err.Kind)
	assert.Equal(t, 3, rep.Rows[1].Err.Line)
	require.NotNil(t, rep.Rows[2].Err)
	assert.Equal(t, domain.KindInternal, rep.Rows[2].Err.Kind)

	names := []string{}
	for _, f := range facilities(t, s) {
		names = append(names, f.EstablishmentName)
	}
	assert.Equal(t, []string{"CISSS de Laval", "CISSS de Lanaudière"}, names)

	states, err := s.Repo(context.Background()).CurrentStates()
	require.NoError(t, err)
	assert.Len(t, states, 2)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RowsFailed.WithLabelValues(string(domain.KindPersistence))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RowsFailed.WithLabelValues(string(domain.KindInternal))), 0)
}

func TestRunIngestCycle_DatabaseUnavailableAborts(t *testing.T) {
	freezeClock(t)
	s := storetest.OpenSeeded(t)
	p, metrics := newPipeline(t, faultyStore{StoreAdapter: pipeline.StoreAdapter{Store: s}}, nil, pipeline.Config{})

	rep, err := p.RunIngestCycle(context.Background(), writeFeed(t,
		row("CISSS de Laval", "Hôpital de la Cité-de-la-Santé", ""),
		row("Clinique hors ligne", "Point de service", ""),
		row("CISSS de Lanaudière", "Hôpital Pierre-Le Gardeur", ""),
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, driver.ErrBadConn)

	assert.Equal(t, []pipeline.Status{pipeline.StatusApplied, pipeline.StatusFailed}, statuses(rep.Rows))
	assert.Len(t, facilities(t, s), 1, "committed row kept")
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Cycles.WithLabelValues("failed")), 0)
}

func TestRunIngestCycle_ClosedDatabaseFailsCycle(t *testing.T) {
	freezeClock(t)
	s := storetest.OpenSeeded(t)
	st := faultyStore{StoreAdapter: pipeline.StoreAdapter{Store: s}, afterCommit: func() { _ = s.Close() }}
	p, metrics := newPipeline(t, st, nil, pipeline.Config{})

	rep, err := p.RunIngestCycle(context.Background(), writeFeed(t,
		row("CISSS de Laval", "Hôpital de la Cité-de-la-Santé", ""),
		row("CISSS de Lanaudière", "Hôpital Pierre-Le Gardeur", ""),
		row("CISSS des Laurentides", "Hôpital de Saint-Jérôme", ""),
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
	assert.Contains(t, err.Error(), "database is closed")

	assert.Equal(t, []pipeline.Status{pipeline.StatusApplied, pipeline.StatusFailed}, statuses(rep.Rows))
	assert.Equal(t, domain.KindPersistence, rep.Rows[1].Err.Kind)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Cycles.WithLabelValues("failed")), 0)
	assert.Zero(t, testutil.ToFloat64(metrics.Cycles.WithLabelValues("success")))
}

func TestRunIngestCycle_CancellationKeepsCommittedRows(t *testing.T) {
	freezeClock(t)
	s := storetest.OpenSeeded(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := faultyStore{StoreAdapter: pipeline.StoreAdapter{Store: s}, afterCommit: cancel}
	p, metrics := newPipeline(t, st, nil, pipeline.Config{})

	rep, err := p.RunIngestCycle(ctx, writeFeed(t,
		row("CISSS de Laval", "Hôpital de la Cité-de-la-Santé", ""),
		row("CISSS de Lanaudière", "Hôpital Pierre-Le Gardeur", ""),
		row("CISSS des Laurentides", "Hôpital de Saint-Jérôme", ""),
	))
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []pipeline.Status{pipeline.StatusApplied}, statuses(rep.Rows))
	assert.Len(t, facilities(t, s), 1)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Cycles.WithLabelValues("cancelled")), 0)

	require.NoError(t, s.AcquireLease(context.Background(), store.CycleLeaseName, "next", time.Minute),
		"lease released after cancellation")
}

func TestRunIngestCycle_FeedUnavailable(t *testing.T) {
	s, p, _ := setup(t)
	ctx := context.Background()

	_, err := p.RunIngestCycle(ctx, filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorIs(t, err, pipeline.ErrFeedUnavailable)

	rep, err := p.RunIngestCycle(ctx, writeRaw(t, feedHeader+"\n"))
	assert.ErrorIs(t, err, pipeline.ErrFeedUnavailable)
	assert.Empty(t, rep.Rows)

	assert.Empty(t, facilities(t, s))
	require.NoError(t, s.AcquireLease(ctx, store.CycleLeaseName, "next", time.Minute))
}

func TestRunIngestCycle_LeaseHeld(t *testing.T) {
	s, p, metrics := setup(t)
	ctx := context.Background()
	require.NoError(t, s.AcquireLease(ctx, store.CycleLeaseName, "backfill", time.Hour))

	_, err := p.RunIngestCycle(ctx, writeFeed(t, row("CISSS de Laval", "Hôpital de la Cité-de-la-Santé", "")))
	assert.ErrorIs(t, err, pipeline.ErrCycleInProgress)
	assert.ErrorIs(t, err, store.ErrLeaseHeld)
	assert.Empty(t, facilities(t, s))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Cycles.WithLabelValues("skipped")), 0)
}

func TestRunIngestCycle_HistoryGrowsOncePerCycle(t *testing.T) {
	s, p, metrics := setup(t)
	ctx := context.Background()
	base := row("CIUSSS de l'Est", "Hôpital Santa Cabrini", "X123")

	_, err := p.RunIngestCycle(ctx, writeFeed(t, base))
	require.NoError(t, err)

	later, latest := base, base
	later.extracted, later.occupied = "11:00", "6"
	latest.extracted, latest.occupied = "12:00", "8"
	rep, err := p.RunIngestCycle(ctx, writeFeed(t, later, latest))
	require.NoError(t, err)

	id := rep.Rows[0].FacilityID
	n, err := s.Repo(ctx).CountHistory(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1, pipeline.Summarize(rep.Rows).HistoryArchived)

	history, err := s.Repo(ctx).History(id)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, *history[0].Readings.OccupiedStretchers, 1e-9, "first state archived verbatim")

	state, err := s.Repo(ctx).CurrentState(id)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, *state.Readings.OccupiedStretchers, 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.HistoryArchived), 0)
}

func TestRunIngestCycle_ReingestSameFeedIsRefresh(t *testing.T) {
	s, p, _ := setup(t)
	ctx := context.Background()
	path := writeFeed(t, row("CIUSSS de l'Est", "Hôpital Santa Cabrini", "X123"))

	_, err := p.RunIngestCycle(ctx, path)
	require.NoError(t, err)
	rep, err := p.RunIngestCycle(ctx, path)
	require.NoError(t, err)

	assert.False(t, rep.Rows[0].Archived)
	n, err := s.Repo(ctx).CountHistory(0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunIngestCycle_PublishesSnapshots(t *testing.T) {
	freezeClock(t)
	s := storetest.OpenSeeded(t)
	pub := &recordingPublisher{}
	p, metrics := newPipeline(t, pipeline.StoreAdapter{Store: s}, pub, pipeline.Config{})

	rep, err := p.RunIngestCycle(context.Background(), writeFeed(t,
		row("CISSS de Laval", "Hôpital de la Cité-de-la-Santé", "L001"),
		row("", "", ""),
	))
	require.NoError(t, err)

	require.Len(t, pub.got, 1)
	assert.Equal(t, rep.Rows[0].FacilityID, pub.got[0].FacilityID)
	assert.Equal(t, "L001", pub.got[0].PermitNumber)
	assert.Equal(t, "06", pub.got[0].RegionCode)
	assert.InDelta(t, 50.0, pub.got[0].OccupancyRate, 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.SnapshotsPublished), 0)
}

func TestRunIngestCycle_PublishFailureDoesNotFailCycle(t *testing.T) {
	freezeClock(t)
	s := storetest.OpenSeeded(t)
	pub := &recordingPublisher{err: errors.New("broker down")}
	p, metrics := newPipeline(t, pipeline.StoreAdapter{Store: s}, pub, pipeline.Config{})

	_, err := p.RunIngestCycle(context.Background(), writeFeed(t, row("CISSS de Laval", "Hôpital de la Cité-de-la-Santé", "")))
	require.NoError(t, err)
	assert.Zero(t, testutil.ToFloat64(metrics.SnapshotsPublished))
}

func TestRunIngestCycle_SavesAnomalyReport(t *testing.T) {
	freezeClock(t)
	s := storetest.OpenSeeded(t)
	dir := filepath.Join(t.TempDir(), "logs")
	p, _ := newPipeline(t, pipeline.StoreAdapter{Store: s}, nil, pipeline.Config{AnomalyDir: dir})

	rep, err := p.RunIngestCycle(context.Background(), writeFeed(t, row("", "", "")))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "anomaly_report_20240315_110000.json"), rep.ReportPath)
	data, err := os.ReadFile(rep.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), rep.CycleID)
	assert.Contains(t, string(data), validation.TypeRequired)
}

func TestSummarize(t *testing.T) {
	results := []pipeline.RowResult{
		{Line: 2, Status: pipeline.StatusApplied, Created: true},
		{Line: 3, Status: pipeline.StatusApplied, Archived: true},
		{Line: 4, Status: pipeline.StatusRejected, Reason: validation.TypeRequired},
		{Line: 5, Status: pipeline.StatusFailed, Err: domain.NewIngestError(domain.KindPersistence, 5, "save", errors.New("x"))},
		{Line: 6, Status: pipeline.StatusFailed, Err: domain.NewIngestError(domain.KindInternal, 6, "apply", errors.New("y"))},
		{Line: 7, Status: pipeline.StatusStale},
	}

	got := pipeline.Summarize(results)

	want := pipeline.Summary{
		Rows:              6,
		Applied:           2,
		Rejected:          1,
		Failed:            2,
		Stale:             1,
		FacilitiesCreated: 1,
		HistoryArchived:   1,
		FailedByKind:      map[domain.ErrorKind]int{domain.KindPersistence: 1, domain.KindInternal: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, pipeline.Summary{}, pipeline.Summarize(nil))
}

func TestRunIngestCycle_InstallationOnlyRow(t *testing.T) {
	s, p, _ := setup(t)
	r := row("", "Hôpital Général de Montréal", "")
	r.occupied = "7,5"

	rep, err := p.RunIngestCycle(context.Background(), writeFeed(t, r))
	require.NoError(t, err)

	require.Len(t, rep.Rows, 1)
	assert.Equal(t, pipeline.StatusApplied, rep.Rows[0].Status)
	assert.True(t, rep.Rows[0].Created)

	fs := facilities(t, s)
	require.Len(t, fs, 1)
	assert.Equal(t, "hopital general de montreal", store.Deref(fs[0].InstallationKey))
	assert.Equal(t, "Hôpital Général de Montréal", fs[0].EstablishmentName)

	state, err := s.Repo(context.Background()).CurrentState(fs[0].ID)
	require.NoError(t, err)
	assert.InDelta(t, 75.0, state.Readings.Measurements().OccupancyRate, 1e-9)
}

func TestRunIngestCycle_PermitOnlyRowMatchesByPermit(t *testing.T) {
	s, p, _ := setup(t)
	_, err := p.RunIngestCycle(context.Background(), writeFeed(t, row("CISSS de Laval", "Hôpital de la Cité-de-la-Santé", "L001")))
	require.NoError(t, err)

	known := row("", "", "L001")
	known.occupied = "8"
	known.extracted = "11:45"
	unknown := row("", "", "Z999")

	rep, err := p.RunIngestCycle(context.Background(), writeFeed(t, known, unknown))
	require.NoError(t, err)

	require.Len(t, rep.Rows, 2)
	assert.Equal(t, pipeline.StatusApplied, rep.Rows[0].Status)
	assert.False(t, rep.Rows[0].Created)
	assert.True(t, rep.Rows[0].Archived)
	assert.Equal(t, pipeline.StatusFailed, rep.Rows[1].Status)
	require.NotNil(t, rep.Rows[1].Err)
	assert.Equal(t, domain.KindResolution, rep.Rows[1].Err.Kind)

	fs := facilities(t, s)
	require.Len(t, fs, 1)
	state, err := s.Repo(context.Background()).CurrentState(fs[0].ID)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, state.Readings.Measurements().OccupiedStretchers, 1e-9)
}
