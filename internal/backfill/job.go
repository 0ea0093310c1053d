// Package backfill fills the gaps left in facilities and current states by
// earlier ingestions.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/catalog"
	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/couchcryptid/er-occupancy-etl/internal/observability"
	"github.com/couchcryptid/er-occupancy-etl/internal/resolver"
	"github.com/couchcryptid/er-occupancy-etl/internal/store"
	"github.com/oklog/ulid/v2"
)

// Summary counts the rows a run changed.
type Summary struct {
	Facilities int `json:"facilities"`
	States     int `json:"states"`
}

// Job fills null or blank facility fields from the reference catalog and
// zeroes null measurements. Running it twice in a row changes nothing the
// second time.
type Job struct {
	store      *store.Store
	resolver   *resolver.Resolver
	normalizer *domain.Normalizer
	leaseTTL   time.Duration
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// New creates a backfill Job.
func New(s *store.Store, r *resolver.Resolver, n *domain.Normalizer, leaseTTL time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Job {
	return &Job{
		store:      s,
		resolver:   r,
		normalizer: n,
		leaseTTL:   leaseTTL,
		logger:     logger,
		metrics:    metrics,
	}
}

// Run applies the backfill in a single transaction while holding the cycle
// lease. It returns an error wrapping store.ErrLeaseHeld when an ingestion
// cycle is running.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	holder := ulid.Make().String()
	if err := j.store.AcquireLease(ctx, store.CycleLeaseName, holder, j.leaseTTL); err != nil {
		return Summary{}, fmt.Errorf("backfill: %w", err)
	}
	defer func() {
		if err := j.store.ReleaseLease(context.WithoutCancel(ctx), store.CycleLeaseName, holder); err != nil {
			j.logger.Warn("release lease failed", "error", err, "holder", holder)
		}
	}()

	now := domain.Clock().Now()
	var sum Summary
	err := j.store.Transact(ctx, func(tx *store.Repo) error {
		sum = Summary{}

		facilities, err := tx.FacilitiesWithMissingFields()
		if err != nil {
			return err
		}
		for i := range facilities {
			f := &facilities[i]
			changed, err := j.fillFacility(ctx, tx, f, now)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			if err := tx.SaveFacility(f); err != nil {
				return err
			}
			sum.Facilities++
		}

		states, err := tx.StatesWithMissingFields()
		if err != nil {
			return err
		}
		for i := range states {
			s := &states[i]
			if !fillState(s, now) {
				continue
			}
			if err := tx.SaveCurrentState(s); err != nil {
				return err
			}
			sum.States++
		}
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("backfill: %w", err)
	}

	if j.metrics != nil {
		j.metrics.BackfillUpdates.WithLabelValues("facility").Add(float64(sum.Facilities))
		j.metrics.BackfillUpdates.WithLabelValues("state").Add(float64(sum.States))
	}
	j.logger.Info("backfill complete", "facilities", sum.Facilities, "states", sum.States)
	return sum, nil
}

func (j *Job) fillFacility(ctx context.Context, tx *store.Repo, f *store.Facility, now time.Time) (bool, error) {
	installation := store.Deref(f.InstallationName)
	entry, matched := j.resolver.Enrich(catalog.Query{
		InstallationKey:  store.Deref(f.InstallationKey),
		EstablishmentKey: f.EstablishmentKey,
		InstallationStd:  j.normalizer.StandardizeFacilityName(installation),
		EstablishmentStd: j.normalizer.StandardizeFacilityName(f.EstablishmentName),
	})
	defaults := catalog.DefaultEnrichment()

	sourceID := fmt.Sprintf("GEN-%s-%06d", now.Format("20060102"), f.ID)
	if matched {
		sourceID = entry.ReferenceID
	}

	changed := false
	changed = fillBlank(&f.SourceID, sourceID) || changed
	changed = fillBlank(&f.Type, orDefault(entry.Type, defaults.Type)) || changed
	changed = fillBlank(&f.Address, orDefault(entry.Address, defaults.Address)) || changed
	changed = fillBlank(&f.City, orDefault(entry.City, defaults.City)) || changed
	changed = fillBlank(&f.Province, j.resolver.Province(entry.Province)) || changed
	if f.PostalCode == nil {
		f.PostalCode = &entry.PostalCode
		changed = true
	}

	if f.RegionID == nil {
		region, err := j.resolver.Regions().Resolve(ctx, tx, "", store.Deref(f.City))
		if err != nil {
			return false, fmt.Errorf("resolve region of facility %d: %w", f.ID, err)
		}
		if region != nil {
			f.RegionID = &region.ID
			changed = true
		}
	}

	if f.Latitude == nil && f.Longitude == nil && matched && entry.HasPoint() {
		f.Latitude, f.Longitude = entry.Latitude, entry.Longitude
		changed = true
	}

	if changed {
		f.ModifiedAt = now
	}
	return changed, nil
}

// fillState zeroes null measurements. The occupancy rate is recomputed from
// the operands as they were before zeroing.
func fillState(s *store.CurrentState, now time.Time) bool {
	r := &s.Readings
	if !r.HasNull() {
		return false
	}
	rate := 0.0
	if r.OccupiedStretchers != nil && r.FunctionalStretchers != nil {
		rate = domain.OccupancyRate(*r.OccupiedStretchers, *r.FunctionalStretchers)
	}
	for _, c := range r.Columns() {
		if *c == nil {
			zero := 0.0
			*c = &zero
		}
	}
	r.OccupancyRate = &rate
	s.ModifiedAt = now
	return true
}

// fillBlank sets *p to v when *p is nil or empty and v is not.
func fillBlank(p **string, v string) bool {
	if v == "" || (*p != nil && **p != "") {
		return false
	}
	*p = &v
	return true
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
