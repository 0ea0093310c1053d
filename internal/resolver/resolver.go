// Package resolver maps feed rows to facilities of the registry, creating and
// enriching a facility when no existing one matches.
package resolver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/couchcryptid/er-occupancy-etl/internal/catalog"
	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/couchcryptid/er-occupancy-etl/internal/store"
)

// RegionRegistry is the region half of Registry.
type RegionRegistry interface {
	RegionByCode(code string) (*store.Region, error)
	RegionByNameKey(key string) (*store.Region, error)
	FirstRegion() (*store.Region, error)
}

// Registry is the facility registry seen through one unit of work.
// Lookups return store.ErrNotFound when nothing matches.
type Registry interface {
	RegionRegistry
	FacilityByPermit(permit string) (*store.Facility, error)
	FacilityByInstallationKey(key string) (*store.Facility, error)
	FacilityByEstablishmentKey(key string) (*store.Facility, error)
	CreateFacility(f *store.Facility) error
}

var _ Registry = (*store.Repo)(nil)

// Resolution is the outcome of resolving one row.
type Resolution struct {
	Facility *store.Facility
	Created  bool
	// MatchedBy names the matcher that found the facility, or "created".
	MatchedBy string
}

// MatchedByCreated is the MatchedBy value of a new facility.
const MatchedByCreated = "created"

// Resolver runs the matcher cascade and creates facilities on a miss.
type Resolver struct {
	matchers   []Matcher
	regions    *RegionResolver
	catalog    *catalog.Catalog
	normalizer *domain.Normalizer
	logger     *slog.Logger
}

// New creates a Resolver. With no matchers, DefaultMatchers is used.
func New(cat *catalog.Catalog, normalizer *domain.Normalizer, regions *RegionResolver, logger *slog.Logger, matchers ...Matcher) *Resolver {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	if cat == nil {
		cat = catalog.New(nil)
	}
	return &Resolver{
		matchers:   matchers,
		regions:    regions,
		catalog:    cat,
		normalizer: normalizer,
		logger:     logger,
	}
}

// Resolve returns the facility row refers to. When no matcher finds one, a
// facility is created through reg, enriched from the catalog. It fails only
// on persistence errors or a row with no name and no permit.
func (r *Resolver) Resolve(ctx context.Context, reg Registry, row domain.CanonicalRow) (Resolution, error) {
	for _, m := range r.matchers {
		f, err := m.TryResolve(ctx, row, reg)
		if err != nil {
			return Resolution{}, domain.NewIngestError(domain.KindPersistence, row.Line, "match "+m.Name(), err)
		}
		if f != nil {
			return Resolution{Facility: f, MatchedBy: m.Name()}, nil
		}
	}

	if row.EstablishmentName == "" && row.InstallationName == "" {
		return Resolution{}, domain.NewIngestError(domain.KindResolution, row.Line, "resolve facility",
			errors.New("row has no permit number and no facility name"))
	}

	f, err := r.newFacility(ctx, reg, row)
	if err != nil {
		return Resolution{}, err
	}
	if err := reg.CreateFacility(f); err != nil {
		return Resolution{}, domain.NewIngestError(domain.KindPersistence, row.Line, "create facility", err)
	}
	r.logger.Info("facility created",
		"facility_id", f.ID,
		"establishment", f.EstablishmentName,
		"installation", store.Deref(f.InstallationName),
		"source_id", store.Deref(f.SourceID),
		"line", row.Line,
	)
	return Resolution{Facility: f, Created: true, MatchedBy: MatchedByCreated}, nil
}

// Enrich returns the catalog entry for the row keys, or DefaultEnrichment.
func (r *Resolver) Enrich(q catalog.Query) (catalog.Entry, bool) {
	if e, ok := r.catalog.Lookup(q); ok {
		return e, true
	}
	return catalog.DefaultEnrichment(), false
}

// Regions returns the region resolver.
func (r *Resolver) Regions() *RegionResolver { return r.regions }

// Province maps a province spelling to its display name, DefaultProvince
// when blank.
func (r *Resolver) Province(value string) string {
	if p := r.normalizer.Province(value); p != "" {
		return p
	}
	return domain.DefaultProvince
}

func (r *Resolver) newFacility(ctx context.Context, reg Registry, row domain.CanonicalRow) (*store.Facility, error) {
	region, err := r.regions.Resolve(ctx, reg, row.RegionCode, row.RegionName)
	if err != nil {
		return nil, domain.NewIngestError(domain.KindPersistence, row.Line, "resolve region", err)
	}

	entry, matched := r.Enrich(QueryFor(row))
	sourceID := row.SourceID
	if matched {
		sourceID = entry.ReferenceID
	}
	province := r.Province(entry.Province)

	name := row.EstablishmentName
	if name == "" {
		name = row.InstallationName
	}
	f := &store.Facility{
		SourceID:          store.Ptr(sourceID),
		PermitNumber:      store.Ptr(row.PermitNumber),
		EstablishmentName: name,
		InstallationName:  store.Ptr(row.InstallationName),
		Type:              store.Ptr(entry.Type),
		Address:           &entry.Address,
		PostalCode:        &entry.PostalCode,
		City:              &entry.City,
		Province:          &province,
		ModifiedAt:        domain.Clock().Now(),
	}
	if region != nil {
		f.RegionID = &region.ID
	}
	if entry.HasPoint() {
		f.Latitude, f.Longitude = entry.Latitude, entry.Longitude
	}
	return f, nil
}

// QueryFor builds the catalog query of a row.
func QueryFor(row domain.CanonicalRow) catalog.Query {
	return catalog.Query{
		InstallationKey:  row.InstallationKey,
		EstablishmentKey: row.EstablishmentKey,
		InstallationStd:  row.InstallationStd,
		EstablishmentStd: row.EstablishmentStd,
	}
}
