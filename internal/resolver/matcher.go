package resolver

import (
	"context"
	"errors"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/couchcryptid/er-occupancy-etl/internal/store"
)

// Matcher is one step of the facility cascade. TryResolve returns nil, nil
// when the step does not apply or finds nothing.
type Matcher interface {
	Name() string
	TryResolve(ctx context.Context, row domain.CanonicalRow, reg Registry) (*store.Facility, error)
}

// DefaultMatchers returns permit, installation then establishment matching.
func DefaultMatchers() []Matcher {
	return []Matcher{PermitMatcher{}, InstallationMatcher{}, EstablishmentMatcher{}}
}

// PermitMatcher matches the installation permit number exactly.
type PermitMatcher struct{}

func (PermitMatcher) Name() string { return "permit" }

func (PermitMatcher) TryResolve(_ context.Context, row domain.CanonicalRow, reg Registry) (*store.Facility, error) {
	if row.PermitNumber == "" {
		return nil, nil
	}
	return miss(reg.FacilityByPermit(row.PermitNumber))
}

// InstallationMatcher finds a facility whose installation key contains the
// row's installation key.
type InstallationMatcher struct{}

func (InstallationMatcher) Name() string { return "installation" }

func (InstallationMatcher) TryResolve(_ context.Context, row domain.CanonicalRow, reg Registry) (*store.Facility, error) {
	if row.InstallationKey == "" {
		return nil, nil
	}
	return miss(reg.FacilityByInstallationKey(row.InstallationKey))
}

// EstablishmentMatcher finds a facility whose establishment key contains the
// row's establishment key.
type EstablishmentMatcher struct{}

func (EstablishmentMatcher) Name() string { return "establishment" }

func (EstablishmentMatcher) TryResolve(_ context.Context, row domain.CanonicalRow, reg Registry) (*store.Facility, error) {
	if row.EstablishmentKey == "" {
		return nil, nil
	}
	return miss(reg.FacilityByEstablishmentKey(row.EstablishmentKey))
}

// miss turns store.ErrNotFound into a nil result.
func miss[T any](v *T, err error) (*T, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return v, err
}
