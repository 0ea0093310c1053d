// Package storetest opens throwaway SQLite stores for tests.
package storetest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/couchcryptid/er-occupancy-etl/internal/store"
	"github.com/stretchr/testify/require"
)

// Open returns a migrated, empty store backed by a file in t.TempDir().
// It is closed when the test ends.
func Open(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "test.db"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// OpenSeeded is Open plus the Québec regions.
func OpenSeeded(t testing.TB) *store.Store {
	t.Helper()
	s := Open(t)
	_, err := s.SeedRegions(context.Background(), domain.QuebecRegions())
	require.NoError(t, err)
	return s
}

// Facility inserts a facility built from the given names and permit number.
func Facility(t testing.TB, s *store.Store, establishment, installation, permit string) *store.Facility {
	t.Helper()
	f := &store.Facility{
		EstablishmentName: establishment,
		InstallationName:  store.Ptr(installation),
		PermitNumber:      store.Ptr(permit),
	}
	require.NoError(t, s.Repo(context.Background()).CreateFacility(f))
	return f
}
