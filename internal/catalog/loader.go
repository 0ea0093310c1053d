package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/couchcryptid/er-occupancy-etl/internal/feed"
)

// ErrCatalogUnavailable is returned when the reference file is missing or
// holds no usable entry. The catalog returned alongside it is empty and
// usable.
var ErrCatalogUnavailable = errors.New("reference catalog unavailable")

// ODHF column names.
const (
	colFacilityName = "facility_name"
	colFacilityType = "odhf_facility_type"
	colStreetNo     = "street_no"
	colStreetName   = "street_name"
	colPostalCode   = "postal_code"
	colCity         = "city"
	colProvince     = "province"
	colLatitude     = "latitude"
	colLongitude    = "longitude"
)

// LoadODHF reads the Statistics Canada Open Database of Healthcare Facilities
// CSV at path. On a missing or empty file it logs one warning and returns an
// empty catalog with an error wrapping ErrCatalogUnavailable.
func LoadODHF(path string, normalizer *domain.Normalizer, logger *slog.Logger) (*Catalog, error) {
	f, err := feed.ReadFile(path)
	if err != nil {
		logger.Warn("reference catalog not loaded, enrichment uses defaults", "path", path, "error", err)
		return New(nil), fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}

	entries := make([]Entry, 0, len(f.Rows))
	for i, row := range f.Rows {
		e, ok := entryFromRow(row, normalizer)
		if !ok {
			continue
		}
		e.ReferenceID = fmt.Sprintf("ODHF-%06d", i+1)
		entries = append(entries, e)
	}
	cat := New(entries)
	if cat.Len() == 0 {
		logger.Warn("reference catalog has no entries, enrichment uses defaults", "path", path)
		return cat, fmt.Errorf("%w: %s has no entries", ErrCatalogUnavailable, path)
	}

	logger.Info("reference catalog loaded",
		"path", path,
		"entries", cat.Len(),
		"encoding", f.Encoding,
		"skipped_lines", len(f.Skipped),
	)
	return cat, nil
}

func entryFromRow(row domain.RawRow, normalizer *domain.Normalizer) (Entry, bool) {
	value := func(col string) string { return domain.Repair(row.Value(col)) }

	name := value(colFacilityName)
	if name == "" {
		return Entry{}, false
	}
	e := Entry{
		Key:        domain.NormalizeKey(name, true),
		StdKey:     normalizer.StandardizeFacilityName(name),
		Name:       name,
		Type:       value(colFacilityType),
		Address:    strings.TrimSpace(value(colStreetNo) + " " + value(colStreetName)),
		PostalCode: value(colPostalCode),
		City:       value(colCity),
		Province:   normalizer.Province(value(colProvince)),
		Latitude:   coordinate(row.Value(colLatitude)),
		Longitude:  coordinate(row.Value(colLongitude)),
	}
	if e.Type == "" {
		e.Type = DefaultEnrichment().Type
	}
	if e.Address == "" {
		e.Address = Placeholder
	}
	if e.Province == "" {
		e.Province = domain.DefaultProvince
	}
	return e, e.Key != ""
}

func coordinate(s string) *float64 {
	v, ok := domain.ParseDecimal(s)
	if !ok {
		return nil
	}
	return &v
}
