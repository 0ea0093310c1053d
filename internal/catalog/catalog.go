// Package catalog holds the reference list of known healthcare facilities
// used to enrich facilities discovered in the feed.
package catalog

import (
	"math"
	"strings"
)

// Entry is one reference facility. Key and StdKey are derived from Name with
// domain.NormalizeKey and Normalizer.StandardizeFacilityName respectively.
type Entry struct {
	Key         string
	StdKey      string
	ReferenceID string
	Name        string
	Type        string
	Address     string
	PostalCode  string
	City        string
	Province    string
	Latitude    *float64
	Longitude   *float64
}

// HasPoint reports whether both coordinates are present and finite.
func (e Entry) HasPoint() bool {
	return finite(e.Latitude) && finite(e.Longitude)
}

func finite(f *float64) bool {
	return f != nil && !math.IsNaN(*f) && !math.IsInf(*f, 0)
}

// Query carries the keys of a feed row, as computed by the coercer.
type Query struct {
	InstallationKey  string
	EstablishmentKey string
	InstallationStd  string
	EstablishmentStd string
}

// Catalog is an immutable, ordered set of entries. The zero value is an
// empty catalog.
type Catalog struct {
	entries []Entry
}

// New builds a catalog from entries. When two entries share a key, the first
// one wins. The slice is copied.
func New(entries []Entry) *Catalog {
	seen := make(map[string]struct{}, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		if _, dup := seen[e.Key]; dup {
			continue
		}
		seen[e.Key] = struct{}{}
		out = append(out, e)
	}
	return &Catalog{entries: out}
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Lookup returns the first entry whose key contains the installation key,
// then the first containing the establishment key. If neither matches, the
// standardized keys are tried the same way against standardized entry keys.
// Blank query keys never match.
func (c *Catalog) Lookup(q Query) (Entry, bool) {
	if c.Len() == 0 {
		return Entry{}, false
	}
	passes := []struct {
		needle string
		key    func(Entry) string
	}{
		{q.InstallationKey, entryKey},
		{q.EstablishmentKey, entryKey},
		{q.InstallationStd, entryStdKey},
		{q.EstablishmentStd, entryStdKey},
	}
	for _, p := range passes {
		if p.needle == "" {
			continue
		}
		for _, e := range c.entries {
			if contains(p.key(e), p.needle) {
				return e, true
			}
		}
	}
	return Entry{}, false
}

// DefaultEnrichment is used for facilities the catalog does not know.
func DefaultEnrichment() Entry {
	return Entry{
		Type:     "Hôpital",
		Address:  Placeholder,
		City:     Placeholder,
		Province: "Québec",
	}
}

// Placeholder marks a descriptive field still to be filled in.
const Placeholder = "À compléter"

func entryKey(e Entry) string    { return e.Key }
func entryStdKey(e Entry) string { return e.StdKey }

func contains(haystack, needle string) bool {
	return haystack != "" && strings.Contains(haystack, needle)
}
