package domain

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoercer(logger *slog.Logger) *Coercer {
	return NewCoercer(DefaultCoercerConfig(), NewNormalizer(DefaultNormalizerConfig()), logger)
}

func rawRow(values map[string]string) RawRow {
	return RawRow{Line: 2, Values: values}
}

func freezeClock(t *testing.T, at time.Time) {
	t.Helper()
	SetClock(clockwork.NewFakeClockAt(at))
	t.Cleanup(func() { SetClock(nil) })
}

// --- tests ---

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"10", 10, true},
		{"7,5", 7.5, true},
		{" 7.5 ", 7.5, true},
		{"1 234,5", 1234.5, true},
		{"1 234", 1234, true},
		{"-3", -3, true},
		{"", 0, false},
		{"abc", 0, false},
		{"NaN", 0, false},
		{"Inf", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseDecimal(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"2:30", 2.5, true},
		{"0:45", 0.75, true},
		{"12:00", 12, true},
		{"1:30:36", 1.51, true},
		{"2,5", 2.5, true},
		{"3.25", 3.25, true},
		{"abc", 0, false},
		{"2:75", 0, false},
		{"-1:00", 0, false},
		{"-2,5", 0, false},
		{"1:2:3:4", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseDuration(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestOccupancyRate(t *testing.T) {
	assert.InDelta(t, 75.0, OccupancyRate(7.5, 10), 1e-9)
	assert.InDelta(t, 150.0, OccupancyRate(15, 10), 1e-9)
	assert.Zero(t, OccupancyRate(3, 0))
	assert.Zero(t, OccupancyRate(3, -1))
	assert.Zero(t, OccupancyRate(0, 10))
}

func TestSyntheticSourceID(t *testing.T) {
	run := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, "URG-X123-20240315", SyntheticSourceID("URG", "X123", "a|b", run))

	noPermit := SyntheticSourceID("URG", "", "hopital laval|cisss de laval", run)
	assert.Regexp(t, `^URG-20240315-[0-9a-f]{8}$`, noPermit)
	assert.Equal(t, noPermit, SyntheticSourceID("URG", "", "hopital laval|cisss de laval", run))
	assert.NotEqual(t, noPermit, SyntheticSourceID("URG", "", "hopital de verdun|ciusss", run))
}

func TestCoercer_Canonicalize(t *testing.T) {
	c := newTestCoercer(discardLogger())
	rows := []RawRow{rawRow(map[string]string{
		" Nombre_de_civieres_fonctionnelles ": "10",
		"No_permis_installation":              "X123",
		"Heure_de_l'extraction_(image)":       "10:45",
		"Colonne_inconnue":                    "kept",
	})}

	got := c.Canonicalize(rows)

	require.Len(t, got, 1)
	assert.Equal(t, map[string]string{
		FieldFunctionalStretchers: "10",
		FieldPermitNumber:         "X123",
		FieldExtractedAt:          "10:45",
		"Colonne_inconnue":        "kept",
	}, got[0].Values)
}

func TestCoercer_NormalizeNumbers(t *testing.T) {
	c := newTestCoercer(discardLogger())
	rows := []RawRow{
		rawRow(map[string]string{FieldFunctionalStretchers: "7,5", FieldOccupiedStretchers: "n/d"}),
		rawRow(map[string]string{FieldFunctionalStretchers: ""}),
	}

	got := c.NormalizeNumbers(rows, FieldFunctionalStretchers, FieldOccupiedStretchers)

	assert.Equal(t, "7.5", got[0].Values[FieldFunctionalStretchers])
	assert.Equal(t, "0", got[0].Values[FieldOccupiedStretchers])
	assert.Equal(t, "0", got[1].Values[FieldFunctionalStretchers])
	_, present := got[1].Get(FieldOccupiedStretchers)
	assert.False(t, present, "absent columns stay absent")
}

func TestCoercer_CoerceUrgencyRow(t *testing.T) {
	freezeClock(t, time.Date(2024, 3, 15, 11, 0, 0, 0, time.UTC))
	c := newTestCoercer(discardLogger())

	row := rawRow(map[string]string{
		FieldRegionCode:           "06",
		FieldRegionName:           "Montréal",
		FieldEstablishmentName:    "CIUSSS du Centre-Ouest-de-l'Île-de-Montréal",
		FieldInstallationName:     "Hôpital Général de Montréal",
		FieldPermitNumber:         "",
		FieldFunctionalStretchers: "10",
		FieldOccupiedStretchers:   "7,5",
		FieldPatientsOver24h:      "2",
		FieldPatientsOver48h:      "1",
		FieldTotalPatients:        "40",
		FieldWaitingPatients:      "12",
		FieldStretcherLOS:         "2:30",
		FieldAmbulatoryLOS:        "abc",
		"Colonne_inconnue":        "kept",
	})

	got := c.CoerceUrgencyRow(row)

	assert.Equal(t, 2, got.Line)
	assert.Equal(t, "hopital general de montreal", got.InstallationKey)
	assert.Equal(t, "ciusss du centre ouest de l ile de montreal", got.EstablishmentKey)
	assert.Equal(t, "hopital general de montreal", got.InstallationStd)
	assert.Equal(t, "06", got.RegionCode)
	assert.InDelta(t, 10.0, got.FunctionalStretchers, 1e-9)
	assert.InDelta(t, 7.5, got.OccupiedStretchers, 1e-9)
	assert.InDelta(t, 75.0, got.OccupancyRate, 1e-9)
	assert.InDelta(t, 2.5, got.StretcherLOSHours, 1e-9)
	assert.Zero(t, got.AmbulatoryLOSHours)
	assert.InDelta(t, 40.0, got.TotalPatients, 1e-9)
	assert.InDelta(t, 12.0, got.WaitingPatients, 1e-9)
	assert.Regexp(t, `^URG-20240315-[0-9a-f]{8}$`, got.SourceID)
	assert.Equal(t, map[string]string{"Colonne_inconnue": "kept"}, got.Extra)
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0], FieldAmbulatoryLOS)
	assert.True(t, got.ExtractedAt.IsZero())
}

func TestCoercer_CoerceUrgencyRow_ZeroFunctional(t *testing.T) {
	c := newTestCoercer(discardLogger())

	got := c.CoerceUrgencyRow(rawRow(map[string]string{
		FieldFunctionalStretchers: "0",
		FieldOccupiedStretchers:   "3",
	}))

	assert.Zero(t, got.OccupancyRate)
	assert.InDelta(t, 3.0, got.OccupiedStretchers, 1e-9)
}

func TestCoercer_CoerceUrgencyRow_UnparsableDurationWarns(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	c := newTestCoercer(logger)

	got := c.CoerceUrgencyRow(rawRow(map[string]string{FieldStretcherLOS: "abc"}))

	assert.Zero(t, got.StretcherLOSHours)
	assert.Contains(t, buf.String(), "duration not parsable")
	assert.Contains(t, buf.String(), "value=abc")
}

func TestCoercer_CoerceUrgencyRow_HourlyFallback(t *testing.T) {
	c := newTestCoercer(discardLogger())

	got := c.CoerceUrgencyRow(rawRow(map[string]string{
		FieldStretcherLOS:       "",
		FieldStretcherLOSHourly: "1:15",
		FieldAmbulatoryLOS:      "3,5",
	}))

	assert.InDelta(t, 1.25, got.StretcherLOSHours, 1e-9)
	assert.InDelta(t, 3.5, got.AmbulatoryLOSHours, 1e-9)
}

func TestCoercer_CoerceUrgencyRow_PermitSourceID(t *testing.T) {
	freezeClock(t, time.Date(2024, 3, 15, 11, 0, 0, 0, time.UTC))
	c := newTestCoercer(discardLogger())

	got := c.CoerceUrgencyRow(rawRow(map[string]string{FieldPermitNumber: " X123 "}))
	assert.Equal(t, "X123", got.PermitNumber)
	assert.Equal(t, "URG-X123-20240315", got.SourceID)

	kept := c.CoerceUrgencyRow(rawRow(map[string]string{FieldSourceID: "SRC-1", FieldPermitNumber: "X123"}))
	assert.Equal(t, "SRC-1", kept.SourceID)
}

func TestCoercer_ExtractedAt(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	cfg := DefaultCoercerConfig()
	cfg.Location = loc
	c := NewCoercer(cfg, nil, discardLogger())

	tests := []struct {
		name   string
		values map[string]string
		want   time.Time
	}{
		{
			name:   "full timestamp",
			values: map[string]string{FieldExtractedAt: "2024-03-15 10:45"},
			want:   time.Date(2024, 3, 15, 10, 45, 0, 0, loc),
		},
		{
			name:   "rfc3339 keeps its offset",
			values: map[string]string{FieldExtractedAt: "2024-03-15T10:45:00Z"},
			want:   time.Date(2024, 3, 15, 10, 45, 0, 0, time.UTC),
		},
		{
			name:   "time of day with update date",
			values: map[string]string{FieldExtractedAt: "10:45", FieldUpdatedAt: "2024-03-15"},
			want:   time.Date(2024, 3, 15, 10, 45, 0, 0, loc),
		},
		{
			name:   "time of day without date",
			values: map[string]string{FieldExtractedAt: "10:45"},
		},
		{
			name:   "garbage",
			values: map[string]string{FieldExtractedAt: "hier"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.CoerceUrgencyRow(rawRow(tt.values))
			assert.True(t, tt.want.Equal(got.ExtractedAt), "got %v want %v", got.ExtractedAt, tt.want)
		})
	}
}

func TestCoercer_ExtractedAt_UsesValidatedDate(t *testing.T) {
	c := newTestCoercer(discardLogger())
	row := rawRow(map[string]string{FieldExtractedAt: "08:05", FieldUpdatedAt: "15/03/2024"})
	row.SetTime(FieldUpdatedAt, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))

	got := c.CoerceUrgencyRow(row)

	assert.Equal(t, time.Date(2024, 3, 15, 8, 5, 0, 0, time.UTC), got.ExtractedAt)
}
