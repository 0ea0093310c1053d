package domain

import (
	"strings"
	"time"
)

// Canonical field names produced by Coercer.Canonicalize.
const (
	FieldRegionCode           = "region_code"
	FieldRegionName           = "region_name"
	FieldEstablishmentName    = "establishment_name"
	FieldInstallationName     = "installation_name"
	FieldPermitNumber         = "permit_number"
	FieldSourceID             = "source_id"
	FieldFunctionalStretchers = "functional_stretchers"
	FieldOccupiedStretchers   = "occupied_stretchers"
	FieldPatientsOver24h      = "patients_over_24h"
	FieldPatientsOver48h      = "patients_over_48h"
	FieldTotalPatients        = "total_patients"
	FieldWaitingPatients      = "waiting_patients"
	FieldStretcherLOS         = "stretcher_los"
	FieldAmbulatoryLOS        = "ambulatory_los"
	FieldStretcherLOSHourly   = "stretcher_los_hourly"
	FieldAmbulatoryLOSHourly  = "ambulatory_los_hourly"
	FieldExtractedAt          = "extracted_at"
	FieldUpdatedAt            = "updated_at"
	FieldOccupancyRate        = "occupancy_rate"
)

// RawRow is one feed record keyed by column name. It lives only for the
// duration of a cycle.
type RawRow struct {
	// Line is the 1-based line number in the feed, header included.
	Line   int
	Values map[string]string
	// Times holds values already parsed by date validation.
	Times map[string]time.Time
}

// NewRawRow zips a header and a record into a RawRow. Missing trailing values
// are left out of the map rather than stored as "".
func NewRawRow(line int, header, record []string) RawRow {
	values := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(record) {
			values[h] = record[i]
		}
	}
	return RawRow{Line: line, Values: values}
}

// Get returns the raw value of field and whether the column is present.
func (r RawRow) Get(field string) (string, bool) {
	v, ok := r.Values[field]
	return v, ok
}

// Value returns the trimmed value of field, or "" when absent.
func (r RawRow) Value(field string) string {
	return strings.TrimSpace(r.Values[field])
}

// SetTime records a parsed time for field.
func (r *RawRow) SetTime(field string, t time.Time) {
	if r.Times == nil {
		r.Times = make(map[string]time.Time)
	}
	r.Times[field] = t
}

// Measurements are the numeric readings of one emergency room at one
// extraction time. Durations are fractional hours.
type Measurements struct {
	FunctionalStretchers float64 `json:"functional_stretchers"`
	OccupiedStretchers   float64 `json:"occupied_stretchers"`
	PatientsOver24h      float64 `json:"patients_over_24h"`
	PatientsOver48h      float64 `json:"patients_over_48h"`
	TotalPatients        float64 `json:"total_patients"`
	WaitingPatients      float64 `json:"waiting_patients"`
	StretcherLOSHours    float64 `json:"stretcher_los_hours"`
	AmbulatoryLOSHours   float64 `json:"ambulatory_los_hours"`
	OccupancyRate        float64 `json:"occupancy_rate"`
}

// CanonicalRow is a coerced feed row ready for resolution and archival.
type CanonicalRow struct {
	Line int

	RegionCode string
	RegionName string

	EstablishmentName string
	InstallationName  string
	// Search keys, NormalizeKey(name, true).
	EstablishmentKey string
	InstallationKey  string
	// Standardized keys, used only for reference-catalog recall.
	EstablishmentStd string
	InstallationStd  string

	PermitNumber string
	SourceID     string

	Measurements

	// ExtractedAt is when the feed says the measurement was taken; zero when the
	// feed carries no usable timestamp.
	ExtractedAt time.Time

	// Extra holds unmapped columns, passed through untouched.
	Extra map[string]string
	// Warnings lists the coercion fallbacks applied to this row.
	Warnings []string
}

// Snapshot is a committed current state, as published to downstream consumers.
type Snapshot struct {
	FacilityID        uint      `json:"facility_id"`
	PermitNumber      string    `json:"permit_number,omitempty"`
	EstablishmentName string    `json:"establishment_name"`
	InstallationName  string    `json:"installation_name,omitempty"`
	RegionCode        string    `json:"region_code,omitempty"`
	Measurements      `json:"measurements"`
	ExtractedAt       time.Time `json:"extracted_at"`
	Status            string    `json:"status"`
}
