package store

import (
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"gorm.io/gorm"
)

// State statuses.
const (
	StatusValidated   = "validated"
	StatusUnvalidated = "unvalidated"
)

// Region is a Québec health and social services region.
type Region struct {
	ID      uint   `gorm:"primaryKey"`
	Code    string `gorm:"type:varchar(8);not null;uniqueIndex"`
	Name    string `gorm:"type:varchar(255);not null"`
	NameKey string `gorm:"type:varchar(255);index"`
}

// TableName returns the table name for GORM.
func (Region) TableName() string { return "regions" }

// BeforeSave keeps NameKey derived from Name.
func (r *Region) BeforeSave(*gorm.DB) error {
	r.NameKey = domain.NormalizeKey(r.Name, true)
	return nil
}

// Facility is a healthcare facility known to the registry. IDs are never
// reused.
type Facility struct {
	ID                uint    `gorm:"primaryKey"`
	SourceID          *string `gorm:"type:varchar(64);index"`
	PermitNumber      *string `gorm:"type:varchar(32);index"`
	EstablishmentName string  `gorm:"type:varchar(255);not null"`
	EstablishmentKey  string  `gorm:"type:varchar(255);index"`
	InstallationName  *string `gorm:"type:varchar(255)"`
	InstallationKey   *string `gorm:"type:varchar(255);index"`
	Type              *string `gorm:"type:varchar(100)"`
	Address           *string `gorm:"type:varchar(255)"`
	PostalCode        *string `gorm:"type:varchar(16)"`
	City              *string `gorm:"type:varchar(100)"`
	Province          *string `gorm:"type:varchar(64)"`
	RegionID          *uint   `gorm:"index"`
	Latitude          *float64
	Longitude         *float64
	ModifiedAt        time.Time
}

// TableName returns the table name for GORM.
func (Facility) TableName() string { return "facilities" }

// BeforeSave keeps the search keys derived from the display names, with the
// same folding the matchers use at query time.
func (f *Facility) BeforeSave(*gorm.DB) error {
	f.EstablishmentKey = domain.NormalizeKey(f.EstablishmentName, true)
	f.InstallationKey = nil
	if f.InstallationName != nil {
		key := domain.NormalizeKey(*f.InstallationName, true)
		f.InstallationKey = &key
	}
	return nil
}

// HasPoint reports whether both coordinates are set.
func (f *Facility) HasPoint() bool {
	return f.Latitude != nil && f.Longitude != nil
}

// Readings are the persisted measurement columns. Every column is nullable so
// that rows written before coercion existed can be told apart and backfilled.
type Readings struct {
	FunctionalStretchers *float64
	OccupiedStretchers   *float64
	PatientsOver24h      *float64 `gorm:"column:patients_over_24h"`
	PatientsOver48h      *float64 `gorm:"column:patients_over_48h"`
	TotalPatients        *float64
	WaitingPatients      *float64
	StretcherLOSHours    *float64 `gorm:"column:stretcher_los_hours"`
	AmbulatoryLOSHours   *float64 `gorm:"column:ambulatory_los_hours"`
	OccupancyRate        *float64
}

// ReadingsFrom converts coerced measurements to column values.
func ReadingsFrom(m domain.Measurements) Readings {
	return Readings{
		FunctionalStretchers: ptr(m.FunctionalStretchers),
		OccupiedStretchers:   ptr(m.OccupiedStretchers),
		PatientsOver24h:      ptr(m.PatientsOver24h),
		PatientsOver48h:      ptr(m.PatientsOver48h),
		TotalPatients:        ptr(m.TotalPatients),
		WaitingPatients:      ptr(m.WaitingPatients),
		StretcherLOSHours:    ptr(m.StretcherLOSHours),
		AmbulatoryLOSHours:   ptr(m.AmbulatoryLOSHours),
		OccupancyRate:        ptr(m.OccupancyRate),
	}
}

// Measurements converts column values back, reading nulls as 0.
func (r Readings) Measurements() domain.Measurements {
	return domain.Measurements{
		FunctionalStretchers: val(r.FunctionalStretchers),
		OccupiedStretchers:   val(r.OccupiedStretchers),
		PatientsOver24h:      val(r.PatientsOver24h),
		PatientsOver48h:      val(r.PatientsOver48h),
		TotalPatients:        val(r.TotalPatients),
		WaitingPatients:      val(r.WaitingPatients),
		StretcherLOSHours:    val(r.StretcherLOSHours),
		AmbulatoryLOSHours:   val(r.AmbulatoryLOSHours),
		OccupancyRate:        val(r.OccupancyRate),
	}
}

// Columns returns pointers to every measurement column, occupancy last.
func (r *Readings) Columns() []**float64 {
	return []**float64{
		&r.FunctionalStretchers,
		&r.OccupiedStretchers,
		&r.PatientsOver24h,
		&r.PatientsOver48h,
		&r.TotalPatients,
		&r.WaitingPatients,
		&r.StretcherLOSHours,
		&r.AmbulatoryLOSHours,
		&r.OccupancyRate,
	}
}

// HasNull reports whether any column is null.
func (r *Readings) HasNull() bool {
	for _, c := range r.Columns() {
		if *c == nil {
			return true
		}
	}
	return false
}

// CurrentState is the latest measurement of one facility.
type CurrentState struct {
	ID          uint     `gorm:"primaryKey"`
	FacilityID  uint     `gorm:"not null;uniqueIndex"`
	Readings    Readings `gorm:"embedded"`
	ExtractedAt time.Time
	ModifiedAt  time.Time
	Status      string `gorm:"type:varchar(16);not null;default:unvalidated"`
}

// TableName returns the table name for GORM.
func (CurrentState) TableName() string { return "current_emergency_states" }

// BeforeSave recomputes the occupancy rate. It is 0 when functional is 0 or
// when either operand is null.
func (s *CurrentState) BeforeSave(*gorm.DB) error {
	rate := 0.0
	if s.Readings.OccupiedStretchers != nil && s.Readings.FunctionalStretchers != nil {
		rate = domain.OccupancyRate(*s.Readings.OccupiedStretchers, *s.Readings.FunctionalStretchers)
	}
	s.Readings.OccupancyRate = &rate
	return nil
}

// HistoryRecord is an archived copy of a superseded current state. Records are
// only ever inserted.
type HistoryRecord struct {
	ID          uint     `gorm:"primaryKey"`
	FacilityID  uint     `gorm:"not null;index"`
	Readings    Readings `gorm:"embedded"`
	ExtractedAt time.Time
	ModifiedAt  time.Time
	Status      string `gorm:"type:varchar(16);not null"`
	ArchivedAt  time.Time
}

// TableName returns the table name for GORM.
func (HistoryRecord) TableName() string { return "emergency_history" }

// Archive returns a verbatim history copy of s.
func (s *CurrentState) Archive(at time.Time) HistoryRecord {
	return HistoryRecord{
		FacilityID:  s.FacilityID,
		Readings:    s.Readings.clone(),
		ExtractedAt: s.ExtractedAt,
		ModifiedAt:  s.ModifiedAt,
		Status:      s.Status,
		ArchivedAt:  at,
	}
}

// CycleLease serializes ingestion cycles and backfills across processes.
type CycleLease struct {
	Name      string `gorm:"primaryKey;type:varchar(64)"`
	Holder    string `gorm:"type:varchar(64);not null"`
	ExpiresAt time.Time
}

// TableName returns the table name for GORM.
func (CycleLease) TableName() string { return "cycle_leases" }

func (r Readings) clone() Readings {
	out := r
	for _, c := range out.Columns() {
		if *c != nil {
			v := **c
			*c = &v
		}
	}
	return out
}

func ptr(v float64) *float64 { return &v }

func val(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// Ptr returns a pointer to s, or nil for a blank string.
func Ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns *s, or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
