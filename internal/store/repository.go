package store

import (
	"errors"
	"fmt"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"gorm.io/gorm"
)

// Repo runs queries on a connection or inside a transaction obtained from
// Store.Transact. History records can be inserted and read, never updated.
type Repo struct {
	db *gorm.DB
}

func found[T any](v *T, err error) (*T, error) {
	if err == nil {
		return v, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return nil, err
}

func like(key string) string { return "%" + key + "%" }

// FacilityByPermit returns the lowest-id facility with this permit number.
func (r *Repo) FacilityByPermit(permit string) (*Facility, error) {
	var f Facility
	err := r.db.Where("permit_number = ?", permit).Order("id").Take(&f).Error
	return found(&f, err)
}

// FacilityByInstallationKey returns the lowest-id facility whose installation
// key contains key.
func (r *Repo) FacilityByInstallationKey(key string) (*Facility, error) {
	var f Facility
	err := r.db.Where("installation_key LIKE ?", like(key)).Order("id").Take(&f).Error
	return found(&f, err)
}

// FacilityByEstablishmentKey returns the lowest-id facility whose
// establishment key contains key.
func (r *Repo) FacilityByEstablishmentKey(key string) (*Facility, error) {
	var f Facility
	err := r.db.Where("establishment_key LIKE ?", like(key)).Order("id").Take(&f).Error
	return found(&f, err)
}

// FacilityByID returns one facility.
func (r *Repo) FacilityByID(id uint) (*Facility, error) {
	var f Facility
	err := r.db.Take(&f, id).Error
	return found(&f, err)
}

// CreateFacility inserts f and sets its ID.
func (r *Repo) CreateFacility(f *Facility) error {
	if err := r.db.Create(f).Error; err != nil {
		return fmt.Errorf("create facility: %w", err)
	}
	return nil
}

// SaveFacility updates every column of f.
func (r *Repo) SaveFacility(f *Facility) error {
	if err := r.db.Save(f).Error; err != nil {
		return fmt.Errorf("save facility %d: %w", f.ID, err)
	}
	return nil
}

// ListFacilities returns facilities ordered by id. A limit <= 0 means all.
func (r *Repo) ListFacilities(limit, offset int) ([]Facility, error) {
	q := r.db.Order("id").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Facility
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list facilities: %w", err)
	}
	return out, nil
}

// FacilitiesWithMissingFields returns facilities with at least one blank
// descriptive field, a missing region or a missing point.
func (r *Repo) FacilitiesWithMissingFields() ([]Facility, error) {
	var out []Facility
	err := r.db.
		Where("source_id IS NULL OR source_id = ''").
		Or("type IS NULL OR type = ''").
		Or("address IS NULL OR address = ''").
		Or("postal_code IS NULL").
		Or("city IS NULL OR city = ''").
		Or("province IS NULL OR province = ''").
		Or("region_id IS NULL").
		Or("latitude IS NULL AND longitude IS NULL").
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("find incomplete facilities: %w", err)
	}
	return out, nil
}

// RegionByCode returns the region with this exact code.
func (r *Repo) RegionByCode(code string) (*Region, error) {
	var reg Region
	err := r.db.Where("code = ?", code).Take(&reg).Error
	return found(&reg, err)
}

// RegionByNameKey returns the lowest-id region whose name key contains key.
func (r *Repo) RegionByNameKey(key string) (*Region, error) {
	var reg Region
	err := r.db.Where("name_key LIKE ?", like(key)).Order("id").Take(&reg).Error
	return found(&reg, err)
}

// FirstRegion returns the region with the lowest id.
func (r *Repo) FirstRegion() (*Region, error) {
	var reg Region
	err := r.db.Order("id").Take(&reg).Error
	return found(&reg, err)
}

// Regions returns every region ordered by code.
func (r *Repo) Regions() ([]Region, error) {
	var out []Region
	if err := r.db.Order("code").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	return out, nil
}

// CurrentState returns the current state of a facility.
func (r *Repo) CurrentState(facilityID uint) (*CurrentState, error) {
	var s CurrentState
	err := r.db.Where("facility_id = ?", facilityID).Take(&s).Error
	return found(&s, err)
}

// SaveCurrentState inserts s when it has no ID, otherwise updates it.
func (r *Repo) SaveCurrentState(s *CurrentState) error {
	if err := r.db.Save(s).Error; err != nil {
		return fmt.Errorf("save current state of facility %d: %w", s.FacilityID, err)
	}
	return nil
}

// CurrentStates returns every current state ordered by facility.
func (r *Repo) CurrentStates() ([]CurrentState, error) {
	var out []CurrentState
	if err := r.db.Order("facility_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list current states: %w", err)
	}
	return out, nil
}

// StatesWithMissingFields returns current states with a null measurement.
func (r *Repo) StatesWithMissingFields() ([]CurrentState, error) {
	var out []CurrentState
	q := r.db.Where("functional_stretchers IS NULL")
	for _, col := range []string{
		"occupied_stretchers",
		"patients_over_24h",
		"patients_over_48h",
		"total_patients",
		"waiting_patients",
		"stretcher_los_hours",
		"ambulatory_los_hours",
		"occupancy_rate",
	} {
		q = q.Or(col + " IS NULL")
	}
	if err := q.Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("find incomplete states: %w", err)
	}
	return out, nil
}

// InsertHistory appends an archived record.
func (r *Repo) InsertHistory(h *HistoryRecord) error {
	if err := r.db.Create(h).Error; err != nil {
		return fmt.Errorf("archive state of facility %d: %w", h.FacilityID, err)
	}
	return nil
}

// History returns the archived records of a facility, oldest first.
func (r *Repo) History(facilityID uint) ([]HistoryRecord, error) {
	var out []HistoryRecord
	err := r.db.Where("facility_id = ?", facilityID).Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list history of facility %d: %w", facilityID, err)
	}
	return out, nil
}

// CountHistory counts archived records of a facility, or of all facilities
// when facilityID is 0.
func (r *Repo) CountHistory(facilityID uint) (int64, error) {
	q := r.db.Model(&HistoryRecord{})
	if facilityID != 0 {
		q = q.Where("facility_id = ?", facilityID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// Snapshots joins the current states of the given facilities with their
// facility and region, in facility order.
func (r *Repo) Snapshots(facilityIDs []uint) ([]domain.Snapshot, error) {
	if len(facilityIDs) == 0 {
		return nil, nil
	}
	var states []CurrentState
	if err := r.db.Where("facility_id IN ?", facilityIDs).Order("facility_id").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("load snapshot states: %w", err)
	}
	var facilities []Facility
	if err := r.db.Where("id IN ?", facilityIDs).Find(&facilities).Error; err != nil {
		return nil, fmt.Errorf("load snapshot facilities: %w", err)
	}
	regions, err := r.Regions()
	if err != nil {
		return nil, err
	}

	byID := make(map[uint]Facility, len(facilities))
	for _, f := range facilities {
		byID[f.ID] = f
	}
	codes := make(map[uint]string, len(regions))
	for _, reg := range regions {
		codes[reg.ID] = reg.Code
	}

	out := make([]domain.Snapshot, 0, len(states))
	for _, s := range states {
		f := byID[s.FacilityID]
		snap := domain.Snapshot{
			FacilityID:        s.FacilityID,
			PermitNumber:      Deref(f.PermitNumber),
			EstablishmentName: f.EstablishmentName,
			InstallationName:  Deref(f.InstallationName),
			Measurements:      s.Readings.Measurements(),
			ExtractedAt:       s.ExtractedAt,
			Status:            s.Status,
		}
		if f.RegionID != nil {
			snap.RegionCode = codes[*f.RegionID]
		}
		out = append(out, snap)
	}
	return out, nil
}
