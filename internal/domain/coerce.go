package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// CoercerConfig holds the column synonym table and row-level defaults.
type CoercerConfig struct {
	// Synonyms maps trimmed source column names to canonical field names.
	Synonyms map[string]string
	// SourcePrefix starts every synthetic source id.
	SourcePrefix string
	// Location is the time zone of naive feed timestamps.
	Location *time.Location
}

// DefaultCoercerConfig returns the MSSS feed column names. Each call returns a
// fresh copy.
func DefaultCoercerConfig() CoercerConfig {
	return CoercerConfig{
		Synonyms: map[string]string{
			"RSS":                                              FieldRegionCode,
			"Region":                                           FieldRegionName,
			"Région":                                           FieldRegionName,
			"Nom_etablissement":                                FieldEstablishmentName,
			"Nom_établissement":                                FieldEstablishmentName,
			"Nom_installation":                                 FieldInstallationName,
			"No_permis_installation":                           FieldPermitNumber,
			"Nombre_de_civieres_fonctionnelles":                FieldFunctionalStretchers,
			"Nombre_de_civieres_occupees":                      FieldOccupiedStretchers,
			"Nombre_de_patients_sur_civiere_plus_de_24_heures": FieldPatientsOver24h,
			"Nombre_de_patients_sur_civiere_plus_de_48_heures": FieldPatientsOver48h,
			"Nombre_total_de_patients_presents_a_lurgence":     FieldTotalPatients,
			"Nombre_total_de_patients_en_attente_de_PEC":       FieldWaitingPatients,
			"DMS_sur_civiere":                                  FieldStretcherLOS,
			"DMS_ambulatoire":                                  FieldAmbulatoryLOS,
			"DMS_sur_civiere_horaire":                          FieldStretcherLOSHourly,
			"DMS_ambulatoire_horaire":                          FieldAmbulatoryLOSHourly,
			"Heure_de_l'extraction_(image)":                    FieldExtractedAt,
			"Mise_a_jour":                                      FieldUpdatedAt,
		},
		SourcePrefix: "URG",
		Location:     time.UTC,
	}
}

// canonicalFields lists every field CoerceUrgencyRow reads; anything else is
// passed through in CanonicalRow.Extra.
var canonicalFields = map[string]bool{
	FieldRegionCode: true, FieldRegionName: true,
	FieldEstablishmentName: true, FieldInstallationName: true,
	FieldPermitNumber: true, FieldSourceID: true,
	FieldFunctionalStretchers: true, FieldOccupiedStretchers: true,
	FieldPatientsOver24h: true, FieldPatientsOver48h: true,
	FieldTotalPatients: true, FieldWaitingPatients: true,
	FieldStretcherLOS: true, FieldAmbulatoryLOS: true,
	FieldStretcherLOSHourly: true, FieldAmbulatoryLOSHourly: true,
	FieldExtractedAt: true, FieldUpdatedAt: true,
}

// Coercer turns decoded feed rows into CanonicalRows.
type Coercer struct {
	synonyms map[string]string
	prefix   string
	loc      *time.Location
	norm     *Normalizer
	logger   *slog.Logger
}

// NewCoercer builds a Coercer from a copy of cfg. The normalizer supplies the
// standardized keys used for catalog recall.
func NewCoercer(cfg CoercerConfig, normalizer *Normalizer, logger *slog.Logger) *Coercer {
	c := &Coercer{
		synonyms: make(map[string]string, len(cfg.Synonyms)),
		prefix:   cfg.SourcePrefix,
		loc:      cfg.Location,
		norm:     normalizer,
		logger:   logger,
	}
	for k, v := range cfg.Synonyms {
		c.synonyms[strings.TrimSpace(k)] = v
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	if c.prefix == "" {
		c.prefix = "URG"
	}
	return c
}

// CanonicalName maps a source column to its canonical name. Unknown columns
// come back trimmed.
func (c *Coercer) CanonicalName(column string) string {
	col := strings.TrimSpace(column)
	if name, ok := c.synonyms[col]; ok {
		return name
	}
	return col
}

// Canonicalize renames the columns of every row in place and returns rows.
func (c *Coercer) Canonicalize(rows []RawRow) []RawRow {
	for i := range rows {
		renamed := make(map[string]string, len(rows[i].Values))
		for k, v := range rows[i].Values {
			renamed[c.CanonicalName(k)] = v
		}
		rows[i].Values = renamed
	}
	return rows
}

// NormalizeNumbers rewrites the given numeric fields of every row to plain
// dot-decimal strings, replacing blank or unparsable values with "0". It runs
// before range validation so that only out-of-range counts are rejected.
// Columns absent from a row are left absent.
func (c *Coercer) NormalizeNumbers(rows []RawRow, fields ...string) []RawRow {
	for i := range rows {
		for _, f := range fields {
			raw, ok := rows[i].Get(f)
			if !ok {
				continue
			}
			v, ok := ParseDecimal(raw)
			if !ok {
				if strings.TrimSpace(raw) != "" {
					c.logger.Debug("number not parsable, using 0", "field", f, "value", raw, "line", rows[i].Line)
				}
				v = 0
			}
			rows[i].Values[f] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return rows
}

// CoerceUrgencyRow parses the numeric, duration and timestamp fields of a
// canonicalized row. It never fails: unparsable values become 0 and are
// listed in the row's Warnings.
func (c *Coercer) CoerceUrgencyRow(row RawRow) CanonicalRow {
	out := CanonicalRow{
		Line:              row.Line,
		RegionCode:        row.Value(FieldRegionCode),
		RegionName:        row.Value(FieldRegionName),
		EstablishmentName: row.Value(FieldEstablishmentName),
		InstallationName:  row.Value(FieldInstallationName),
		PermitNumber:      row.Value(FieldPermitNumber),
		Extra:             map[string]string{},
	}
	out.EstablishmentKey = NormalizeKey(out.EstablishmentName, true)
	out.InstallationKey = NormalizeKey(out.InstallationName, true)
	if c.norm != nil {
		out.EstablishmentStd = c.norm.StandardizeFacilityName(out.EstablishmentName)
		out.InstallationStd = c.norm.StandardizeFacilityName(out.InstallationName)
	}

	out.FunctionalStretchers = c.number(&out, row, FieldFunctionalStretchers)
	out.OccupiedStretchers = c.number(&out, row, FieldOccupiedStretchers)
	out.PatientsOver24h = c.number(&out, row, FieldPatientsOver24h)
	out.PatientsOver48h = c.number(&out, row, FieldPatientsOver48h)
	out.TotalPatients = c.number(&out, row, FieldTotalPatients)
	out.WaitingPatients = c.number(&out, row, FieldWaitingPatients)
	out.StretcherLOSHours = c.duration(&out, row, FieldStretcherLOS, FieldStretcherLOSHourly)
	out.AmbulatoryLOSHours = c.duration(&out, row, FieldAmbulatoryLOS, FieldAmbulatoryLOSHourly)
	out.OccupancyRate = OccupancyRate(out.OccupiedStretchers, out.FunctionalStretchers)

	out.ExtractedAt = c.extractedAt(row)

	out.SourceID = row.Value(FieldSourceID)
	if out.SourceID == "" {
		out.SourceID = SyntheticSourceID(c.prefix, out.PermitNumber, out.InstallationKey+"|"+out.EstablishmentKey, clock.Now())
	}

	for k, v := range row.Values {
		if !canonicalFields[k] {
			out.Extra[k] = v
		}
	}
	return out
}

func (c *Coercer) number(out *CanonicalRow, row RawRow, field string) float64 {
	raw := row.Value(field)
	if raw == "" {
		return 0
	}
	v, ok := ParseDecimal(raw)
	if !ok {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%s: unparsable number %q, using 0", field, raw))
		c.logger.Debug("number not parsable, using 0", "field", field, "value", raw, "line", row.Line)
		return 0
	}
	return v
}

// duration reads field, falling back to the hourly variant when the main
// column is blank.
func (c *Coercer) duration(out *CanonicalRow, row RawRow, field, fallback string) float64 {
	raw := row.Value(field)
	if raw == "" {
		field, raw = fallback, row.Value(fallback)
	}
	if raw == "" {
		return 0
	}
	v, ok := ParseDuration(raw)
	if !ok {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%s: unparsable duration %q, using 0", field, raw))
		c.logger.Warn("duration not parsable, using 0", "field", field, "value", raw, "line", row.Line)
		return 0
	}
	return v
}

var (
	timestampLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
	}
	timeOfDayLayouts = []string{"15:04", "15:04:05", "15h04"}
)

// extractedAt reads the extraction timestamp. A bare time of day is combined
// with the row's update date. The zero time means no usable timestamp.
func (c *Coercer) extractedAt(row RawRow) time.Time {
	raw := row.Value(FieldExtractedAt)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, c.loc); err == nil {
			return t
		}
	}

	date, ok := row.Times[FieldUpdatedAt]
	if !ok {
		d, err := time.ParseInLocation("2006-01-02", row.Value(FieldUpdatedAt), c.loc)
		if err != nil {
			return time.Time{}
		}
		date = d
	}
	for _, layout := range timeOfDayLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), t.Second(), 0, c.loc)
		}
	}
	return time.Time{}
}

// ParseDecimal parses a number that may use a comma decimal separator and
// spaces as thousands separators ("1 234,5"). Non-finite values are rejected.
func ParseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", ",", ".").Replace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ParseDuration converts "H:MM", "H:MM:SS" or a decimal number of hours to
// fractional hours ("2:30" -> 2.5).
func ParseDuration(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if !strings.Contains(s, ":") {
		v, ok := ParseDecimal(s)
		if !ok || v < 0 {
			return 0, false
		}
		return v, true
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, false
	}
	hours, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || hours < 0 {
		return 0, false
	}
	total := float64(hours)
	for i, unit := range []float64{60, 3600} {
		if i+1 >= len(parts) {
			break
		}
		n, err := strconv.Atoi(strings.TrimSpace(parts[i+1]))
		if err != nil || n < 0 || n >= 60 {
			return 0, false
		}
		total += float64(n) / unit
	}
	return total, true
}

// OccupancyRate returns occupied / functional * 100, or exactly 0 when
// functional is not positive.
func OccupancyRate(occupied, functional float64) float64 {
	if functional <= 0 {
		return 0
	}
	return occupied / functional * 100
}

// SyntheticSourceID builds {prefix}-{permit}-{YYYYMMDD}. Without a permit the
// row is identified by a short hash of its names instead.
func SyntheticSourceID(prefix, permit, names string, runDate time.Time) string {
	date := runDate.Format("20060102")
	if permit != "" {
		return fmt.Sprintf("%s-%s-%s", prefix, permit, date)
	}
	sum := sha256.Sum256([]byte(names))
	return fmt.Sprintf("%s-%s-%s", prefix, date, hex.EncodeToString(sum[:4]))
}
