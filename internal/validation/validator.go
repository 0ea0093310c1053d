// Package validation filters feed rows that cannot be trusted and keeps an
// anomaly log of everything it dropped. Malformed rows are data, not faults:
// no function here returns an error for bad input.
package validation

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Anomaly types recorded by the validator. Other stages may record their own.
const (
	TypeMissingColumn = "missing_column"
	TypeOutOfRange    = "out_of_range"
	TypeRequired      = "missing_required"
	TypeInvalidDate   = "invalid_date"
	TypeCustomRule    = "custom_rule"
)

// DefaultDateLayout is the %Y-%m-%d format used by the feed.
const DefaultDateLayout = "2006-01-02"

// Anomaly is one entry of the anomaly log.
type Anomaly struct {
	Timestamp time.Time           `json:"timestamp"`
	Type      string              `json:"type"`
	Message   string              `json:"message"`
	BatchID   string              `json:"batch_id"`
	Rows      []map[string]string `json:"rows,omitempty"`
}

// Validator applies batch rules to feed rows and accumulates anomalies.
// A Validator belongs to one batch; it is safe for concurrent use.
type Validator struct {
	batchID string
	logger  *slog.Logger
	clock   clockwork.Clock

	mu        sync.Mutex
	anomalies []Anomaly
}

// New creates a Validator for the batch identified by batchID.
func New(batchID string, logger *slog.Logger, clock clockwork.Clock) *Validator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Validator{batchID: batchID, logger: logger, clock: clock}
}

// BatchID returns the batch this validator reports for.
func (v *Validator) BatchID() string { return v.batchID }

// ValidateRange keeps rows whose field parses as a number within [min, max].
// If no row carries the column, the rule is skipped and logged.
func (v *Validator) ValidateRange(rows []domain.RawRow, field string, lo, hi float64) []domain.RawRow {
	if !v.columnPresent(rows, field) {
		return rows
	}
	return v.filter(rows, TypeOutOfRange, field, func(r domain.RawRow) (bool, string) {
		raw := r.Value(field)
		n, ok := domain.ParseDecimal(raw)
		if !ok {
			return false, fmt.Sprintf("non-numeric value %q", raw)
		}
		if n < lo || n > hi {
			return false, fmt.Sprintf("value %g outside [%g, %g]", n, lo, hi)
		}
		return true, ""
	})
}

// ValidateRequired keeps rows in which every field is present and non-blank.
// Fields missing from the whole batch are logged and not enforced.
func (v *Validator) ValidateRequired(rows []domain.RawRow, fields ...string) []domain.RawRow {
	for _, field := range fields {
		if !v.columnPresent(rows, field) {
			continue
		}
		rows = v.filter(rows, TypeRequired, field, func(r domain.RawRow) (bool, string) {
			if r.Value(field) == "" {
				return false, "required value is empty"
			}
			return true, ""
		})
	}
	return rows
}

// ValidateAnyRequired keeps rows in which at least one of fields is
// non-blank. Only the fields present in the batch are considered; when none
// is, the rule is logged and not enforced.
func (v *Validator) ValidateAnyRequired(rows []domain.RawRow, fields ...string) []domain.RawRow {
	present := make([]string, 0, len(fields))
	for _, field := range fields {
		if v.columnPresent(rows, field) {
			present = append(present, field)
		}
	}
	if len(present) == 0 {
		return rows
	}
	return v.filter(rows, TypeRequired, strings.Join(present, "|"), func(r domain.RawRow) (bool, string) {
		for _, field := range present {
			if r.Value(field) != "" {
				return true, ""
			}
		}
		return false, "every identifying value is empty"
	})
}

// ValidateDate keeps rows whose field parses with layout, rewriting the value
// to YYYY-MM-DD and recording the parsed time on the row.
func (v *Validator) ValidateDate(rows []domain.RawRow, field, layout string) []domain.RawRow {
	if layout == "" {
		layout = DefaultDateLayout
	}
	if !v.columnPresent(rows, field) {
		return rows
	}
	kept := v.filter(rows, TypeInvalidDate, field, func(r domain.RawRow) (bool, string) {
		raw := r.Value(field)
		if _, err := time.Parse(layout, raw); err != nil {
			return false, fmt.Sprintf("value %q does not match layout %s", raw, layout)
		}
		return true, ""
	})
	for i := range kept {
		t, _ := time.Parse(layout, kept[i].Value(field))
		kept[i].Values[field] = t.Format(DefaultDateLayout)
		kept[i].SetTime(field, t)
	}
	return kept
}

// ValidateCustom keeps rows for which keep returns true. name identifies the
// rule in logs and in the anomaly report.
func (v *Validator) ValidateCustom(rows []domain.RawRow, name string, keep func(domain.RawRow) bool) []domain.RawRow {
	return v.filter(rows, TypeCustomRule, name, func(r domain.RawRow) (bool, string) {
		if keep(r) {
			return true, ""
		}
		return false, "rule " + name + " failed"
	})
}

// Record appends an anomaly raised outside the validator, optionally with
// the rows involved.
func (v *Validator) Record(kind, message string, rows ...domain.RawRow) {
	a := Anomaly{
		Timestamp: v.clock.Now(),
		Type:      kind,
		Message:   message,
		BatchID:   v.batchID,
	}
	for _, r := range rows {
		a.Rows = append(a.Rows, dumpRow(r))
	}
	v.mu.Lock()
	v.anomalies = append(v.anomalies, a)
	v.mu.Unlock()
}

// Anomalies returns a copy of the log.
func (v *Validator) Anomalies() []Anomaly {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.anomalies)
}

// Summary counts anomalies by type.
func (v *Validator) Summary() map[string]int {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]int)
	for _, a := range v.anomalies {
		out[a.Type]++
	}
	return out
}

// filter keeps the rows accepted by check and records a single anomaly with
// every dropped row.
func (v *Validator) filter(rows []domain.RawRow, kind, field string, check func(domain.RawRow) (bool, string)) []domain.RawRow {
	kept := rows[:0:0]
	var dropped []domain.RawRow
	for _, r := range rows {
		ok, reason := check(r)
		if ok {
			kept = append(kept, r)
			continue
		}
		dropped = append(dropped, r)
		v.logger.Warn("row dropped",
			"batch_id", v.batchID,
			"line", r.Line,
			"field", field,
			"reason", reason,
		)
	}
	if len(dropped) > 0 {
		v.Record(kind, fmt.Sprintf("%d row(s) failed %s on %s", len(dropped), kind, field), dropped...)
	}
	return kept
}

func (v *Validator) columnPresent(rows []domain.RawRow, field string) bool {
	for _, r := range rows {
		if _, ok := r.Get(field); ok {
			return true
		}
	}
	if len(rows) > 0 {
		v.logger.Warn("column missing, rule skipped", "batch_id", v.batchID, "field", field)
		v.Record(TypeMissingColumn, "column "+field+" not found")
	}
	return false
}

func dumpRow(r domain.RawRow) map[string]string {
	out := make(map[string]string, len(r.Values)+1)
	for k, val := range r.Values {
		out[k] = strings.TrimSpace(val)
	}
	out["_line"] = fmt.Sprint(r.Line)
	return out
}
