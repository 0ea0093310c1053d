package pipeline

import (
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
)

// Status is the outcome of one feed row.
type Status string

const (
	// StatusApplied means the row was committed to the current state.
	StatusApplied Status = "applied"
	// StatusRejected means validation dropped the row.
	StatusRejected Status = "rejected"
	// StatusFailed means the row's transaction was rolled back.
	StatusFailed Status = "failed"
	// StatusStale means the row was older than the stored state and skipped.
	StatusStale Status = "stale"
)

// RowResult describes what happened to one feed row.
type RowResult struct {
	Line       int                 `json:"line"`
	Status     Status              `json:"status"`
	FacilityID uint                `json:"facility_id,omitempty"`
	Created    bool                `json:"created,omitempty"`
	Archived   bool                `json:"archived,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Err        *domain.IngestError `json:"-"`
}

// CycleReport is the result of one ingestion cycle, with one RowResult per
// feed row in line order.
type CycleReport struct {
	CycleID    string         `json:"cycle_id"`
	FeedPath   string         `json:"feed_path"`
	Encoding   string         `json:"encoding,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Rows       []RowResult    `json:"-"`
	Anomalies  map[string]int `json:"anomalies,omitempty"`
	ReportPath string         `json:"report_path,omitempty"`
}

// Summary aggregates row results.
type Summary struct {
	Rows              int                      `json:"rows"`
	Applied           int                      `json:"applied"`
	Rejected          int                      `json:"rejected"`
	Failed            int                      `json:"failed"`
	Stale             int                      `json:"stale"`
	FacilitiesCreated int                      `json:"facilities_created"`
	HistoryArchived   int                      `json:"history_archived"`
	FailedByKind      map[domain.ErrorKind]int `json:"failed_by_kind,omitempty"`
}

// Summarize counts results by status.
func Summarize(results []RowResult) Summary {
	var s Summary
	for _, r := range results {
		s.Rows++
		switch r.Status {
		case StatusApplied:
			s.Applied++
		case StatusRejected:
			s.Rejected++
		case StatusFailed:
			s.Failed++
			if r.Err != nil {
				if s.FailedByKind == nil {
					s.FailedByKind = make(map[domain.ErrorKind]int)
				}
				s.FailedByKind[r.Err.Kind]++
			}
		case StatusStale:
			s.Stale++
		}
		if r.Created {
			s.FacilitiesCreated++
		}
		if r.Archived {
			s.HistoryArchived++
		}
	}
	return s
}

// CycleStatus describes the most recent ingestion cycle run by a Runner.
type CycleStatus struct {
	CycleID    string    `json:"cycle_id,omitempty"`
	FeedPath   string    `json:"feed_path"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
	Summary    Summary   `json:"summary"`
}

// StatusOf builds the status of a finished cycle.
func StatusOf(rep CycleReport, err error) CycleStatus {
	st := CycleStatus{
		CycleID:    rep.CycleID,
		FeedPath:   rep.FeedPath,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Summary:    Summarize(rep.Rows),
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}
