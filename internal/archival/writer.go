// Package archival applies a measurement to a facility's current state,
// copying the superseded state to history first.
package archival

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/couchcryptid/er-occupancy-etl/internal/store"
)

// Policy decides what re-ingesting a known extraction does.
type Policy string

const (
	// PolicyDedupe refreshes the current state in place for an identical
	// extraction time and skips older ones.
	PolicyDedupe Policy = "dedupe"
	// PolicyAlways archives on every new measurement.
	PolicyAlways Policy = "always"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyDedupe, PolicyAlways:
		return p, nil
	default:
		return "", fmt.Errorf("unknown archive policy %q", s)
	}
}

// Outcome is what ApplyMeasurement did.
type Outcome string

const (
	// OutcomeInserted means the facility had no current state yet.
	OutcomeInserted Outcome = "inserted"
	// OutcomeArchived means the previous state went to history.
	OutcomeArchived Outcome = "archived"
	// OutcomeRefreshed means the current state was overwritten without a
	// history row.
	OutcomeRefreshed Outcome = "refreshed"
	// OutcomeStale means the measurement is older than the current state and
	// nothing was written.
	OutcomeStale Outcome = "stale"
)

// StateStore is the state half of a unit of work.
type StateStore interface {
	CurrentState(facilityID uint) (*store.CurrentState, error)
	InsertHistory(h *store.HistoryRecord) error
	SaveCurrentState(s *store.CurrentState) error
}

var _ StateStore = (*store.Repo)(nil)

// Writer holds the archive policy.
type Writer struct {
	policy Policy
	logger *slog.Logger
}

// New creates a Writer. An empty policy means PolicyDedupe.
func New(policy Policy, logger *slog.Logger) *Writer {
	if policy == "" {
		policy = PolicyDedupe
	}
	return &Writer{policy: policy, logger: logger}
}

// Policy returns the configured policy.
func (w *Writer) Policy() Policy { return w.policy }

// Begin starts a cycle. A cycle archives each facility at most once; later
// measurements of the same facility in the cycle overwrite the current state.
func (w *Writer) Begin() *Cycle {
	return &Cycle{w: w, archived: make(map[uint]struct{})}
}

// ApplyMeasurement applies one measurement outside of any cycle.
func (w *Writer) ApplyMeasurement(ctx context.Context, states StateStore, facilityID uint, row domain.CanonicalRow, extractedAt time.Time) (Outcome, error) {
	return w.Begin().ApplyMeasurement(ctx, states, facilityID, row, extractedAt)
}

// Cycle tracks the facilities archived during one ingestion cycle.
// It is not safe for concurrent use.
type Cycle struct {
	w        *Writer
	archived map[uint]struct{}
}

// ApplyMeasurement runs inside the caller's unit of work. When a current
// state exists it is copied to history before being overwritten, so a failed
// history insert leaves the transaction to roll back with nothing lost.
// Call Commit once the unit of work is committed.
func (c *Cycle) ApplyMeasurement(_ context.Context, states StateStore, facilityID uint, row domain.CanonicalRow, extractedAt time.Time) (Outcome, error) {
	now := domain.Clock().Now()

	current, err := states.CurrentState(facilityID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", domain.NewIngestError(domain.KindPersistence, row.Line, "read current state", err)
	}

	outcome := OutcomeArchived
	switch {
	case current == nil:
		current = &store.CurrentState{FacilityID: facilityID}
		outcome = OutcomeInserted
	case c.w.policy == PolicyDedupe && extractedAt.Before(current.ExtractedAt):
		c.w.logger.Debug("stale measurement skipped",
			"facility_id", facilityID,
			"line", row.Line,
			"extracted_at", extractedAt,
			"current_extracted_at", current.ExtractedAt,
		)
		return OutcomeStale, nil
	case c.w.policy == PolicyDedupe && extractedAt.Equal(current.ExtractedAt):
		outcome = OutcomeRefreshed
	case c.archivedAlready(facilityID):
		outcome = OutcomeRefreshed
	}

	if outcome == OutcomeArchived {
		h := current.Archive(now)
		if err := states.InsertHistory(&h); err != nil {
			return "", domain.NewIngestError(domain.KindPersistence, row.Line, "archive current state", err)
		}
	}

	current.Readings = store.ReadingsFrom(row.Measurements)
	current.ExtractedAt = extractedAt
	current.ModifiedAt = now
	current.Status = store.StatusValidated
	if err := states.SaveCurrentState(current); err != nil {
		return "", domain.NewIngestError(domain.KindPersistence, row.Line, "save current state", err)
	}
	return outcome, nil
}

// Commit records a committed outcome for facilityID.
func (c *Cycle) Commit(facilityID uint, o Outcome) {
	if o == OutcomeArchived {
		c.archived[facilityID] = struct{}{}
	}
}

func (c *Cycle) archivedAlready(facilityID uint) bool {
	_, ok := c.archived[facilityID]
	return ok
}
