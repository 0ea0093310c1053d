package pipeline

import (
	"fmt"
	"slices"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/couchcryptid/er-occupancy-etl/internal/validation"
	"github.com/oklog/ulid/v2"
)

// Preview is a dry run over a feed: every row that would reach the store,
// coerced, and every line that would be rejected.
type Preview struct {
	Encoding  string
	Rows      []domain.CanonicalRow
	Rejected  []RowResult
	Anomalies []validation.Anomaly
	Summary   map[string]int
}

// Preview reads, validates and coerces the feed at path without touching the
// store or the snapshot sink.
func (p *Pipeline) Preview(path string) (Preview, error) {
	id := ulid.Make().String()
	logger := p.logger.With("preview_id", id)
	v := validation.New(id, logger, domain.Clock())

	f, rows, rejected, err := p.prepare(path, v, logger)
	if err != nil {
		return Preview{}, err
	}

	out := Preview{Encoding: f.Encoding, Rejected: rejected, Rows: make([]domain.CanonicalRow, 0, len(rows))}
	for _, raw := range rows {
		row := p.coercer.CoerceUrgencyRow(raw)
		for _, w := range row.Warnings {
			v.Record(TypeCoercion, fmt.Sprintf("line %d: %s", row.Line, w))
		}
		out.Rows = append(out.Rows, row)
	}
	slices.SortFunc(out.Rejected, func(a, b RowResult) int { return a.Line - b.Line })
	out.Anomalies = v.Anomalies()
	out.Summary = v.Summary()
	return out, nil
}
