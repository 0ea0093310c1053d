package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "er_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for ingestion.
type Metrics struct {
	RowsRead          prometheus.Counter
	RowsRejected      *prometheus.CounterVec // labels: reason={missing_required,out_of_range,invalid_date,truncated_line,...}
	RowsFailed        *prometheus.CounterVec // labels: kind={persistence,resolution,internal,...}
	FacilitiesCreated prometheus.Counter
	HistoryArchived   prometheus.Counter
	PipelineRunning   prometheus.Gauge

	// Cycle metrics.
	Cycles        *prometheus.CounterVec // labels: outcome={success,failed,skipped,cancelled}
	CycleDuration prometheus.Histogram

	BackfillUpdates    *prometheus.CounterVec // labels: entity={facility,state}
	SnapshotsPublished prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		RowsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_read_total",
			Help:      "Total feed rows read.",
		}),
		RowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_rejected_total",
			Help:      "Feed rows dropped by validation, by reason.",
		}, []string{"reason"}),
		RowsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_failed_total",
			Help:      "Feed rows rolled back, by error kind.",
		}, []string{"kind"}),
		FacilitiesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facilities_created_total",
			Help:      "Facilities created because no existing one matched.",
		}),
		HistoryArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_archived_total",
			Help:      "Current states copied to history.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the scheduler is active, 0 when shut down.",
		}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Ingestion cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete ingestion cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		BackfillUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_updates_total",
			Help:      "Rows changed by the null backfill, by entity.",
		}, []string{"entity"}),
		SnapshotsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_published_total",
			Help:      "Current-state snapshots written to the sink topic.",
		}),
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RowsRead,
		m.RowsRejected,
		m.RowsFailed,
		m.FacilitiesCreated,
		m.HistoryArchived,
		m.PipelineRunning,
		m.Cycles,
		m.CycleDuration,
		m.BackfillUpdates,
		m.SnapshotsPublished,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
