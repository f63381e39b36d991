package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PilotsTotal tracks pilots known to a unit manager by collapsed state.
	PilotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pilotmgr_pilots_total",
			Help: "Total pilots by state",
		},
		[]string{"state"},
	)

	// UnitsTotal tracks units known to a unit manager by collapsed state.
	UnitsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pilotmgr_units_total",
			Help: "Total units by state",
		},
		[]string{"state"},
	)

	// WaitPoolSize is the number of units currently sitting in a
	// scheduler's wait pool, unbound to any pilot.
	WaitPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pilotmgr_wait_pool_size",
			Help: "Units waiting for a pilot with enough headroom",
		},
	)

	// SchedulingLatency is a histogram for the time to bind a unit to a
	// pilot. It is registered and exported, but no pilotmgr package
	// observes into it.
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pilotmgr_scheduling_latency_seconds",
			Help:    "Time to bind a unit to a pilot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// UnitsScheduledTotal counts units a scheduler plug-in has bound to
	// a pilot.
	UnitsScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pilotmgr_units_scheduled_total",
			Help: "Total units successfully bound to a pilot",
		},
	)

	// UnitStateTransitionsTotal counts unit state advances applied by
	// the ordered update worker and by fabric.Fabric.Advance, by
	// resulting state.
	UnitStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilotmgr_unit_state_transitions_total",
			Help: "Unit state advances applied, by resulting state",
		},
		[]string{"state"},
	)

	// BulkFlushTotal counts flushes of the ordered update worker's bulk
	// collection buffer, by trigger (age, explicit, shutdown).
	BulkFlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilotmgr_bulk_flush_total",
			Help: "Bulk collection buffer flushes, by trigger",
		},
		[]string{"trigger"},
	)

	// BulkFlushDuration is the time spent writing a flushed batch to
	// the fabric's document store.
	BulkFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pilotmgr_bulk_flush_duration_seconds",
			Help:    "Time to persist a flushed bulk collection batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BulkFlushSize is the distribution of batch sizes at flush time.
	BulkFlushSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pilotmgr_bulk_flush_size",
			Help:    "Number of documents in a flushed bulk collection batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// InconsistencyErrorsTotal counts fatal scheduler accounting errors
	// (e.g. a pilot's used-cores count going negative).
	InconsistencyErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilotmgr_inconsistency_errors_total",
			Help: "Fatal scheduler accounting inconsistencies detected",
		},
		[]string{"scheduler"},
	)

	// CallbackFailuresTotal counts user callback invocations that
	// panicked; these are logged and isolated, never allowed to stop a
	// unit manager's background loops.
	CallbackFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilotmgr_callback_failures_total",
			Help: "User callback invocations that failed",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(PilotsTotal)
	prometheus.MustRegister(UnitsTotal)
	prometheus.MustRegister(WaitPoolSize)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(UnitsScheduledTotal)
	prometheus.MustRegister(UnitStateTransitionsTotal)
	prometheus.MustRegister(BulkFlushTotal)
	prometheus.MustRegister(BulkFlushDuration)
	prometheus.MustRegister(BulkFlushSize)
	prometheus.MustRegister(InconsistencyErrorsTotal)
	prometheus.MustRegister(CallbackFailuresTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
