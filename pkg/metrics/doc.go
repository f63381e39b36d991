/*
Package metrics defines and registers pilotmgr's Prometheus collectors
and exposes them over HTTP for scraping.

Collectors fall into three groups: point-in-time gauges sampled from a
running unit manager by Collector (PilotsTotal, UnitsTotal,
WaitPoolSize), counters incremented inline by pkg/scheduler,
pkg/update, pkg/fabric and pkg/umgr as events occur
(UnitsScheduledTotal, UnitStateTransitionsTotal, BulkFlushTotal,
InconsistencyErrorsTotal, CallbackFailuresTotal), and latency
histograms (SchedulingLatency, BulkFlushDuration). pkg/update records
BulkFlushDuration with the Timer helper; nothing in pilotmgr records
SchedulingLatency.

# Usage

	http.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	bindUnitToPilot(unit, pilot)
	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.UnitsScheduledTotal.Inc()

Collector samples a Source (typically *umgr.Manager) on a fixed tick
and republishes its pilot/unit state distribution as gauges, so callers
don't need to wire per-transition gauge updates through the manager's
locking paths.
*/
package metrics
