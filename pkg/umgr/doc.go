// Package umgr implements the unit manager (C4): the session-scoped
// coordinator that owns a scheduler plug-in, the persistent store, and
// the ordered update worker, and exposes the pilot/unit lifecycle
// operations a caller submits work through.
//
// Manager runs three independent background loops in addition to the
// ordered update worker and the fabric's STATE subscriber: a
// scheduling pull (drains UMGR_SCHEDULING_PENDING into the scheduler
// plug-in's Work), a state-pull (reconciles the in-memory mirror
// against the store), and a unit-pull (claims and ingests
// externally-inserted pending units). Close stops these loops and the
// update worker but never touches unit state — a unit's life-cycle
// outlives the handle that submitted it.
package umgr
