package scheduler

import (
	"fmt"
	"path"

	"github.com/opensci-hpc/pilotmgr/pkg/fabric"
	"github.com/opensci-hpc/pilotmgr/pkg/state"
	"github.com/opensci-hpc/pilotmgr/pkg/types"
)

// Plugin is the shared scheduler plug-in contract: both Round-Robin
// and Backfilling bind units onto pilots this way. All methods may be
// called concurrently with each other.
type Plugin interface {
	// AddPilots registers pilots with the plug-in and may trigger
	// scheduling of units currently in the wait pool.
	AddPilots(pilots []*types.Pilot) error

	// RemovePilots deregisters pilots. Units already bound to a
	// removed pilot remain bound; no migration is attempted.
	RemovePilots(pids []string) error

	// UpdatePilots re-evaluates eligibility after pilot state changes,
	// possibly triggering a scheduling pass.
	UpdatePilots(pilots []*types.Pilot) error

	// UpdateUnits observes unit state changes, releasing accounting
	// for units that have progressed past AGENT_EXECUTING.
	UpdateUnits(units []*types.Unit) error

	// Work ingests newly submitted units, advances them to SCHEDULING,
	// and attempts to bind them to a pilot.
	Work(units []*types.Unit) error
}

// Config is the enumerated scheduler configuration: hwm_percent,
// bf_start, bf_stop are backfilling-only and ignored by round-robin.
type Config struct {
	HWMPercent int
	BFStart    state.PilotState
	BFStop     state.PilotState
}

// DefaultConfig returns the configuration backfilling's worked
// examples assume: HWM=200%, eligible for the pilot's entire ACTIVE
// lifetime.
func DefaultConfig() Config {
	return Config{
		HWMPercent: 200,
		BFStart:    state.PilotActive,
		BFStop:     state.PilotActive,
	}
}

// InconsistencyError reports a fatal scheduler accounting violation: a
// pilot's committed-cores count would go negative.
// Implementers/callers treat this as process-fatal to the affected
// scheduler; pilotmgr's umgr.Manager halts scheduling rather than
// continue with corrupted accounting.
type InconsistencyError struct {
	Pilot  string
	Detail string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("scheduler inconsistency on pilot %s: %s", e.Pilot, e.Detail)
}

// Constructor builds a Plugin bound to fab, configured by cfg.
type Constructor func(cfg Config, fab *fabric.Fabric) Plugin

var registry = map[string]Constructor{
	"round_robin": func(cfg Config, fab *fabric.Fabric) Plugin { return NewRoundRobin(fab) },
	"backfilling": func(cfg Config, fab *fabric.Fabric) Plugin { return NewBackfilling(cfg, fab) },
}

// New looks up name in the name→constructor registry and builds a
// plug-in bound to fab.
func New(name string, cfg Config, fab *fabric.Fabric) (Plugin, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown scheduler plug-in: %s", name)
	}
	return ctor(cfg, fab), nil
}

// sandboxPath derives a unit's sandbox path from its bound pilot. Both
// plug-ins use the same convention.
func sandboxPath(pilotUID, unitUID string) string {
	return path.Join(pilotUID, unitUID)
}

// ingest advances units to SCHEDULING, the shared first step of
// work(units) for both plug-ins.
func ingest(fab *fabric.Fabric, units []*types.Unit) error {
	if len(units) == 0 {
		return nil
	}
	ns := state.UnitScheduling
	return fab.Advance(units, &ns, true, true)
}
