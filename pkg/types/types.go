package types

import (
	"time"

	"github.com/opensci-hpc/pilotmgr/pkg/state"
)

// PilotRole marks a pilot's membership status in a scheduler.
type PilotRole string

const (
	PilotRoleAdded   PilotRole = "ADDED"
	PilotRoleRemoved PilotRole = "REMOVED"
)

// PilotDescription carries the opaque, user-supplied pilot request.
// Cores is the only field the core interprets; everything else the
// caller cares about (resource name, queue, walltime, ...) lives in
// Extensions and is never read by the scheduler or unit manager.
type PilotDescription struct {
	Cores      int
	Extensions map[string]any
}

// Pilot represents a reservation of cores on a cluster.
type Pilot struct {
	UID         string
	Cores       int
	State       state.PilotState
	Role        PilotRole
	Description *PilotDescription
}

// PilotAccounting is the derived per-pilot bookkeeping record created
// when a pilot is first added to a scheduler. HWM is the high-water
// mark in cores (floor(cores * hwmPercent / 100)); Used must never go
// negative — a scheduler plug-in that lets it go negative has a
// bookkeeping bug and must report it as an InconsistencyError rather
// than silently clamp.
type PilotAccounting struct {
	HWM   int
	Used  int
	Units map[string]struct{}
	Done  map[string]struct{}
}

// NewPilotAccounting builds the accounting record for a newly added
// pilot with the given high-water-mark percentage.
func NewPilotAccounting(cores, hwmPercent int) *PilotAccounting {
	return &PilotAccounting{
		HWM:   (cores * hwmPercent) / 100,
		Units: make(map[string]struct{}),
		Done:  make(map[string]struct{}),
	}
}

// UnitDescription carries the opaque, user-supplied unit request.
// Cores is the only field the core interprets.
type UnitDescription struct {
	Cores      int
	Extensions map[string]any
}

// Unit represents an executable task dispatched onto a pilot.
type Unit struct {
	UID          string
	Description  *UnitDescription
	State        state.UnitState
	StateHistory []state.Observation
	Pilot        string // uid of the bound pilot, "" until scheduled
	Sandbox      string
}

// AppendState records a new observed state in the unit's history; it
// returns nothing (EffectiveState gives the collapsed state). It does
// not decide whether
// the scalar State field should be advanced; callers (pkg/update,
// pkg/umgr) apply state.Collapse's monotonicity rules themselves,
// since the linearization algorithm is more than a plain collapse.
func (u *Unit) AppendState(s state.UnitState, ts time.Time) {
	u.StateHistory = append(u.StateHistory, state.Observation{State: s, Timestamp: ts})
}

// EffectiveState returns state.Collapse(u.StateHistory).
func (u *Unit) EffectiveState() state.UnitState {
	return state.Collapse(u.StateHistory)
}
