package state

// PilotState represents a pilot's lifecycle stage. Unlike UnitState,
// pilot states form a partial order: the non-terminal states are
// totally ordered up to PMGR_ACTIVE, which precedes the terminal set;
// the terminal states share one rank and are unordered among
// themselves.
type PilotState string

const (
	PilotLaunchingPending PilotState = "PMGR_LAUNCHING_PENDING"
	PilotLaunching        PilotState = "PMGR_LAUNCHING"
	PilotActivePending    PilotState = "PMGR_ACTIVE_PENDING"
	PilotActive           PilotState = "PMGR_ACTIVE"
	PilotDone             PilotState = "DONE"
	PilotFailed           PilotState = "FAILED"
	PilotCanceled         PilotState = "CANCELED"
)

var pilotRank = map[PilotState]int{
	PilotLaunchingPending: 0,
	PilotLaunching:        1,
	PilotActivePending:    2,
	PilotActive:           3,
	PilotDone:             4,
	PilotFailed:           4,
	PilotCanceled:         4,
}

var pilotTerminal = map[PilotState]bool{
	PilotDone:     true,
	PilotFailed:   true,
	PilotCanceled: true,
}

// PilotRank returns the dense rank of a pilot state.
func PilotRank(s PilotState) int {
	if r, ok := pilotRank[s]; ok {
		return r
	}
	return -1
}

// PilotIsTerminal reports whether s is one of {DONE, FAILED, CANCELED}.
func PilotIsTerminal(s PilotState) bool {
	return pilotTerminal[s]
}

// PilotEligible reports whether a pilot in state s is eligible for
// scheduling, i.e. start <= s <= stop in rank order. Defaults for
// start/stop are both PMGR_ACTIVE.
func PilotEligible(s, start, stop PilotState) bool {
	r := PilotRank(s)
	return r >= PilotRank(start) && r <= PilotRank(stop)
}
