package state

import "time"

// UnitState represents a unit's position in the execution pipeline.
type UnitState string

// The unit state set, in total order. Implementers elsewhere must not
// assume contiguous iota values line up with rank; use Rank.
const (
	UnitNew                        UnitState = "NEW"
	UnitPending                    UnitState = "PENDING"
	UnitPendingLaunch              UnitState = "PENDING_LAUNCH"
	UnitLaunching                  UnitState = "LAUNCHING"
	UnitPendingActive              UnitState = "PENDING_ACTIVE"
	UnitActive                     UnitState = "ACTIVE"
	UnitUnscheduled                UnitState = "UNSCHEDULED"
	UnitScheduling                 UnitState = "SCHEDULING"
	UnitPendingInputStaging        UnitState = "PENDING_INPUT_STAGING"
	UnitStagingInput               UnitState = "STAGING_INPUT"
	UnitAgentStagingInputPending   UnitState = "AGENT_STAGING_INPUT_PENDING"
	UnitAgentStagingInput          UnitState = "AGENT_STAGING_INPUT"
	UnitAllocatingPending          UnitState = "ALLOCATING_PENDING"
	UnitAllocating                 UnitState = "ALLOCATING"
	UnitExecutingPending           UnitState = "EXECUTING_PENDING"
	UnitExecuting                  UnitState = "EXECUTING"
	UnitAgentStagingOutputPending  UnitState = "AGENT_STAGING_OUTPUT_PENDING"
	UnitAgentStagingOutput         UnitState = "AGENT_STAGING_OUTPUT"
	UnitPendingOutputStaging       UnitState = "PENDING_OUTPUT_STAGING"
	UnitStagingOutput              UnitState = "STAGING_OUTPUT"
	UnitDone                       UnitState = "DONE"
	UnitCanceling                  UnitState = "CANCELING"
	UnitCanceled                   UnitState = "CANCELED"
	UnitFailed                     UnitState = "FAILED"
)

// unitRank gives each unit state a dense integer rank in arrival order
// through the pipeline. DONE, CANCELING, CANCELED and FAILED all share
// the top rank; Collapse treats the terminal ones specially regardless
// of rank.
var unitRank = map[UnitState]int{
	UnitNew:                       0,
	UnitPending:                   1,
	UnitPendingLaunch:             2,
	UnitLaunching:                 3,
	UnitPendingActive:             4,
	UnitActive:                    5,
	UnitUnscheduled:               6,
	UnitScheduling:                7,
	UnitPendingInputStaging:       8,
	UnitStagingInput:              9,
	UnitAgentStagingInputPending:  10,
	UnitAgentStagingInput:         11,
	UnitAllocatingPending:         12,
	UnitAllocating:                13,
	UnitExecutingPending:          14,
	UnitExecuting:                 15,
	UnitAgentStagingOutputPending: 16,
	UnitAgentStagingOutput:        17,
	UnitPendingOutputStaging:      18,
	UnitStagingOutput:             19,
	UnitDone:                      20,
	UnitCanceling:                 20,
	UnitCanceled:                  20,
	UnitFailed:                    20,
}

// unitTerminal is the closed set of states from which no further
// transition is admitted.
var unitTerminal = map[UnitState]bool{
	UnitDone:     true,
	UnitFailed:   true,
	UnitCanceled: true,
}

// Rank returns the dense integer rank of a unit state in the total
// order used for linearization. Unknown states rank below NEW so that
// callers degrade safely rather than panicking.
func Rank(s UnitState) int {
	if r, ok := unitRank[s]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether s is one of {DONE, FAILED, CANCELED}.
func IsTerminal(s UnitState) bool {
	return unitTerminal[s]
}

// Observation pairs a state with the time it was recorded. Histories
// are append-only; Collapse never mutates its argument.
type Observation struct {
	State     UnitState
	Timestamp time.Time
}

// Collapse reduces an out-of-order, append-only history of state
// observations to a single effective state.
//
// Rule: if any terminal state appears, the first terminal encountered
// (by position in history, not by rank) is returned. Otherwise the
// state with the highest rank is returned; ties break by first
// occurrence. Collapse is deterministic and idempotent: appending the
// result of Collapse(h) to h and collapsing again yields the same
// state.
func Collapse(history []Observation) UnitState {
	var bestState UnitState
	bestRank := -1
	haveBest := false

	for _, obs := range history {
		if IsTerminal(obs.State) {
			return obs.State
		}
		r := Rank(obs.State)
		if !haveBest || r > bestRank {
			bestState = obs.State
			bestRank = r
			haveBest = true
		}
	}

	return bestState
}
