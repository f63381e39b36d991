/*
Package state defines the pilot and unit state enumerations used across
pilotmgr, along with the pure functions that reason about them: dense
integer ranking, terminal-state detection, and history collapse.

# Architecture

Pilot state is a partial order:

	PMGR_LAUNCHING_PENDING < PMGR_LAUNCHING < PMGR_ACTIVE_PENDING < PMGR_ACTIVE < {DONE, FAILED, CANCELED}

Unit state is a total order used for linearization in pkg/update and
for collapsing out-of-order observations in pkg/umgr:

	NEW → PENDING → ... → STAGING_OUTPUT → {DONE, CANCELING, CANCELED, FAILED}

Both orders are fixed and known at compile time; there is no runtime
registration of new states. Collapse is deterministic and idempotent
(see Collapse), which is what lets pkg/umgr and pkg/update tolerate
state notifications arriving out of order over independent transports.
*/
package state
