package umgr

import (
	"time"

	"github.com/opensci-hpc/pilotmgr/pkg/state"
)

// Config is the enumerated unit manager configuration: scheduler
// plug-in name, the two background pulls' cadence, the ordered update
// worker's bulk age, cancel strictness, plus backfilling's knobs
// (ignored by round-robin).
type Config struct {
	Scheduler              string
	DBPollInterval         time.Duration
	BulkCollectionInterval time.Duration
	StrictCancel           bool

	HWMPercent int
	BFStart    state.PilotState
	BFStop     state.PilotState
}

// DefaultConfig gives every field a sane default so a caller can start
// from DefaultConfig() and override only what it cares about.
func DefaultConfig() Config {
	return Config{
		Scheduler:              "round_robin",
		DBPollInterval:         time.Second,
		BulkCollectionInterval: time.Second,
		StrictCancel:           false,
		HWMPercent:             200,
		BFStart:                state.PilotActive,
		BFStop:                 state.PilotActive,
	}
}
