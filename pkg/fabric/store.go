package fabric

import "github.com/opensci-hpc/pilotmgr/pkg/state"

// Control values for a unit document's control field: who currently
// owns the document for the purpose of claiming work off it.
const (
	ControlUmgrPending  = "umgr_pending"
	ControlUmgr         = "umgr"
	ControlAgentPending = "agent_pending"
	ControlAgent        = "agent"
)

// StateEntry is the persisted form of state.Observation.
type StateEntry struct {
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

// UnitDoc is the persistent-store representation of a unit, per the
// document schema: type, uid, umgr, pilot, control, state, states
// (full history of state names), statehistory ({state, timestamp}
// pairs), description, sandbox, stdout/stderr/exit_code.
type UnitDoc struct {
	Type         string          `json:"type"`
	UID          string          `json:"uid"`
	Umgr         string          `json:"umgr"`
	Pilot        string          `json:"pilot"`
	Control      string          `json:"control"`
	State        string          `json:"state"`
	States       []string        `json:"states"`
	StateHistory []StateEntry    `json:"statehistory"`
	Description  map[string]any  `json:"description"`
	Sandbox      string          `json:"sandbox"`
	Stdout       string          `json:"stdout,omitempty"`
	Stderr       string          `json:"stderr,omitempty"`
	ExitCode     *int            `json:"exit_code,omitempty"`
}

// PilotDoc is the persistent-store representation of a pilot.
type PilotDoc struct {
	Type        string         `json:"type"`
	UID         string         `json:"uid"`
	Cores       int            `json:"cores"`
	State       string         `json:"state"`
	Role        string         `json:"role"`
	Description map[string]any `json:"description"`
}

// Store is the persistent document-collection contract a unit manager
// session writes against. One store backs both unit and pilot
// documents for a session; implementations (pkg/storage) key them into
// separate buckets/collections internally.
type Store interface {
	UpsertUnit(doc *UnitDoc) error
	DeleteUnit(uid string) error
	GetUnit(uid string) (*UnitDoc, error)
	ListUnits() ([]*UnitDoc, error)

	// PendingUnits returns unit documents owned by umgr with
	// control == ControlUmgrPending — the unit-pull query pattern.
	PendingUnits(umgr string) ([]*UnitDoc, error)

	// ClaimUnits atomically sets control = ControlUmgr on the given
	// uids, so a concurrent poll does not refetch them.
	ClaimUnits(uids []string) error

	UpsertPilot(doc *PilotDoc) error
	GetPilot(uid string) (*PilotDoc, error)
	ListPilots() ([]*PilotDoc, error)

	Close() error
}

// NewStateEntry builds a StateEntry from an observation.
func NewStateEntry(o state.Observation) StateEntry {
	return StateEntry{State: string(o.State), Timestamp: o.Timestamp.UnixNano()}
}
