package fabric

import (
	"sync"
	"time"

	"github.com/opensci-hpc/pilotmgr/pkg/metrics"
	"github.com/opensci-hpc/pilotmgr/pkg/state"
	"github.com/opensci-hpc/pilotmgr/pkg/types"
)

// Well-known output queue names.
const (
	QueueSchedulingPending    = "UMGR_SCHEDULING_PENDING"
	QueueStagingOutputPending = "UMGR_STAGING_OUTPUT_PENDING"
)

// Fabric is the message-fabric adapter: a broker for pub/sub plus a
// persistent Store, combined behind the single Advance operation the
// rest of the core uses to move a unit forward. It owns the declared
// state→queue mapping (register_output) and the output queues
// themselves.
type Fabric struct {
	Store  Store
	Umgr   string // uid of the owning unit manager, stamped onto unit docs
	broker *Broker

	mu      sync.Mutex
	outputs map[state.UnitState][]string
	queues  map[string]chan *types.Unit
}

// New creates a Fabric backed by store, with its own broker, for the
// unit manager identified by umgr.
func New(store Store, umgr string) *Fabric {
	return &Fabric{
		Store:   store,
		Umgr:    umgr,
		broker:  NewBroker(),
		outputs: make(map[state.UnitState][]string),
		queues:  make(map[string]chan *types.Unit),
	}
}

// Publish fire-and-forgets msg to topic.
func (f *Fabric) Publish(topic string, msg any) {
	f.broker.Publish(topic, msg)
}

// Subscribe delivers every message published on topic to handler,
// once, on the broker's dispatch goroutine.
func (f *Fabric) Subscribe(topic string, handler Handler) {
	f.broker.Subscribe(topic, handler)
}

// RegisterOutput declares that units entering s should be pushed onto
// queue whenever Advance is called with push=true.
func (f *Fabric) RegisterOutput(s state.UnitState, queue string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[s] = append(f.outputs[s], queue)
	if _, ok := f.queues[queue]; !ok {
		f.queues[queue] = make(chan *types.Unit, 1024)
	}
}

// Queue returns the receive side of a declared output queue, creating
// the channel if it does not exist yet. The channel only sees traffic
// once at least one state has been registered against queue.
func (f *Fabric) Queue(name string) <-chan *types.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[name]
	if !ok {
		q = make(chan *types.Unit, 1024)
		f.queues[name] = q
	}
	return q
}

// Advance is the atomic transition primitive: optionally append
// newState to the unit's history and recompute its collapsed scalar
// state, always persist the current snapshot to Store, optionally
// publish the resulting state on TopicState, and optionally push the
// unit onto every queue declared (via RegisterOutput) for its new
// state.
func (f *Fabric) Advance(units []*types.Unit, newState *state.UnitState, publish, push bool) error {
	for _, u := range units {
		if newState != nil {
			u.AppendState(*newState, time.Now())
			u.State = u.EffectiveState()
			metrics.UnitStateTransitionsTotal.WithLabelValues(string(u.State)).Inc()
		}

		if err := f.Store.UpsertUnit(f.toUnitDoc(u)); err != nil {
			return err
		}

		if publish {
			f.broker.Publish(TopicState, StateMessage{Type: "unit", UID: u.UID, State: string(u.State)})
		}

		if push {
			f.mu.Lock()
			queueNames := append([]string(nil), f.outputs[u.State]...)
			f.mu.Unlock()
			for _, name := range queueNames {
				f.pushTo(name, u)
			}
		}
	}
	return nil
}

func (f *Fabric) pushTo(name string, u *types.Unit) {
	f.mu.Lock()
	q, ok := f.queues[name]
	if !ok {
		q = make(chan *types.Unit, 1024)
		f.queues[name] = q
	}
	f.mu.Unlock()

	select {
	case q <- u:
	default:
		// Queue full: the consumer is behind. Drop rather than block
		// Advance's caller indefinitely; the next state-pull cycle
		// will observe the unit's persisted state regardless.
	}
}

// toUnitDoc snapshots u as it stands once the unit manager itself has
// finished processing it; control is therefore ControlUmgr. Documents
// from an external producer arrive with control set to
// ControlUmgrPending; the unit-pull path in pkg/umgr claims them and
// then calls Advance (with no new state), which rewrites them with
// ControlUmgr.
func (f *Fabric) toUnitDoc(u *types.Unit) *UnitDoc {
	states := make([]string, len(u.StateHistory))
	history := make([]StateEntry, len(u.StateHistory))
	for i, obs := range u.StateHistory {
		states[i] = string(obs.State)
		history[i] = NewStateEntry(obs)
	}

	var description map[string]any
	if u.Description != nil {
		description = u.Description.Extensions
	}

	return &UnitDoc{
		Type:         "unit",
		UID:          u.UID,
		Umgr:         f.Umgr,
		Pilot:        u.Pilot,
		Control:      ControlUmgr,
		State:        string(u.State),
		States:       states,
		StateHistory: history,
		Description:  description,
		Sandbox:      u.Sandbox,
	}
}
