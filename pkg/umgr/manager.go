package umgr

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensci-hpc/pilotmgr/pkg/fabric"
	"github.com/opensci-hpc/pilotmgr/pkg/log"
	"github.com/opensci-hpc/pilotmgr/pkg/metrics"
	"github.com/opensci-hpc/pilotmgr/pkg/scheduler"
	"github.com/opensci-hpc/pilotmgr/pkg/state"
	"github.com/opensci-hpc/pilotmgr/pkg/types"
	"github.com/opensci-hpc/pilotmgr/pkg/update"
	"github.com/rs/zerolog"
)

// Metric is one of the closed set of callback metrics a caller may
// register against.
type Metric string

const (
	MetricUnitState     Metric = "UNIT_STATE"
	MetricWaitQueueSize Metric = "WAIT_QUEUE_SIZE"
)

// Callback is invoked synchronously from the state-handling code path
// that produced the event. Implementations must not block or panic;
// Manager isolates a panicking callback from its peers.
type Callback func(metric Metric, data any, payload any)

type registeredCallback struct {
	cb   Callback
	data any
}

// waitPoolSizer is implemented by both scheduler plug-ins but kept out
// of the scheduler.Plugin contract since it is metrics-only surface.
type waitPoolSizer interface {
	WaitPoolLen() int
}

// Manager is the unit manager (C4): the session-scoped owner of a
// scheduler plug-in, a persistent store, and the ordered update
// worker, presenting the operations clients submit units and pilots
// through.
type Manager struct {
	uid       string
	config    Config
	fab       *fabric.Fabric
	store     fabric.Store
	scheduler scheduler.Plugin
	worker    *update.Worker
	logger    zerolog.Logger

	pilotsMu sync.RWMutex
	pilots   map[string]*types.Pilot

	unitsMu sync.RWMutex
	units   map[string]*types.Unit

	callbacksMu sync.Mutex
	callbacks   map[Metric][]registeredCallback

	haltedMu sync.Mutex
	halted   bool

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a Manager identified by uid, backed by store, for
// the given configuration. It creates the output queues, registers
// the state→queue mappings new/terminal units need, and constructs
// the configured scheduler plug-in, but does not start any
// background loop — call Start for that.
func NewManager(uid string, store fabric.Store, cfg Config) (*Manager, error) {
	fab := fabric.New(store, uid)

	schedCfg := scheduler.Config{
		HWMPercent: cfg.HWMPercent,
		BFStart:    cfg.BFStart,
		BFStop:     cfg.BFStop,
	}
	plugin, err := scheduler.New(cfg.Scheduler, schedCfg, fab)
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler plug-in: %w", err)
	}

	fab.RegisterOutput(state.UnitNew, fabric.QueueSchedulingPending)
	fab.RegisterOutput(state.UnitDone, fabric.QueueStagingOutputPending)
	fab.RegisterOutput(state.UnitFailed, fabric.QueueStagingOutputPending)
	fab.RegisterOutput(state.UnitCanceled, fabric.QueueStagingOutputPending)

	m := &Manager{
		uid:       uid,
		config:    cfg,
		fab:       fab,
		store:     store,
		scheduler: plugin,
		worker:    update.NewWorker(store, uid, cfg.BulkCollectionInterval),
		logger:    log.WithComponent("umgr"),
		pilots:    make(map[string]*types.Pilot),
		units:     make(map[string]*types.Unit),
		callbacks: make(map[Metric][]registeredCallback),
		stopCh:    make(chan struct{}),
	}
	return m, nil
}

// Start begins the ordered update worker, the STATE subscriber, and
// the manager's three independent background loops (scheduling pull,
// state pull, unit pull).
func (m *Manager) Start() {
	m.worker.Start()
	m.fab.Subscribe(fabric.TopicState, m.handleStateMessage)

	m.wg.Add(3)
	go m.schedulingPullLoop()
	go m.statePullLoop()
	go m.unitPullLoop()
}

// Close is idempotent. It stops the manager's background loops and
// the update worker, but does not cancel units — unit life-cycles are
// independent of the manager handle that submitted them.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stopCh)
	m.wg.Wait()
	m.worker.Stop()
	return nil
}

// AddPilots validates the batch has no duplicate uids (against itself
// and the existing local map), stores the descriptors, hands them to
// the scheduler plug-in, and publishes the control message.
func (m *Manager) AddPilots(pilots []*types.Pilot) error {
	if m.closed.Load() {
		return &UsageError{Msg: "unit manager is closed"}
	}
	if len(pilots) == 0 {
		return &UsageError{Msg: "add_pilots requires at least one pilot"}
	}

	m.pilotsMu.Lock()
	seen := make(map[string]bool, len(pilots))
	for _, p := range pilots {
		if seen[p.UID] {
			m.pilotsMu.Unlock()
			return &UsageError{Msg: fmt.Sprintf("duplicate pilot uid in batch: %s", p.UID)}
		}
		seen[p.UID] = true
		if _, exists := m.pilots[p.UID]; exists {
			m.pilotsMu.Unlock()
			return &UsageError{Msg: fmt.Sprintf("pilot already known: %s", p.UID)}
		}
	}
	for _, p := range pilots {
		m.pilots[p.UID] = p
	}
	m.pilotsMu.Unlock()

	if err := m.scheduler.AddPilots(pilots); err != nil {
		m.handleSchedulerError(err)
		return err
	}

	pids := make([]string, len(pilots))
	for i, p := range pilots {
		pids[i] = p.UID
	}
	m.fab.Publish(fabric.TopicControl, fabric.ControlMessage{
		Cmd: "add_pilots",
		Arg: map[string]any{"pilots": pids, "umgr": m.uid},
	})
	return nil
}

// RemovePilots rejects drain (unimplemented), otherwise removes the
// pilots from the local map immediately and lets the scheduler plug-in
// catch up asynchronously: the local map is the source of truth for
// GetPilots/ListPilots, so a caller sees the removal take effect even
// while the scheduler plug-in is still unwinding in-flight accounting.
func (m *Manager) RemovePilots(pids []string, drain bool) error {
	if drain {
		return &UsageError{Msg: "remove_pilots: drain is not implemented"}
	}
	if m.closed.Load() {
		return &UsageError{Msg: "unit manager is closed"}
	}
	if len(pids) == 0 {
		return &UsageError{Msg: "remove_pilots requires at least one pilot uid"}
	}

	m.pilotsMu.Lock()
	for _, pid := range pids {
		delete(m.pilots, pid)
	}
	m.pilotsMu.Unlock()

	m.fab.Publish(fabric.TopicControl, fabric.ControlMessage{
		Cmd: "remove_pilots",
		Arg: map[string]any{"pids": pids, "umgr": m.uid},
	})

	go func() {
		if err := m.scheduler.RemovePilots(pids); err != nil {
			m.logger.Warn().Err(err).Strs("pids", pids).Msg("scheduler remove_pilots failed")
		}
	}()
	return nil
}

// ListPilots returns a snapshot of every known pilot.
func (m *Manager) ListPilots() []*types.Pilot {
	m.pilotsMu.RLock()
	defer m.pilotsMu.RUnlock()
	out := make([]*types.Pilot, 0, len(m.pilots))
	for _, p := range m.pilots {
		out = append(out, p)
	}
	return out
}

// GetPilots returns the pilots named by uids, failing with a
// UsageError on the first unknown uid.
func (m *Manager) GetPilots(uids []string) ([]*types.Pilot, error) {
	m.pilotsMu.RLock()
	defer m.pilotsMu.RUnlock()
	out := make([]*types.Pilot, 0, len(uids))
	for _, uid := range uids {
		p, ok := m.pilots[uid]
		if !ok {
			return nil, &UsageError{Msg: fmt.Sprintf("unknown pilot uid: %s", uid)}
		}
		out = append(out, p)
	}
	return out, nil
}

// ListUnits returns a snapshot of every known unit.
func (m *Manager) ListUnits() []*types.Unit {
	m.unitsMu.RLock()
	defer m.unitsMu.RUnlock()
	out := make([]*types.Unit, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, u)
	}
	return out
}

// GetUnits returns the units named by uids, failing with a UsageError
// on the first unknown uid.
func (m *Manager) GetUnits(uids []string) ([]*types.Unit, error) {
	m.unitsMu.RLock()
	defer m.unitsMu.RUnlock()
	out := make([]*types.Unit, 0, len(uids))
	for _, uid := range uids {
		u, ok := m.units[uid]
		if !ok {
			return nil, &UsageError{Msg: fmt.Sprintf("unknown unit uid: %s", uid)}
		}
		out = append(out, u)
	}
	return out, nil
}

// SubmitUnits mints a fresh uid per description, records the unit
// locally and through the bulk-insert path, then advances every unit
// to NEW, which (via the registered output mapping) pushes it onto
// UMGR_SCHEDULING_PENDING for the scheduler plug-in to consume.
func (m *Manager) SubmitUnits(descrs []*types.UnitDescription) ([]*types.Unit, error) {
	if m.closed.Load() {
		return nil, &UsageError{Msg: "unit manager is closed"}
	}
	if len(descrs) == 0 {
		return nil, &UsageError{Msg: "submit_units requires at least one description"}
	}

	units := make([]*types.Unit, len(descrs))
	for i, d := range descrs {
		units[i] = &types.Unit{UID: uuid.New().String(), Description: d}
	}

	m.unitsMu.Lock()
	for _, u := range units {
		m.units[u.UID] = u
	}
	m.unitsMu.Unlock()

	for _, u := range units {
		m.worker.Send(update.Message{Cmd: update.CmdInsert, Thing: update.Thing{Unit: u}})
	}

	ns := state.UnitNew
	if err := m.fab.Advance(units, &ns, true, true); err != nil {
		return nil, fmt.Errorf("failed to advance submitted units to NEW: %w", err)
	}
	return units, nil
}

// WaitUnits polls the in-memory mirror at 100ms cadence until every
// targeted unit reaches target (default: any terminal state). A nil
// uids list defaults to every unit that is not yet terminal at call
// time; uids passed explicitly may legitimately already be terminal
// and are returned as-is, since a caller waiting on a specific uid it
// knows already finished shouldn't block on it. A nil timeout waits
// forever; a finite one returns the current snapshot on expiry
// regardless of whether every unit has reached target.
func (m *Manager) WaitUnits(uids []string, target *state.UnitState, timeout *time.Duration) ([]*types.Unit, error) {
	if uids == nil {
		m.unitsMu.RLock()
		for uid, u := range m.units {
			if !state.IsTerminal(u.State) {
				uids = append(uids, uid)
			}
		}
		m.unitsMu.RUnlock()
	}
	if len(uids) == 0 {
		return nil, nil
	}

	reached := func(u *types.Unit) bool {
		if target != nil {
			return u.State == *target
		}
		return state.IsTerminal(u.State)
	}

	var deadline time.Time
	hasDeadline := timeout != nil
	if hasDeadline {
		deadline = time.Now().Add(*timeout)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		m.unitsMu.RLock()
		out := make([]*types.Unit, 0, len(uids))
		allReached := true
		for _, uid := range uids {
			u, ok := m.units[uid]
			if !ok {
				continue
			}
			out = append(out, u)
			if !reached(u) {
				allReached = false
			}
		}
		m.unitsMu.RUnlock()

		if allReached {
			return out, nil
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return out, nil
		}

		select {
		case <-ticker.C:
		case <-m.stopCh:
			return out, nil
		}
	}
}

// CancelUnits is optimistic by default: it advances the targeted
// units to CANCELED locally before the control message even reaches
// its consumer, then waits for that local advance to settle. Units
// may legitimately race past CANCELED afterward (e.g. to DONE); this
// is accepted, not treated as an error. In strict mode the local
// advance is skipped entirely and cancellation relies solely on
// downstream honoring the control message.
func (m *Manager) CancelUnits(uids []string) ([]*types.Unit, error) {
	if m.closed.Load() {
		return nil, &UsageError{Msg: "unit manager is closed"}
	}
	if len(uids) == 0 {
		return nil, &UsageError{Msg: "cancel_units requires at least one unit uid"}
	}

	m.unitsMu.RLock()
	units := make([]*types.Unit, 0, len(uids))
	for _, uid := range uids {
		if u, ok := m.units[uid]; ok {
			units = append(units, u)
		}
	}
	m.unitsMu.RUnlock()
	if len(units) == 0 {
		return nil, &UsageError{Msg: "cancel_units: no matching units"}
	}

	if !m.config.StrictCancel {
		canceled := state.UnitCanceled
		if err := m.fab.Advance(units, &canceled, true, true); err != nil {
			return nil, fmt.Errorf("failed to advance units to CANCELED: %w", err)
		}
	}

	m.fab.Publish(fabric.TopicControl, fabric.ControlMessage{
		Cmd: "cancel_units",
		Arg: map[string]any{"uids": uids},
	})

	target := state.UnitCanceled
	return m.WaitUnits(uids, &target, nil)
}

// RegisterCallback subscribes cb against one of the closed set of
// callback metrics. Unknown metrics are a UsageError.
func (m *Manager) RegisterCallback(metric Metric, cb Callback, data any) error {
	switch metric {
	case MetricUnitState, MetricWaitQueueSize:
	default:
		return &UsageError{Msg: fmt.Sprintf("unknown callback metric: %s", metric)}
	}
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks[metric] = append(m.callbacks[metric], registeredCallback{cb: cb, data: data})
	return nil
}

func (m *Manager) fireCallback(metric Metric, uid string, payload any) {
	m.callbacksMu.Lock()
	cbs := append([]registeredCallback(nil), m.callbacks[metric]...)
	m.callbacksMu.Unlock()

	for _, rc := range cbs {
		m.invokeCallback(rc, metric, uid, payload)
	}
}

// invokeCallback isolates a single callback's failure (panic or not)
// from its peers and from the caller: a misbehaving callback must
// never take down the manager or block delivery to the others.
func (m *Manager) invokeCallback(rc registeredCallback, metric Metric, uid string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackFailuresTotal.WithLabelValues(string(metric)).Inc()
			m.logger.Error().Interface("panic", r).Str("unit_uid", uid).Msg("callback panicked")
		}
	}()
	rc.cb(metric, rc.data, payload)
}

// handleStateMessage is the STATE topic subscriber: it ignores any
// type other than "unit"/"pilot" and routes unit observations through
// the ordered update worker for linearization.
func (m *Manager) handleStateMessage(msg any) {
	sm, ok := msg.(fabric.StateMessage)
	if !ok {
		return
	}

	switch sm.Type {
	case "unit":
		m.unitsMu.RLock()
		u, ok := m.units[sm.UID]
		m.unitsMu.RUnlock()
		if !ok {
			return
		}
		m.worker.Send(update.Message{
			Cmd:   update.CmdState,
			Thing: update.Thing{Unit: u, State: state.UnitState(sm.State), Timestamp: time.Now()},
		})
		m.fireCallback(MetricUnitState, sm.UID, sm.State)

	case "pilot":
		m.pilotsMu.RLock()
		p, ok := m.pilots[sm.UID]
		m.pilotsMu.RUnlock()
		if !ok {
			return
		}
		p.State = state.PilotState(sm.State)
		if err := m.scheduler.UpdatePilots([]*types.Pilot{p}); err != nil {
			m.handleSchedulerError(err)
		}

	default:
		// Unknown message type: forward compatibility with future
		// publishers on the STATE topic this manager doesn't know about.
	}
}

// schedulingPullLoop drains the UMGR_SCHEDULING_PENDING queue and
// batches arrivals briefly before handing them to the scheduler
// plug-in's Work, so a burst of submissions triggers one scheduling
// pass instead of one per unit.
func (m *Manager) schedulingPullLoop() {
	defer m.wg.Done()

	q := m.fab.Queue(fabric.QueueSchedulingPending)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var batch []*types.Unit
	flush := func() {
		if len(batch) == 0 {
			return
		}
		work := batch
		batch = nil
		m.dispatchWork(work)
	}

	for {
		select {
		case u, ok := <-q:
			if !ok {
				return
			}
			batch = append(batch, u)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-m.stopCh:
			flush()
			return
		}
	}
}

func (m *Manager) dispatchWork(units []*types.Unit) {
	m.haltedMu.Lock()
	halted := m.halted
	m.haltedMu.Unlock()
	if halted {
		return
	}

	if err := m.scheduler.Work(units); err != nil {
		m.logger.Error().Err(err).Msg("scheduling pass failed")
		m.handleSchedulerError(err)
	}
}

func (m *Manager) handleSchedulerError(err error) {
	var inconsistent *scheduler.InconsistencyError
	if !errors.As(err, &inconsistent) {
		return
	}
	m.haltedMu.Lock()
	already := m.halted
	m.halted = true
	m.haltedMu.Unlock()
	if !already {
		m.logger.Error().Err(err).Msg("scheduler accounting inconsistency detected; halting scheduling")
	}
}

// statePullLoop is the first of the unit manager's two periodic pulls:
// it fetches every unit document owned by this manager and, where the
// stored state differs from the in-memory mirror, updates the mirror
// and fires the UNIT_STATE callback.
func (m *Manager) statePullLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.DBPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.pullState()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) pullState() {
	docs, err := m.store.ListUnits()
	if err != nil {
		m.logger.Error().Err(err).Msg("state pull: list units failed")
		return
	}

	for _, doc := range docs {
		if doc.Umgr != m.uid {
			continue
		}

		m.unitsMu.Lock()
		u, ok := m.units[doc.UID]
		var changed bool
		var newState state.UnitState
		if ok && string(u.State) != doc.State {
			u.State = state.UnitState(doc.State)
			newState = u.State
			changed = true
		}
		m.unitsMu.Unlock()

		if changed {
			m.fireCallback(MetricUnitState, doc.UID, newState)
		}
	}
}

// unitPullLoop is the second periodic pull: it finds units owned by
// this manager still pending ingestion (control=umgr_pending),
// atomically claims the batch so a concurrent poll does not refetch
// it, then ingests each with publish=false (the producer that set
// umgr_pending already published) and push=true.
func (m *Manager) unitPullLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.DBPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.pullPendingUnits()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) pullPendingUnits() {
	docs, err := m.store.PendingUnits(m.uid)
	if err != nil {
		m.logger.Error().Err(err).Msg("unit pull: query failed")
		return
	}
	if len(docs) == 0 {
		return
	}

	uids := make([]string, len(docs))
	for i, d := range docs {
		uids[i] = d.UID
	}
	if err := m.store.ClaimUnits(uids); err != nil {
		m.logger.Error().Err(err).Msg("unit pull: claim failed")
		return
	}

	units := make([]*types.Unit, 0, len(docs))
	for _, doc := range docs {
		u := unitFromDoc(doc)
		m.unitsMu.Lock()
		m.units[u.UID] = u
		m.unitsMu.Unlock()
		units = append(units, u)
	}

	if err := m.fab.Advance(units, nil, false, true); err != nil {
		m.logger.Error().Err(err).Msg("unit pull: advance failed")
	}
}

func unitFromDoc(doc *fabric.UnitDoc) *types.Unit {
	history := make([]state.Observation, len(doc.StateHistory))
	for i, e := range doc.StateHistory {
		history[i] = state.Observation{State: state.UnitState(e.State), Timestamp: time.Unix(0, e.Timestamp)}
	}

	u := &types.Unit{
		UID:          doc.UID,
		Pilot:        doc.Pilot,
		Sandbox:      doc.Sandbox,
		StateHistory: history,
	}
	u.State = u.EffectiveState()
	if doc.Description != nil {
		u.Description = &types.UnitDescription{Cores: coresFromExtensions(doc.Description), Extensions: doc.Description}
	}
	return u
}

// coresFromExtensions recovers the required Cores field from an
// externally-submitted unit's opaque description bag (description is
// a map[string]any extension bag with Cores promoted out of it). A
// document round-tripped through the store's JSON encoding decodes
// numbers as float64, so both that and a same-process int are
// accepted.
func coresFromExtensions(ext map[string]any) int {
	switch v := ext["cores"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// PilotStateCounts implements metrics.Source.
func (m *Manager) PilotStateCounts() map[string]int {
	m.pilotsMu.RLock()
	defer m.pilotsMu.RUnlock()
	counts := make(map[string]int)
	for _, p := range m.pilots {
		counts[string(p.State)]++
	}
	return counts
}

// UnitStateCounts implements metrics.Source.
func (m *Manager) UnitStateCounts() map[string]int {
	m.unitsMu.RLock()
	defer m.unitsMu.RUnlock()
	counts := make(map[string]int)
	for _, u := range m.units {
		counts[string(u.State)]++
	}
	return counts
}

// WaitPoolSize implements metrics.Source by delegating to the
// scheduler plug-in, if it tracks one.
func (m *Manager) WaitPoolSize() int {
	if s, ok := m.scheduler.(waitPoolSizer); ok {
		return s.WaitPoolLen()
	}
	return 0
}

var _ metrics.Source = (*Manager)(nil)
