package update

import (
	"sort"
	"sync"
	"time"

	"github.com/opensci-hpc/pilotmgr/pkg/fabric"
	"github.com/opensci-hpc/pilotmgr/pkg/log"
	"github.com/opensci-hpc/pilotmgr/pkg/metrics"
	"github.com/opensci-hpc/pilotmgr/pkg/state"
	"github.com/opensci-hpc/pilotmgr/pkg/types"
	"github.com/rs/zerolog"
)

// Command is one of the operations the worker accepts.
type Command string

const (
	CmdInsert      Command = "insert"
	CmdInsertFlush Command = "insert_flush"
	CmdUpdate      Command = "update"
	CmdUpdateFlush Command = "update_flush"
	CmdDelete      Command = "delete"
	CmdDeleteFlush Command = "delete_flush"
	CmdState       Command = "state"
	CmdStateFlush  Command = "state_flush"
)

func (c Command) flush() bool {
	switch c {
	case CmdInsertFlush, CmdUpdateFlush, CmdDeleteFlush, CmdStateFlush:
		return true
	default:
		return false
	}
}

// Thing is the payload of a Message: at minimum a unit and, for the
// state command, the newly observed state and its timestamp.
type Thing struct {
	Unit      *types.Unit
	State     state.UnitState
	Timestamp time.Time
}

// Message is one (cmd, thing) pair submitted to the worker.
type Message struct {
	Cmd   Command
	Thing Thing
}

// entryRank is the rank the cache seeds `last` with for a unit first
// observed by this worker: agent-originated state streams begin at
// AGENT_STAGING_INPUT_PENDING, the point at which a unit leaves the
// unit manager's direct, synchronously-ordered control and enters the
// agent's independently-timed reporting.
var entryRank = state.Rank(state.UnitAgentStagingInputPending)

// cacheEntry is the per-uid linearization cache: last is the rank of
// the highest state already committed to the scalar state field,
// unsent holds states observed out of order keyed by rank, and final
// marks that a terminal state has already been committed (so later
// arrivals only extend history, never the scalar field).
type cacheEntry struct {
	last   int
	unsent map[int]state.UnitState
	final  bool
}

// Worker is the ordered update worker (C2): it linearizes out-of-order
// unit state reports into a monotone scalar-state sequence while
// preserving full history, and batches the resulting writes into bulks
// flushed on an age timer or on an explicit *_flush command.
type Worker struct {
	store         fabric.Store
	umgr          string
	flushInterval time.Duration
	logger        zerolog.Logger

	mu             sync.Mutex
	cache          map[string]*cacheEntry
	pending        map[string]*types.Unit
	deleted        map[string]bool
	firstPendingAt time.Time

	msgCh  chan Message
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a worker writing through store on behalf of umgr,
// flushing its bulk buffer whenever it has been open longer than
// flushInterval.
func NewWorker(store fabric.Store, umgr string, flushInterval time.Duration) *Worker {
	return &Worker{
		store:         store,
		umgr:          umgr,
		flushInterval: flushInterval,
		logger:        log.WithComponent("update"),
		cache:         make(map[string]*cacheEntry),
		pending:       make(map[string]*types.Unit),
		deleted:       make(map[string]bool),
		msgCh:         make(chan Message, 256),
		stopCh:        make(chan struct{}),
	}
}

// Start begins the worker's dispatch loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop halts the worker after flushing any open bulk.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// Send enqueues msg for processing. Send never blocks past shutdown.
func (w *Worker) Send(msg Message) {
	select {
	case w.msgCh <- msg:
	case <-w.stopCh:
	}
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case msg := <-w.msgCh:
			w.handle(msg)
		case <-ticker.C:
			w.maybeFlush("age")
		case <-w.stopCh:
			w.flush("shutdown")
			return
		}
	}
}

func (w *Worker) handle(msg Message) {
	switch msg.Cmd {
	case CmdInsert, CmdInsertFlush, CmdUpdate, CmdUpdateFlush:
		w.enqueue(msg.Thing.Unit)
	case CmdDelete, CmdDeleteFlush:
		w.enqueueDelete(msg.Thing.Unit.UID)
	case CmdState, CmdStateFlush:
		w.applyState(msg.Thing.Unit, msg.Thing.State, msg.Thing.Timestamp)
	}

	if msg.Cmd.flush() {
		w.flush("explicit")
	}
}

// applyState runs the C2 linearization algorithm for one observed
// state on one unit.
func (w *Worker) applyState(u *types.Unit, s state.UnitState, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.cache[u.UID]
	if !ok {
		// A unit's scalar state can already be terminal before this
		// worker ever sees it: umgr.Manager's optimistic cancel path
		// commits CANCELED directly through fabric.Fabric.Advance,
		// bypassing this worker entirely. Seeding final from the live
		// unit rather than always false is what keeps a late,
		// out-of-band terminal arriving here from overwriting it.
		entry = &cacheEntry{last: entryRank, unsent: make(map[int]state.UnitState), final: state.IsTerminal(u.State)}
		w.cache[u.UID] = entry
	}

	// 1. Always append to history.
	u.AppendState(s, ts)

	// 2. A terminal state has already been committed: history-push only.
	if entry.final {
		w.enqueueLocked(u)
		return
	}

	// 3. This arrival is itself terminal: it becomes the authoritative
	// final state, committed immediately regardless of rank order.
	if state.IsTerminal(s) {
		entry.final = true
		u.State = s
		metrics.UnitStateTransitionsTotal.WithLabelValues(string(s)).Inc()
		w.enqueueLocked(u)
		return
	}

	// 4. Otherwise buffer it. Extraction is deferred to flush time
	// (drainUnsent): a unit's state observations are known to arrive in
	// small, closely-spaced bursts from a single agent, so waiting
	// until flush lets every observation received so far be considered
	// together rather than racing extraction against arrival order.
	entry.unsent[state.Rank(s)] = s
	w.enqueueLocked(u)
}

// drainUnsent extracts every buffered state whose rank exceeds entry's
// current last, in ascending rank order, advancing last and the unit's
// scalar state through each in turn. Unlike a literal next-integer
// walk, this does not require entry.last+1 specifically to be present:
// a producer may legitimately never report some intermediate state
// (e.g. a *_PENDING companion), and by flush time every observation
// that is ever going to arrive in this batch already has. Called with
// w.mu held.
func (w *Worker) drainUnsent(u *types.Unit, entry *cacheEntry) {
	if entry.final || len(entry.unsent) == 0 {
		return
	}

	ranks := make([]int, 0, len(entry.unsent))
	for r := range entry.unsent {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)

	for _, r := range ranks {
		if r <= entry.last {
			delete(entry.unsent, r)
			continue
		}
		ns := entry.unsent[r]
		delete(entry.unsent, r)
		entry.last = r
		u.State = ns
		metrics.UnitStateTransitionsTotal.WithLabelValues(string(ns)).Inc()
	}
}

func (w *Worker) enqueue(u *types.Unit) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enqueueLocked(u)
}

func (w *Worker) enqueueLocked(u *types.Unit) {
	if len(w.pending) == 0 && len(w.deleted) == 0 {
		w.firstPendingAt = time.Now()
	}
	w.pending[u.UID] = u
}

func (w *Worker) enqueueDelete(uid string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 && len(w.deleted) == 0 {
		w.firstPendingAt = time.Now()
	}
	delete(w.pending, uid)
	w.deleted[uid] = true
}

func (w *Worker) maybeFlush(trigger string) {
	w.mu.Lock()
	empty := len(w.pending) == 0 && len(w.deleted) == 0
	age := time.Since(w.firstPendingAt)
	w.mu.Unlock()

	if empty || age < w.flushInterval {
		return
	}
	w.flush(trigger)
}

// flush writes the open bulk to the store. A store-side failure is
// logged and the worker performs no local retry; it does not stop the
// worker or report the failure to any caller, and the failed writes
// are not put back into the bulk.
func (w *Worker) flush(trigger string) {
	w.mu.Lock()
	pending := w.pending
	deleted := w.deleted
	if len(pending) == 0 && len(deleted) == 0 {
		w.mu.Unlock()
		return
	}
	w.pending = make(map[string]*types.Unit)
	w.deleted = make(map[string]bool)

	for uid, u := range pending {
		if entry, ok := w.cache[uid]; ok {
			w.drainUnsent(u, entry)
		}
	}
	w.mu.Unlock()

	timer := metrics.NewTimer()
	size := len(pending) + len(deleted)

	var failed bool
	for _, u := range pending {
		if err := w.store.UpsertUnit(w.toDoc(u)); err != nil {
			w.logger.Error().Err(err).Str("unit_uid", u.UID).Msg("bulk flush: upsert failed")
			failed = true
		}
	}
	for uid := range deleted {
		if err := w.store.DeleteUnit(uid); err != nil {
			w.logger.Error().Err(err).Str("unit_uid", uid).Msg("bulk flush: delete failed")
			failed = true
		}
	}

	timer.ObserveDuration(metrics.BulkFlushDuration)
	metrics.BulkFlushSize.Observe(float64(size))
	metrics.BulkFlushTotal.WithLabelValues(trigger).Inc()

	if failed {
		w.logger.Error().Str("trigger", trigger).Int("size", size).Msg("bulk flush completed with errors")
	}
}

func (w *Worker) toDoc(u *types.Unit) *fabric.UnitDoc {
	states := make([]string, len(u.StateHistory))
	history := make([]fabric.StateEntry, len(u.StateHistory))
	for i, obs := range u.StateHistory {
		states[i] = string(obs.State)
		history[i] = fabric.NewStateEntry(obs)
	}

	var description map[string]any
	if u.Description != nil {
		description = u.Description.Extensions
	}

	return &fabric.UnitDoc{
		Type:         "unit",
		UID:          u.UID,
		Umgr:         w.umgr,
		Pilot:        u.Pilot,
		Control:      fabric.ControlUmgr,
		State:        string(u.State),
		States:       states,
		StateHistory: history,
		Description:  description,
		Sandbox:      u.Sandbox,
	}
}
