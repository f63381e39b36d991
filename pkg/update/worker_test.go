package update

import (
	"sync"
	"testing"
	"time"

	"github.com/opensci-hpc/pilotmgr/pkg/fabric"
	"github.com/opensci-hpc/pilotmgr/pkg/metrics"
	"github.com/opensci-hpc/pilotmgr/pkg/state"
	"github.com/opensci-hpc/pilotmgr/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	units map[string]*fabric.UnitDoc
}

func newMemStore() *memStore {
	return &memStore{units: make(map[string]*fabric.UnitDoc)}
}

func (m *memStore) UpsertUnit(doc *fabric.UnitDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[doc.UID] = doc
	return nil
}

func (m *memStore) DeleteUnit(uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.units, uid)
	return nil
}

func (m *memStore) GetUnit(uid string) (*fabric.UnitDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.units[uid], nil
}

func (m *memStore) ListUnits() ([]*fabric.UnitDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*fabric.UnitDoc
	for _, d := range m.units {
		out = append(out, d)
	}
	return out, nil
}

func (m *memStore) PendingUnits(umgr string) ([]*fabric.UnitDoc, error) { return nil, nil }
func (m *memStore) ClaimUnits(uids []string) error                     { return nil }
func (m *memStore) UpsertPilot(doc *fabric.PilotDoc) error              { return nil }
func (m *memStore) GetPilot(uid string) (*fabric.PilotDoc, error)       { return nil, nil }
func (m *memStore) ListPilots() ([]*fabric.PilotDoc, error)             { return nil, nil }
func (m *memStore) Close() error                                       { return nil }

var _ fabric.Store = (*memStore)(nil)

func newTestUnit(uid string) *types.Unit {
	return &types.Unit{UID: uid, Description: &types.UnitDescription{Cores: 1}}
}

func TestApplyStateOutOfOrderConvergesToHighestRank(t *testing.T) {
	store := newMemStore()
	w := NewWorker(store, "test-umgr", time.Hour)
	u := newTestUnit("unit-1")

	before := map[state.UnitState]float64{
		state.UnitAgentStagingInput: testutil.ToFloat64(metrics.UnitStateTransitionsTotal.WithLabelValues(string(state.UnitAgentStagingInput))),
		state.UnitAllocating:        testutil.ToFloat64(metrics.UnitStateTransitionsTotal.WithLabelValues(string(state.UnitAllocating))),
		state.UnitExecuting:         testutil.ToFloat64(metrics.UnitStateTransitionsTotal.WithLabelValues(string(state.UnitExecuting))),
	}

	w.applyState(u, state.UnitExecuting, time.Unix(3, 0))
	w.applyState(u, state.UnitAgentStagingInput, time.Unix(1, 0))
	w.applyState(u, state.UnitAllocating, time.Unix(2, 0))

	w.flush("test")

	assert.Equal(t, state.UnitExecuting, u.State)
	require.Len(t, u.StateHistory, 3)
	assert.Equal(t, state.UnitExecuting, u.StateHistory[0].State)
	assert.Equal(t, state.UnitAgentStagingInput, u.StateHistory[1].State)
	assert.Equal(t, state.UnitAllocating, u.StateHistory[2].State)

	// drainUnsent walks ranks in ascending order at flush time, so each
	// of the three buffered states is counted exactly once regardless
	// of the order applyState originally saw them in.
	for s, want := range before {
		got := testutil.ToFloat64(metrics.UnitStateTransitionsTotal.WithLabelValues(string(s)))
		assert.Equal(t, want+1, got, "state %s should have been counted exactly once", s)
	}
}

func TestApplyStateTerminalPrecedence(t *testing.T) {
	store := newMemStore()
	w := NewWorker(store, "test-umgr", time.Hour)
	u := newTestUnit("unit-2")

	w.applyState(u, state.UnitDone, time.Unix(1, 0))
	w.applyState(u, state.UnitFailed, time.Unix(2, 0))
	w.flush("test")

	assert.Equal(t, state.UnitDone, u.State, "first terminal wins")
	require.Len(t, u.StateHistory, 2)
	assert.Equal(t, state.UnitDone, u.StateHistory[0].State)
	assert.Equal(t, state.UnitFailed, u.StateHistory[1].State)

	doc, err := store.GetUnit("unit-2")
	require.NoError(t, err)
	assert.Equal(t, "DONE", doc.State)
}

func TestApplyStateScalarNeverRegresses(t *testing.T) {
	store := newMemStore()
	w := NewWorker(store, "test-umgr", time.Hour)
	u := newTestUnit("unit-3")

	seen := []int{}
	observe := func() {
		if u.State != "" {
			seen = append(seen, state.Rank(u.State))
		}
	}

	w.applyState(u, state.UnitAgentStagingInput, time.Unix(1, 0))
	w.flush("test")
	observe()

	w.applyState(u, state.UnitExecuting, time.Unix(2, 0))
	w.flush("test")
	observe()

	w.applyState(u, state.UnitAllocating, time.Unix(3, 0)) // arrives after a higher rank already committed
	w.flush("test")
	observe()

	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "scalar rank must never regress across flushes")
	}
	assert.Equal(t, state.UnitExecuting, u.State)
}

func TestFlushIsNoOpWhenNothingPending(t *testing.T) {
	store := newMemStore()
	w := NewWorker(store, "test-umgr", time.Hour)
	w.flush("test")
	docs, err := store.ListUnits()
	require.NoError(t, err)
	assert.Empty(t, docs)
}
