package scheduler

import (
	"fmt"
	"sync"
	"testing"

	"github.com/opensci-hpc/pilotmgr/pkg/fabric"
	"github.com/opensci-hpc/pilotmgr/pkg/state"
	"github.com/opensci-hpc/pilotmgr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	units map[string]*fabric.UnitDoc
}

func newFakeStore() *fakeStore { return &fakeStore{units: make(map[string]*fabric.UnitDoc)} }

func (s *fakeStore) UpsertUnit(doc *fabric.UnitDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[doc.UID] = doc
	return nil
}
func (s *fakeStore) DeleteUnit(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.units, uid)
	return nil
}
func (s *fakeStore) GetUnit(uid string) (*fabric.UnitDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units[uid], nil
}
func (s *fakeStore) ListUnits() ([]*fabric.UnitDoc, error) { return nil, nil }
func (s *fakeStore) PendingUnits(umgr string) ([]*fabric.UnitDoc, error) { return nil, nil }
func (s *fakeStore) ClaimUnits(uids []string) error                      { return nil }
func (s *fakeStore) UpsertPilot(doc *fabric.PilotDoc) error              { return nil }
func (s *fakeStore) GetPilot(uid string) (*fabric.PilotDoc, error)       { return nil, nil }
func (s *fakeStore) ListPilots() ([]*fabric.PilotDoc, error)             { return nil, nil }
func (s *fakeStore) Close() error                                        { return nil }

func newFabric() *fabric.Fabric {
	return fabric.New(newFakeStore(), "test-umgr")
}

func newPilot(uid string, cores int) *types.Pilot {
	return &types.Pilot{
		UID:         uid,
		Cores:       cores,
		State:       state.PilotActive,
		Description: &types.PilotDescription{Cores: cores},
	}
}

func newUnit(uid string, cores int) *types.Unit {
	return &types.Unit{UID: uid, Description: &types.UnitDescription{Cores: cores}}
}

// Units submitted together should split evenly across an equal-sized pool.
func TestRoundRobinDistributesEvenly(t *testing.T) {
	fab := newFabric()
	rr := NewRoundRobin(fab)

	pilots := []*types.Pilot{newPilot("p1", 4), newPilot("p2", 4), newPilot("p3", 4)}
	require.NoError(t, rr.AddPilots(pilots))

	units := make([]*types.Unit, 6)
	for i := range units {
		units[i] = newUnit(fmt.Sprintf("u%d", i), 1)
	}
	require.NoError(t, rr.Work(units))

	counts := map[string]int{}
	for _, u := range units {
		require.NotEmpty(t, u.Pilot)
		counts[u.Pilot]++
	}
	for _, p := range pilots {
		assert.Equal(t, 2, counts[p.UID], "pilot %s should receive exactly 2 units", p.UID)
	}
	assert.Equal(t, 0, rr.idx, "idx should have wrapped back to 0 after 6 units across 3 pilots")
}

// With a remainder, round-robin splits units into floor/ceil shares.
func TestRoundRobinUnevenSplit(t *testing.T) {
	fab := newFabric()
	rr := NewRoundRobin(fab)
	pilots := []*types.Pilot{newPilot("p1", 4), newPilot("p2", 4), newPilot("p3", 4)}
	require.NoError(t, rr.AddPilots(pilots))

	units := make([]*types.Unit, 7)
	for i := range units {
		units[i] = newUnit(fmt.Sprintf("u%d", i), 1)
	}
	require.NoError(t, rr.Work(units))

	counts := map[string]int{}
	for _, u := range units {
		counts[u.Pilot]++
	}
	for _, c := range counts {
		assert.True(t, c == 2 || c == 3, "each pilot should receive floor(7/3) or ceil(7/3) units, got %d", c)
	}
}

func TestRoundRobinWaitPoolWhenNoPilots(t *testing.T) {
	fab := newFabric()
	rr := NewRoundRobin(fab)

	units := []*types.Unit{newUnit("u0", 1)}
	require.NoError(t, rr.Work(units))
	assert.Empty(t, units[0].Pilot)
	assert.Len(t, rr.waitPool, 1)

	require.NoError(t, rr.AddPilots([]*types.Pilot{newPilot("p1", 4)}))
	assert.Equal(t, "p1", units[0].Pilot)
	assert.Empty(t, rr.waitPool)
}

// A pilot admits work up to its high-water mark, then waits, then
// admits more once units are released past EXECUTING.
func TestBackfillingHWM200(t *testing.T) {
	fab := newFabric()
	cfg := DefaultConfig()
	bf := NewBackfilling(cfg, fab)

	require.NoError(t, bf.AddPilots([]*types.Pilot{newPilot("p1", 2)}))

	units := make([]*types.Unit, 10)
	for i := range units {
		units[i] = newUnit(fmt.Sprintf("u%d", i), 1)
	}
	require.NoError(t, bf.Work(units))

	pa := bf.pilots["p1"]
	assert.Equal(t, 4, pa.acct.HWM)
	assert.Equal(t, 4, pa.acct.Used)

	scheduled := 0
	for _, u := range units {
		if u.Pilot != "" {
			scheduled++
		}
	}
	assert.Equal(t, 4, scheduled)
	assert.Len(t, bf.waitPool, 6)

	// Release two units past EXECUTING.
	released := 0
	for _, u := range units {
		if u.Pilot == "" || released >= 2 {
			continue
		}
		u.State = state.UnitAgentStagingOutputPending
		released++
	}
	pastExecuting := make([]*types.Unit, 0, 2)
	for _, u := range units {
		if u.State == state.UnitAgentStagingOutputPending {
			pastExecuting = append(pastExecuting, u)
		}
	}
	require.NoError(t, bf.UpdateUnits(pastExecuting))

	assert.Equal(t, 4, pa.acct.Used)
	scheduled = 0
	for _, u := range units {
		if u.Pilot != "" {
			scheduled++
		}
	}
	assert.Equal(t, 6, scheduled)
	assert.Len(t, bf.waitPool, 4)
}

// A unit requesting more cores than any pilot has stays in the wait
// pool indefinitely rather than erroring.
func TestBackfillingOversizeUnitRemainsInWaitPool(t *testing.T) {
	fab := newFabric()
	bf := NewBackfilling(DefaultConfig(), fab)
	require.NoError(t, bf.AddPilots([]*types.Pilot{newPilot("p1", 2)}))

	oversize := newUnit("big", 8)
	require.NoError(t, bf.Work([]*types.Unit{oversize}))

	assert.Empty(t, oversize.Pilot)
	assert.Len(t, bf.waitPool, 1)
	assert.Equal(t, 0, bf.pilots["p1"].acct.Used)
}

// Backfilling never binds cores > pilot.cores, even with multiple
// pilots of varying size and a mixed wait pool.
func TestBackfillingNeverOversubscribesBeyondPilotCapacity(t *testing.T) {
	fab := newFabric()
	bf := NewBackfilling(DefaultConfig(), fab)
	require.NoError(t, bf.AddPilots([]*types.Pilot{newPilot("small", 1), newPilot("large", 8)}))

	units := []*types.Unit{newUnit("fits-only-large", 4), newUnit("fits-either", 1)}
	require.NoError(t, bf.Work(units))

	for _, u := range units {
		if u.Pilot == "" {
			continue
		}
		pa := bf.pilots[u.Pilot]
		require.NotNil(t, pa)
		assert.LessOrEqual(t, u.Description.Cores, pa.pilot.Cores)
	}
}

func TestBackfillingRemovePilotsUnknownErrors(t *testing.T) {
	fab := newFabric()
	bf := NewBackfilling(DefaultConfig(), fab)
	err := bf.RemovePilots([]string{"ghost"})
	assert.Error(t, err)
}

func TestNewUnknownPluginErrors(t *testing.T) {
	fab := newFabric()
	_, err := New("nonexistent", DefaultConfig(), fab)
	assert.Error(t, err)
}

func TestNewKnownPlugins(t *testing.T) {
	fab := newFabric()
	rr, err := New("round_robin", DefaultConfig(), fab)
	require.NoError(t, err)
	assert.IsType(t, &RoundRobin{}, rr)

	bf, err := New("backfilling", DefaultConfig(), fab)
	require.NoError(t, err)
	assert.IsType(t, &Backfilling{}, bf)
}
