package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opensci-hpc/pilotmgr/pkg/fabric"
	"github.com/opensci-hpc/pilotmgr/pkg/log"
	"github.com/opensci-hpc/pilotmgr/pkg/metrics"
	"github.com/opensci-hpc/pilotmgr/pkg/state"
	"github.com/opensci-hpc/pilotmgr/pkg/types"
	"github.com/rs/zerolog"
)

// pilotAccount pairs a pilot with its derived accounting record.
type pilotAccount struct {
	pilot *types.Pilot
	acct  *types.PilotAccounting
}

// Backfilling fills every eligible pilot up to its high-water mark
// before leaving units in the wait pool, amortizing scheduling latency
// across many small units rather than optimizing for per-pilot
// fairness the way round-robin does.
type Backfilling struct {
	fab    *fabric.Fabric
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	pilots    map[string]*pilotAccount
	waitPool  map[string]*types.Unit
	unitPilot map[string]string // uid -> pilot uid, for release lookups
}

// NewBackfilling builds a Backfilling plug-in bound to fab, configured
// by cfg (HWMPercent, BFStart, BFStop).
func NewBackfilling(cfg Config, fab *fabric.Fabric) *Backfilling {
	if cfg.BFStart == "" {
		cfg.BFStart = state.PilotActive
	}
	if cfg.BFStop == "" {
		cfg.BFStop = state.PilotActive
	}
	if cfg.HWMPercent == 0 {
		cfg.HWMPercent = 200
	}
	return &Backfilling{
		fab:       fab,
		cfg:       cfg,
		logger:    log.WithComponent("scheduler.backfilling"),
		pilots:    make(map[string]*pilotAccount),
		waitPool:  make(map[string]*types.Unit),
		unitPilot: make(map[string]string),
	}
}

// AddPilots registers pilots with a fresh accounting record and runs a
// scheduling pass.
func (s *Backfilling) AddPilots(pilots []*types.Pilot) error {
	s.mu.Lock()
	for _, p := range pilots {
		p.Role = types.PilotRoleAdded
		s.pilots[p.UID] = &pilotAccount{
			pilot: p,
			acct:  types.NewPilotAccounting(p.Cores, s.cfg.HWMPercent),
		}
	}
	s.mu.Unlock()
	return s.runSchedulingPass()
}

// WaitPoolLen reports the number of units currently unbound, for
// metrics.Source.
func (s *Backfilling) WaitPoolLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waitPool)
}

// RemovePilots deregisters pilots. Units already bound remain bound;
// their cores are never released back since the pilot record itself
// is gone. No migration is attempted: a removed pilot's in-flight
// units are abandoned, not rescheduled elsewhere.
func (s *Backfilling) RemovePilots(pids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range pids {
		if _, ok := s.pilots[pid]; !ok {
			return fmt.Errorf("unknown pilot: %s", pid)
		}
		delete(s.pilots, pid)
	}
	return nil
}

// UpdatePilots re-evaluates eligibility for the given pilots. As soon
// as any one of them is found eligible, it triggers a scheduling pass
// and stops scanning — the pass itself re-scans every pilot, so a
// single trigger is sufficient.
func (s *Backfilling) UpdatePilots(pilots []*types.Pilot) error {
	eligible := false
	s.mu.Lock()
	for _, p := range pilots {
		pa, ok := s.pilots[p.UID]
		if !ok {
			continue
		}
		pa.pilot.State = p.State
		if state.PilotEligible(pa.pilot.State, s.cfg.BFStart, s.cfg.BFStop) {
			eligible = true
			break
		}
	}
	s.mu.Unlock()

	if !eligible {
		return nil
	}
	return s.runSchedulingPass()
}

// UpdateUnits releases accounting for units observed past
// AGENT_EXECUTING, guarded so each unit is released exactly once.
func (s *Backfilling) UpdateUnits(units []*types.Unit) error {
	released := false
	s.mu.Lock()
	for _, u := range units {
		if state.Rank(u.State) <= state.Rank(state.UnitExecuting) {
			continue
		}
		pilotUID, ok := s.unitPilot[u.UID]
		if !ok {
			continue
		}
		pa, ok := s.pilots[pilotUID]
		if !ok {
			// Pilot was removed; nothing left to release against.
			continue
		}
		if _, done := pa.acct.Done[u.UID]; done {
			continue
		}
		pa.acct.Done[u.UID] = struct{}{}
		delete(pa.acct.Units, u.UID)
		if u.Description != nil {
			pa.acct.Used -= u.Description.Cores
		}
		if pa.acct.Used < 0 {
			s.mu.Unlock()
			metrics.InconsistencyErrorsTotal.WithLabelValues("backfilling").Inc()
			return &InconsistencyError{Pilot: pilotUID, Detail: "used went negative on release"}
		}
		released = true
	}
	s.mu.Unlock()

	if !released {
		return nil
	}
	return s.runSchedulingPass()
}

// Work ingests units into the wait pool and runs a scheduling pass.
func (s *Backfilling) Work(units []*types.Unit) error {
	if len(units) == 0 {
		return nil
	}
	if err := ingest(s.fab, units); err != nil {
		return err
	}

	s.mu.Lock()
	for _, u := range units {
		s.waitPool[u.UID] = u
	}
	s.mu.Unlock()

	return s.runSchedulingPass()
}

func (s *Backfilling) runSchedulingPass() error {
	scheduled, waitPoolSize, err := s.schedule()
	if err != nil {
		return err
	}
	metrics.WaitPoolSize.Set(float64(waitPoolSize))
	if len(scheduled) == 0 {
		return nil
	}

	ns := state.UnitPendingInputStaging
	if err := s.fab.Advance(scheduled, &ns, true, true); err != nil {
		return err
	}
	metrics.UnitsScheduledTotal.Add(float64(len(scheduled)))
	s.logger.Info().Int("count", len(scheduled)).Msg("bound units to pilots")
	return nil
}

// schedule runs one backfilling pass under a single critical section:
// compute the fillable-pilot list, then walk the wait pool in
// deterministic (uid-sorted) order, binding each unit to the first
// fillable pilot with headroom and matching capacity.
func (s *Backfilling) schedule() ([]*types.Unit, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fillable := make([]*pilotAccount, 0, len(s.pilots))
	for _, pa := range s.pilots {
		if pa.pilot.Role != types.PilotRoleAdded {
			continue
		}
		if !state.PilotEligible(pa.pilot.State, s.cfg.BFStart, s.cfg.BFStop) {
			continue
		}
		if pa.acct.Used < pa.acct.HWM {
			fillable = append(fillable, pa)
		}
	}
	sort.Slice(fillable, func(i, j int) bool { return fillable[i].pilot.UID < fillable[j].pilot.UID })

	uids := make([]string, 0, len(s.waitPool))
	for uid := range s.waitPool {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	var scheduled []*types.Unit
	for _, uid := range uids {
		u := s.waitPool[uid]
		cores := 0
		if u.Description != nil {
			cores = u.Description.Cores
		}

		for i := 0; i < len(fillable); i++ {
			pa := fillable[i]
			if cores > pa.pilot.Cores {
				continue // this unit can never run here; try the next pilot
			}
			if pa.acct.Used > pa.acct.HWM {
				continue
			}

			pa.acct.Used += cores
			if pa.acct.Used < 0 {
				metrics.InconsistencyErrorsTotal.WithLabelValues("backfilling").Inc()
				return nil, 0, &InconsistencyError{Pilot: pa.pilot.UID, Detail: "used went negative on bind"}
			}
			pa.acct.Units[uid] = struct{}{}
			u.Pilot = pa.pilot.UID
			u.Sandbox = sandboxPath(pa.pilot.UID, uid)
			s.unitPilot[uid] = pa.pilot.UID
			delete(s.waitPool, uid)
			scheduled = append(scheduled, u)

			if pa.acct.Used >= pa.acct.HWM {
				fillable = append(fillable[:i], fillable[i+1:]...)
			}
			break
		}
	}

	return scheduled, len(s.waitPool), nil
}
