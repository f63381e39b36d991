package scheduler

import (
	"fmt"
	"sync"

	"github.com/opensci-hpc/pilotmgr/pkg/fabric"
	"github.com/opensci-hpc/pilotmgr/pkg/log"
	"github.com/opensci-hpc/pilotmgr/pkg/metrics"
	"github.com/opensci-hpc/pilotmgr/pkg/state"
	"github.com/opensci-hpc/pilotmgr/pkg/types"
	"github.com/rs/zerolog"
)

// RoundRobin is the minimal correct scheduler plug-in: it ignores
// capacity (hwm) entirely and binds units to pilots in strict
// rotational order. Cheap, fair by count rather than by size.
type RoundRobin struct {
	fab    *fabric.Fabric
	logger zerolog.Logger

	mu       sync.Mutex
	pilots   []*types.Pilot
	idx      int
	waitPool []*types.Unit
}

// NewRoundRobin builds a Round-Robin plug-in bound to fab.
func NewRoundRobin(fab *fabric.Fabric) *RoundRobin {
	return &RoundRobin{
		fab:    fab,
		logger: log.WithComponent("scheduler.round_robin"),
	}
}

// AddPilots registers pilots and drains the wait pool by dispatching
// every waiter again (waiters were already advanced to SCHEDULING by
// Work, so they are not ingested a second time).
func (s *RoundRobin) AddPilots(pilots []*types.Pilot) error {
	s.mu.Lock()
	for _, p := range pilots {
		p.Role = types.PilotRoleAdded
		s.pilots = append(s.pilots, p)
	}
	waiters := s.waitPool
	s.waitPool = nil
	s.mu.Unlock()

	if len(waiters) == 0 {
		return nil
	}
	return s.dispatch(waiters)
}

// RemovePilots deregisters pilots. Units already bound remain bound.
func (s *RoundRobin) RemovePilots(pids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pid := range pids {
		idx := -1
		for i, p := range s.pilots {
			if p.UID == pid {
				idx = i
				break
			}
		}
		if idx == -1 {
			return fmt.Errorf("unknown pilot: %s", pid)
		}
		s.pilots = append(s.pilots[:idx], s.pilots[idx+1:]...)
		if len(s.pilots) == 0 {
			s.idx = 0
		} else if s.idx >= len(s.pilots) {
			s.idx = 0
		}
	}
	return nil
}

// WaitPoolLen reports the number of units currently unbound, for
// metrics.Source.
func (s *RoundRobin) WaitPoolLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waitPool)
}

// UpdatePilots is a no-op for round-robin: eligibility is role-based
// only, not tied to the pilot's state.
func (s *RoundRobin) UpdatePilots(pilots []*types.Pilot) error {
	return nil
}

// UpdateUnits is a no-op: round-robin does not track per-pilot
// accounting, so there is nothing to release.
func (s *RoundRobin) UpdateUnits(units []*types.Unit) error {
	return nil
}

// Work ingests units, then dispatches each to the next pilot in
// rotation or the wait pool if none is eligible.
func (s *RoundRobin) Work(units []*types.Unit) error {
	if len(units) == 0 {
		return nil
	}
	if err := ingest(s.fab, units); err != nil {
		return err
	}
	return s.dispatch(units)
}

func (s *RoundRobin) dispatch(units []*types.Unit) error {
	s.mu.Lock()
	var scheduled []*types.Unit
	var waiting []*types.Unit
	for _, u := range units {
		if len(s.pilots) == 0 {
			waiting = append(waiting, u)
			continue
		}
		p := s.pilots[s.idx]
		s.idx = (s.idx + 1) % len(s.pilots)
		u.Pilot = p.UID
		u.Sandbox = sandboxPath(p.UID, u.UID)
		scheduled = append(scheduled, u)
	}
	s.waitPool = append(s.waitPool, waiting...)
	waitPoolSize := len(s.waitPool)
	s.mu.Unlock()

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
