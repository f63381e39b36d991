package metrics

import "time"

// Source is implemented by a unit manager. It is a narrow, read-only
// view so pkg/metrics never needs to import pkg/umgr.
type Source interface {
	// PilotStateCounts returns the number of pilots currently in each
	// collapsed state.
	PilotStateCounts() map[string]int
	// UnitStateCounts returns the number of units currently in each
	// collapsed state.
	UnitStateCounts() map[string]int
	// WaitPoolSize returns the number of units waiting for a pilot.
	WaitPoolSize() int
}

// Collector periodically samples a Source and republishes the result
// as gauge metrics.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic collection on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for state, count := range c.source.PilotStateCounts() {
		PilotsTotal.WithLabelValues(state).Set(float64(count))
	}
	for state, count := range c.source.UnitStateCounts() {
		UnitsTotal.WithLabelValues(state).Set(float64(count))
	}
	WaitPoolSize.Set(float64(c.source.WaitPoolSize()))
}
