// Package scheduler implements the scheduler plug-ins (C3): the
// component that binds submitted units onto pilots.
//
// Plugin is the shared contract; RoundRobin and Backfilling are its
// two implementations, selected by name through the package-level
// registry (New). Both share the same shape for the "ingest, then
// attempt to bind" half of work(units) but differ entirely in their
// binding strategy: round-robin ignores capacity and rotates through
// eligible pilots, backfilling tracks a per-pilot used/hwm accounting
// record and fills every eligible pilot to its high-water mark before
// leaving a unit in the wait pool.
//
// A scheduler plug-in never blocks on the persistent store or the
// message fabric beyond the synchronous calls fabric.Fabric.Advance
// already makes; all internal state is protected by a single mutex
// per plug-in instance, held only around map/slice bookkeeping and
// released before any Advance call.
package scheduler
