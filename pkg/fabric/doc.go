/*
Package fabric is the message-fabric adapter: an in-process pub/sub
bus plus the persistent document-store contract the rest of the core
writes through.

Broker provides publish/subscribe with per-topic ordering (CONTROL and
STATE are the two topics the core cares about). Store is implemented by
pkg/storage and holds unit and pilot documents keyed by uid.

Fabric combines the two behind a single Advance call: given a batch of
units and an optional new state, it appends the observation, recomputes
the collapsed scalar state, persists the snapshot, and optionally
publishes on STATE and pushes the unit onto whichever output queues
were registered (RegisterOutput) for its resulting state.
*/
package fabric
