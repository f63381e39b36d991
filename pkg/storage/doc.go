/*
Package storage provides a BoltDB-backed implementation of
fabric.Store: two buckets, units and pilots, each keyed by uid and
holding a JSON-marshaled document.

BoltStore is the only persistence backend pilotmgr ships; it satisfies
fabric.Store in full, including the PendingUnits/ClaimUnits pair the
unit manager's unit-pull loop uses to claim a batch of agent-reported
documents without a second poll re-fetching them.
*/
package storage
