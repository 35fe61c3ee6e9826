/*
Package storage implements the ordered key-value engine backing one shard's
state machine, built on BoltDB.

The engine holds six buckets:

	events    raw L0 events by id
	pending   (tenant, app, stream, event id) index of unconsumed events
	memories  L1/L2 rows by id, embeddings included
	edges     outbound adjacency keyed (source, relation, target)
	edges_in  inbound mirror keyed (target, relation, source)
	meta      state-machine metadata (decay clock, replicated config)

Mutations go through Update, which exposes the typed Tx surface inside one
atomic BoltDB transaction; the shard's apply loop is the only caller. A
consolidation batch therefore lands all-or-nothing: its memory upserts,
edges, and consumed-marks share a single transaction.

Reads use View or the one-shot helpers (GetMemory, ScanPending,
ListMemories, ...). BoltDB gives readers a consistent snapshot at the point
of call, so the query path never blocks the apply loop.

Snapshot produces the deterministic serialized dump used by the replication
layer; Restore replaces the engine contents wholesale, rebuilding the
pending index from the restored events.
*/
package storage
