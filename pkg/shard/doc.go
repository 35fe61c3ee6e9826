/*
Package shard implements the replicated state plane: one Raft group per
shard, with a deterministic state machine that owns the shard's three
storage engines.

Every mutation — ingestion, consolidation output, decay, access batches,
membership — is a Command serialized into the Raft log. The FSM applies
committed entries through the hybrid index; because it is the single
mutator, the engines need no cross-component locking.

	propose → leader log append → quorum replication → commit → FSM.Apply

A proposal on a non-leader replica fails fast with the last known leader
address so callers can redirect. Proposals carry a wall-clock deadline; a
timed-out command may still commit later. Applying a command twice leaves
the same state for every command except RecordAccess, whose second
application counts the same accesses again.

Snapshots are full dumps of the KV engine. The vector and full-text indexes
are derived state and are rebuilt from the dump on restore, keeping the
snapshot body canonical.
*/
package shard
