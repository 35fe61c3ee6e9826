/*
Package consolidation implements the background pipeline that turns raw L0
events into L1 memories and periodically into L2 insights.

The per-shard engine runs only while its replica leads. It never touches
the storage engines directly: every outcome is proposed through the
replicated log, and one (tenant, app, stream) batch commits as a single
atomic command. Leader changes need no handover — the pending set is
durable, ids are derived from content hashes, and the arbitration step
dedupes, so the new leader re-deriving the same batch converges on the same
state.

	pending events
	  → entropy filter   (reject noise, terminal mark)
	  → batcher          (scoped to tenant/app/stream)
	  → summarizer       (model capability → L1 candidates)
	  → embedder
	  → arbitrator       (merge ≥ dedup threshold, conflict band, insert)
	  → edge construction (similar + provenance)
	  → one atomic batch proposal

The L2 pass clusters each tenant's L1 graph (package community), folds each
surviving community into one insight, and retires insights whose source
community dissolved. A decay tick carries its own clock in the command so
replay decays identically on every replica.
*/
package consolidation
