/*
Package hybrid implements the tri-modal retrieval index over one shard's
memories: the ordered KV store (source of truth), the vector ANN index, and
the inverted full-text index.

Writes arrive as replicated commands through Apply, called only by the
shard's apply loop. The KV transaction commits first; the derived indexes
are updated after, and are rebuilt from the KV rows on open and on snapshot
restore, so the replicated state stays canonical.

The query path fuses three channels:

	s = w_v·vector + w_t·text + w_g·graph

with each channel fanning out 3k candidates, a graph boost from in-edges of
already-scored candidates, filters applied after fusion, and a fully
deterministic tie-break (importance, recency, id). An optional rerank pass
hands the top slice to the model capability.

Graph traversal is bounded: Neighbors keeps a visited set and a global
visit cap, so the cyclic memory graph always terminates.
*/
package hybrid
