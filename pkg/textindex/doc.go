// Package textindex wraps a memory-only bleve index as the per-shard
// inverted full-text engine. Content and keywords share one analyzed
// field; tenant, app, and level are keyword fields so filters push into
// the query as exact terms. Like the vector index, it is derived state
// rebuilt from the KV rows.
package textindex
