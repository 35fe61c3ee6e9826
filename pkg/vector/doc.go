// Package vector implements the per-shard embedding index: normalized
// rows, cosine top-k search with deterministic tie-breaks, and a fixed
// embedding dimension enforced as a fatal invariant. The index is derived
// state, rebuilt from the KV memory rows on open and restore.
package vector
