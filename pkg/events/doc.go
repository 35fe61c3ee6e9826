// Package events carries the coalescing wake-up signal from a shard's
// apply loop to its consolidation worker: many ingests, one token, no
// backpressure on the apply path.
package events
