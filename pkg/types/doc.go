// Package types holds the shared domain model: events, memories, edges,
// communities, the replicated command alphabet, query shapes, and the
// client-visible error taxonomy.
package types
