// Package api serves the REST /v1 surface: event ingest, hybrid search,
// memory and graph inspection, and cluster lifecycle. Writes are proposed
// on the local shard replica when it leads and relayed toward the leader
// otherwise, with the leader hint exposed in the X-Memorose-Leader header.
// Errors carry the taxonomy kind; see pkg/types.
package api
