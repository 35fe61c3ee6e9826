/*
Package router maps tenants onto shards and dispatches requests to shard
leaders.

Placement is a stable hash: shard = xxhash(tenant) mod shard_count, with
the shard count fixed at cluster init. Dispatch prefers the locally hosted
replica; when it is not leading, the request is relayed to the cached
leader, then to live peers round-robin with capped attempts and exponential
backoff, honoring leader hints carried on 503 responses.

A health monitor pings peer /healthz endpoints every heartbeat interval,
drops a peer after consecutive failures, and reinstates it on the first
success.
*/
package router
