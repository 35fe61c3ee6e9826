/*
Package llm is the narrow model-capability boundary: summarization,
community summarization, embedding, conflict arbitration, and reranking.

Client wraps any Capability with the shared resource policy — a bounded
concurrency slot pool, a per-call deadline, and retries with exponential
backoff capped at one minute. Exhausted retries surface as external-kind
errors; callers defer the work and retry on their own schedule.

Local is the built-in deterministic provider used for development and
tests. Remote providers implement Capability behind this boundary and are
intentionally out of scope here.
*/
package llm
