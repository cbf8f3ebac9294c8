// Package store holds the server's view of incoming metric values: an
// in-memory latest-value store with TTL eviction, and an asynchronous sink
// that batches values into PostgreSQL without blocking ingestion.
package store
