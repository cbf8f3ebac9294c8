// Package shipper publishes metric batches to the server over NATS.
//
// Shipper implements collect.Publisher. Publish is non-blocking: batches are
// placed in an in-memory channel (default capacity 1000) and, when it is
// full, the oldest batch is evicted so the newest data is always kept.
//
// Shipper.Run drains the buffer, encoding each batch with pkg/wire (JSON,
// optional gzip, optional AES-256-GCM) and publishing it to the configured
// subject with job, metric, sequence and trace-context headers. Connection
// loss triggers truncated exponential backoff (1s→60s, ±25% jitter).
// Messages the broker can never accept (oversized payload, bad subject) are
// discarded rather than retried.
//
// The dialFn field is injectable for testing.
package shipper
