// Package wire encodes MetricBatch payloads for the agent→server transport.
//
// The body is JSON, optionally gzip-compressed and then optionally sealed with
// AES-256-GCM (random nonce prepended). The two header values returned by
// Encode describe which steps were applied and must travel with the body.
package wire
