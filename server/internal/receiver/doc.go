// Package receiver is the server end of the agent transport. It queue-
// subscribes to the batch subject, decodes each message with pkg/wire
// (gzip and AES-GCM per the message headers) and passes the values to the
// latest-value store, the optional persistence sink and the alert engine.
//
// Messages that fail to decode are counted and dropped; the agent does not
// expect a reply.
package receiver
