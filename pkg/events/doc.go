// Package events is the in-process publish/subscribe boundary between the
// collection pipeline, the alert engine, and downstream consumers such as
// the WebSocket hub.
//
// A Bus fans each published Event out to every subscription whose name set
// matches. Delivery is non-blocking: a subscriber whose buffer is full misses
// the event and the drop is counted, so a slow consumer never stalls the
// publisher. Subscriptions are plain receive channels.
package events
