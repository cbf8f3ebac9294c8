// Package notify delivers alert notices to configured channels.
//
// A Dispatcher resolves channel ids against its registry, renders the
// type-keyed template for each channel by literal {{variable}} substitution,
// and routes the rendered message by channel type:
//
//	email    SendGrid v3 API
//	slack    incoming webhook, {"text": ...}
//	teams    incoming webhook, MessageCard
//	webhook  generic JSON POST of the notice plus the rendered message
//
// Every attempted send yields a Record, successful or not. Transport errors
// are reported on the event bus as notificationError and never returned.
// Channels of an unsupported type produce a notificationUnsupported
// diagnostic event and no Record.
package notify
