// Package stream implements the unidirectional transport over server-sent
// events.
//
// Client is subscribe-only: Publish fails with a *transport.CapabilityError
// before any request is made. Every event name on the stream is a channel, so
// many logical channels share one HTTP response. The data field of each event
// is a JSON object {"payload": ..., "metadata": {...}} and the id field is the
// message id, remembered and sent back as Last-Event-ID when reconnecting.
//
// Reconnection follows EventSource semantics rather than the exponential
// policy used by sockets: the client waits the server-advertised retry
// interval between attempts and keeps trying until it succeeds, the server
// answers 204 No Content, or Disconnect is called. It surfaces reconnecting
// events while doing so.
//
// Server is the publish-only counterpart, an http.Handler that writes each
// published message as a named event to every attached consumer, or only to
// the targeted consumer ids.
package stream
