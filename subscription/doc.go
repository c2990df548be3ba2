// Package subscription fans one transport subscription out to many
// application handlers.
//
// The first handler registered for an event opens exactly one transport
// subscription on the event's channel; later handlers attach to it. Handlers
// run in registration order for every inbound message. A handler that returns
// an error or panics is logged and the remaining handlers still run. Removing
// the last handler of an event closes its transport subscription, and once no
// event has handlers left the transport is disconnected.
package subscription
