// Package socket implements the websocket transports.
//
// Client dials a Server (or any endpoint speaking the same frames) and keeps
// one full duplex connection. Every frame is a JSON Frame:
//
//	{"type":"subscribe","channel":"orders"}
//	{"type":"publish","channel":"orders","payload":{...},"messageId":"..."}
//	{"type":"message","channel":"orders","payload":{...},"messageId":"..."}
//
// subscribe, unsubscribe and publish travel client to server; message is a
// delivery to the receiving side.
//
// When the connection drops unexpectedly the client moves to reconnecting and
// retries on its clock with ReconnectPolicy.Delay(attempt). On success it
// resubscribes every channel that still has handlers and flushes the publishes
// it queued while offline, in order, before any new publish is written. Once
// the budget is spent it settles into disconnected until Connect is called
// again. The offline queue is unbounded unless WithQueueLimit is used.
//
// Server is an http.Handler. Mount it on any mux, or use WithListenAddr to
// have Connect start a listener. It tracks the channels each connection
// subscribed to and delivers its own publishes either to explicit targets
// (connection ids) or to every subscriber of the channel.
package socket
