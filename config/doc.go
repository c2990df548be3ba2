// Package config loads transport settings from a YAML file, optional .env
// files and the process environment, in that order of precedence (later wins).
//
// Recognised environment variables:
//
//	CONDUIT_LOG_LEVEL              debug | info | warn | error
//	CONDUIT_LOG_CONSOLE            true for human readable output
//	CONDUIT_SOCKET_URL             socket client endpoint
//	CONDUIT_SOCKET_LISTEN          socket server listen address
//	CONDUIT_SOCKET_QUEUE_LIMIT     outbound queue bound, 0 for unbounded
//	CONDUIT_SOCKET_OVERFLOW        drop-oldest | reject-new
//	NATS_URL                       broker endpoint
//	CONDUIT_BROKER_PREFIX          broker channel prefix
//	CONDUIT_BROKER_NAME            broker client name
//	CONDUIT_STREAM_URL             event stream endpoint
//	CONDUIT_STREAM_CREDENTIALS     keep cookies across reconnects
//	CONDUIT_RECONNECT_ENABLED      reconnection on/off
//	CONDUIT_RECONNECT_MAX_ATTEMPTS attempts before giving up, 0 for the default (10)
//	CONDUIT_RECONNECT_BASE_DELAY   first backoff delay, e.g. 500ms
//	CONDUIT_RECONNECT_MAX_DELAY    backoff ceiling, e.g. 30s
package config
