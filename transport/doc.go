// Package transport defines the contract every conduit backend implements and
// the connection-state scaffolding they share.
//
// A Transport moves json.RawMessage payloads over named channels. Backends differ
// wildly in what the wire underneath can do, so each one advertises a static
// Capabilities descriptor and the scaffolding rejects unsupported operations
// with a *CapabilityError before any I/O is attempted.
//
// State machine:
//
//	disconnected --Connect--> connecting --handshake--> connected
//	connecting   --failure--> error      --Connect-->   connecting
//	connected    --drop-->    reconnecting --retry-->   connected
//	any          --Disconnect or attempts exhausted-->  disconnected
//
// Every transition passes through Base.TransitionWith, which validates it and
// enqueues the lifecycle events under one lock, so all listeners observe a
// single total order and never see a transition skipped.
//
// Backends compose a *Base and provide Hooks:
//
//	b := transport.NewBase("memory", caps, transport.Hooks{
//	    Publish: func(ctx context.Context, msg transport.Message) error {
//	        b.Dispatch(ctx, msg)
//	        return nil
//	    },
//	})
//
// Base keeps one handler set per (transport id, channel) and only calls the
// Subscribe hook for the first handler on a channel and the Unsubscribe hook
// after the last one leaves, which is what guarantees a single wire
// subscription per channel regardless of how many handlers share it.
//
// Reconnection delays are a pure function of the attempt number
// (ReconnectPolicy.Delay); backends schedule them on a clock.Clock so tests can
// drive time explicitly.
package transport
