/*
Package conduit is a typed publish/subscribe layer over interchangeable wire
transports.

Applications declare named events with validation schemas in an
events.Registry, pick a transport and bind the two with New. Every publish is
validated before it reaches the wire, every inbound message is validated
before any handler sees it, and handlers for the same event share one
underlying transport subscription.

# Basic Usage

	type OrderCreated struct {
		OrderID string `json:"orderId"`
	}

	reg := events.MustRegistry(
		events.MustDefine("orderCreated", schema.For[OrderCreated]()),
	)

	mem, err := memory.New()
	if err != nil {
		// Handle error
	}
	bus, err := conduit.New(reg, mem)
	if err != nil {
		// Handle error
	}

	orders := conduit.MustBind[OrderCreated](bus, "orderCreated")
	unsubscribe, err := orders.Subscribe(ctx, func(ctx context.Context, o OrderCreated, msg transport.Message) error {
		slog.Info("order created", "order", o.OrderID, "message", msg.MessageID)
		return nil
	})
	defer unsubscribe()

	err = orders.Publish(ctx, OrderCreated{OrderID: "o1"})

# Transports

All backends implement transport.Transport and advertise what they can do
through transport.Capabilities:

  - transport/memory: loopback inside one instance
  - transport/inproc: peers attached to a named in-process hub
  - transport/socket: WebSocket client with reconnection and an outbound queue, and the matching server
  - transport/broker: NATS with dedicated publish and subscribe connections
  - transport/stream: server-sent events, subscribe only client and publish only server

Operations a transport cannot perform fail with *transport.CapabilityError
before any I/O happens.

# Filtering

Subscriptions may carry a filter.Policy evaluated against the attributes
published with a message:

	orders.Subscribe(ctx, handler, conduit.WithFilter(filter.Policy{
		"status": {filter.In("new", "paid")},
	}))
	orders.Publish(ctx, o, transport.WithAttributes(map[string]any{"status": "new"}))

# Tooling

Bus.ActiveEvents and Bus.Channels report which events currently have live
handlers, which is what provisioning tools use to derive broker resources.
*/
package conduit
