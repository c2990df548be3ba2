package broker

import (
	"context"
	"time"

	"github.com/casualjim/conduit/pkg/natsx"
	"github.com/casualjim/conduit/transport"
	"github.com/nats-io/nats.go"
)

// Role names which of the two physical connections is being dialed.
type Role string

const (
	RolePublisher  Role = "pub"
	RoleSubscriber Role = "sub"
)

// Conn is the part of a broker client connection the transport uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb func(data []byte)) (Subscription, error)
	Flush() error
	Close()
}

// Subscription is one wire level subscription.
type Subscription interface {
	Unsubscribe() error
}

// ConnEvents are the connection health callbacks a Dialer wires into the
// client's native reconnect machinery.
type ConnEvents struct {
	Disconnected func(err error)
	Reconnected  func()
	Closed       func()
}

// Dialer opens one physical connection for role.
type Dialer func(ctx context.Context, role Role, events ConnEvents) (Conn, error)

// NATS returns a Dialer for the server at url (see natsx.URL). Reconnection is
// delegated to the NATS client, paced by policy.
func NATS(url, name string, policy transport.ReconnectPolicy, extra ...nats.Option) Dialer {
	return func(_ context.Context, role Role, events ConnEvents) (Conn, error) {
		options := []nats.Option{
			nats.Name(name + "-" + string(role)),
			nats.Compression(true),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if events.Disconnected != nil {
					events.Disconnected(err)
				}
			}),
			nats.ReconnectHandler(func(*nats.Conn) {
				if events.Reconnected != nil {
					events.Reconnected()
				}
			}),
			nats.ClosedHandler(func(*nats.Conn) {
				if events.Closed != nil {
					events.Closed()
				}
			}),
		}
		options = append(options, reconnectOptions(policy)...)
		options = append(options, extra...)

		nc, err := natsx.NewClient(url, options...)
		if err != nil {
			return nil, err
		}
		return &natsConn{nc: nc}, nil
	}
}

func reconnectOptions(policy transport.ReconnectPolicy) []nats.Option {
	if !policy.Enabled {
		return []nats.Option{nats.NoReconnect()}
	}
	return []nats.Option{
		nats.MaxReconnects(policy.Attempts()),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return policy.Delay(attempts - 1)
		}),
	}
}

type natsConn struct {
	nc *nats.Conn
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Subscribe(subject string, cb func(data []byte)) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		cb(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *natsConn) Flush() error {
	return c.nc.Flush()
}

func (c *natsConn) Close() {
	c.nc.Close()
}
