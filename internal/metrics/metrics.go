// Package metrics records delivery counters through OpenTelemetry.
// Use Default() for the global meter provider, New for an explicit one, or Noop{} when disabled.
package metrics

import (
	"context"
	"log/slog"
	"sync"

	"github.com/casualjim/conduit/pkg/slogx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	Published     = "conduit.messages.published"
	Delivered     = "conduit.messages.delivered"
	Dropped       = "conduit.messages.dropped"
	HandlerErrors = "conduit.handler.errors"
	Reconnects    = "conduit.transport.reconnects"
	Queued        = "conduit.messages.queued"
)

// Recorder records conduit metrics.
type Recorder interface {
	// RecordPublish counts one outbound message on channel.
	RecordPublish(ctx context.Context, channel string)
	// RecordDelivery counts one handler invocation for channel.
	RecordDelivery(ctx context.Context, channel string)
	// RecordDrop counts one inbound message discarded before reaching handlers.
	RecordDrop(ctx context.Context, channel, reason string)
	// RecordHandlerError counts a handler that returned an error or panicked.
	RecordHandlerError(ctx context.Context, channel string)
	// RecordReconnect counts one reconnection attempt by transport kind.
	RecordReconnect(ctx context.Context, transport string, attempt int)
	// RecordQueued counts an outbound message buffered while disconnected.
	RecordQueued(ctx context.Context, channel string)
}

type otelRecorder struct {
	published     metric.Int64Counter
	delivered     metric.Int64Counter
	dropped       metric.Int64Counter
	handlerErrors metric.Int64Counter
	reconnects    metric.Int64Counter
	queued        metric.Int64Counter
}

var (
	defaultRecorder     Recorder
	defaultRecorderOnce sync.Once
)

// Default returns a process wide recorder bound to the global meter provider,
// falling back to Noop when instrument creation fails.
func Default() Recorder {
	defaultRecorderOnce.Do(func() {
		rec, err := New(otel.GetMeterProvider())
		if err != nil {
			slog.Warn("metrics disabled", slogx.Error(err))
			defaultRecorder = Noop{}
			return
		}
		defaultRecorder = rec
	})
	return defaultRecorder
}

// New creates a recorder on the given meter provider.
func New(provider metric.MeterProvider) (Recorder, error) {
	meter := provider.Meter("github.com/casualjim/conduit")

	var (
		r   otelRecorder
		err error
	)
	if r.published, err = meter.Int64Counter(Published,
		metric.WithDescription("Number of messages handed to a transport"),
	); err != nil {
		return nil, err
	}
	if r.delivered, err = meter.Int64Counter(Delivered,
		metric.WithDescription("Number of handler invocations"),
	); err != nil {
		return nil, err
	}
	if r.dropped, err = meter.Int64Counter(Dropped,
		metric.WithDescription("Number of inbound messages dropped before dispatch"),
	); err != nil {
		return nil, err
	}
	if r.handlerErrors, err = meter.Int64Counter(HandlerErrors,
		metric.WithDescription("Number of handler failures"),
	); err != nil {
		return nil, err
	}
	if r.reconnects, err = meter.Int64Counter(Reconnects,
		metric.WithDescription("Number of reconnection attempts"),
	); err != nil {
		return nil, err
	}
	if r.queued, err = meter.Int64Counter(Queued,
		metric.WithDescription("Number of outbound messages queued while disconnected"),
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *otelRecorder) RecordPublish(ctx context.Context, channel string) {
	r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

func (r *otelRecorder) RecordDelivery(ctx context.Context, channel string) {
	r.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

func (r *otelRecorder) RecordDrop(ctx context.Context, channel, reason string) {
	r.dropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("reason", reason),
	))
}

func (r *otelRecorder) RecordHandlerError(ctx context.Context, channel string) {
	r.handlerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

func (r *otelRecorder) RecordReconnect(ctx context.Context, transport string, attempt int) {
	r.reconnects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.Int("attempt", attempt),
	))
}

func (r *otelRecorder) RecordQueued(ctx context.Context, channel string) {
	r.queued.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordPublish(context.Context, string) {}
func (Noop) RecordDelivery(context.Context, string) {}
func (Noop) RecordDrop(context.Context, string, string) {}
func (Noop) RecordHandlerError(context.Context, string) {}
func (Noop) RecordReconnect(context.Context, string, int) {}
func (Noop) RecordQueued(context.Context, string) {}
