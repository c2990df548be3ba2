package stream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/casualjim/conduit/internal/metrics"
	"github.com/casualjim/conduit/internal/registry"
	"github.com/casualjim/conduit/pkg/slogx"
	"github.com/casualjim/conduit/pkg/uuidx"
	"github.com/casualjim/conduit/transport"
	"github.com/fogfish/opts"
)

const (
	ServerKind = "stream-server"

	// ClientIDParam lets a consumer nominate the id it is targeted by.
	ClientIDParam = "clientId"

	defaultClientBuffer = 64
)

var serverCapabilities = transport.Capabilities{
	CanPublish:        true,
	SupportsTargeting: true,
	SupportsChannels:  true,
}

type serverConfig struct {
	retry   time.Duration
	buffer  int
	logger  *slog.Logger
	metrics metrics.Recorder
}

type ServerOption = opts.Option[serverConfig]

var (
	// WithServerRetry advertises a reconnection interval to every consumer.
	WithServerRetry = opts.ForName[serverConfig, time.Duration]("retry")
	// WithClientBuffer sets how many events may wait for a slow consumer
	// before further events to it are dropped.
	WithClientBuffer = opts.ForName[serverConfig, int]("buffer")
	WithServerLogger = opts.ForName[serverConfig, *slog.Logger]("logger")
)

func WithServerMetrics(rec metrics.Recorder) ServerOption {
	return opts.Type[serverConfig](func(cfg *serverConfig) error {
		cfg.metrics = rec
		return nil
	})
}

type consumer struct {
	id     string
	events chan []byte
	done   chan struct{}
	once   sync.Once
}

// Server is the publish-only side of a stream: an http.Handler writing every
// published message as a named event to each attached consumer.
type Server struct {
	*transport.Base
	cfg       serverConfig
	consumers registry.Registry[*consumer]
}

// NewServer creates a stream server. Mount it on a mux and call Connect before
// serving.
func NewServer(options ...ServerOption) (*Server, error) {
	cfg := serverConfig{buffer: defaultClientBuffer}
	if err := opts.Apply(&cfg, options); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, consumers: registry.New[*consumer]()}

	baseOpts := []opts.Option[transport.Base]{transport.WithLogger(cfg.logger)}
	if cfg.metrics != nil {
		baseOpts = append(baseOpts, transport.WithMetrics(cfg.metrics))
	}
	s.Base = transport.NewBase(ServerKind, serverCapabilities, transport.Hooks{
		Disconnect: s.disconnect,
		Publish:    s.publish,
	}, baseOpts...)
	return s, nil
}

// Consumers lists the attached consumer ids.
func (s *Server) Consumers() []string {
	ids := make([]string, 0, s.consumers.Len())
	s.consumers.Range(func(id string, _ *consumer) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// CloseConsumer ends one consumer's stream. The consumer will reconnect.
func (s *Server) CloseConsumer(id string) bool {
	c, ok := s.consumers.Get(id)
	if !ok {
		return false
	}
	s.detach(c)
	return true
}

func (s *Server) detach(c *consumer) {
	c.once.Do(func() {
		if cur, ok := s.consumers.Get(c.id); ok && cur == c {
			s.consumers.Del(c.id)
		}
		close(c.done)
	})
}

func (s *Server) disconnect(context.Context) error {
	var all []*consumer
	s.consumers.Range(func(_ string, c *consumer) bool {
		all = append(all, c)
		return true
	})
	for _, c := range all {
		s.detach(c)
	}
	return nil
}

// ServeHTTP streams events to one consumer until it goes away or the server
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.RequireConnected("accept"); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	c := &consumer{
		events: make(chan []byte, s.cfg.buffer),
		done:   make(chan struct{}),
	}
	id := r.URL.Query().Get(ClientIDParam)
	if !uuidx.Valid(id) {
		id = uuidx.NewString()
	}
	for {
		c.id = id
		if _, loaded := s.consumers.GetOrAdd(id, func() *consumer { return c }); !loaded {
			break
		}
		id = uuidx.NewString()
	}
	defer s.detach(c)

	log := s.Logger().With(slogx.ConnectionID(c.id))
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var preamble bytes.Buffer
	if s.cfg.retry > 0 {
		writeRetry(&preamble, s.cfg.retry)
	} else {
		preamble.WriteString(": connected\n\n")
	}
	if _, err := w.Write(preamble.Bytes()); err != nil {
		return
	}
	flusher.Flush()

	log.Debug("consumer attached", slog.String("last_event_id", r.Header.Get("Last-Event-ID")))
	s.Emit(transport.Event{Kind: transport.EventConnect, ConnectionID: c.id})
	defer s.Emit(transport.Event{Kind: transport.EventDisconnect, ConnectionID: c.id})

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			return
		case data := <-c.events:
			if _, err := w.Write(data); err != nil {
				log.Debug("consumer write failed", slogx.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) publish(ctx context.Context, msg transport.Message) error {
	if err := s.RequireConnected("publish"); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := writeEvent(&buf, msg); err != nil {
		s.Metrics().RecordDrop(ctx, msg.Channel, "unframable")
		return fmt.Errorf("encoding event: %w", err)
	}
	data := buf.Bytes()

	deliver := func(c *consumer) {
		select {
		case c.events <- data:
		default:
			s.Logger().Warn("slow consumer, dropping event",
				slogx.ConnectionID(c.id),
				slogx.Channel(msg.Channel),
				slogx.MessageID(msg.MessageID),
			)
			s.Metrics().RecordDrop(ctx, msg.Channel, "slow_consumer")
		}
	}

	if len(msg.TargetIDs) > 0 {
		for _, id := range msg.TargetIDs {
			if c, ok := s.consumers.Get(id); ok {
				deliver(c)
			}
		}
		return nil
	}
	s.consumers.Range(func(_ string, c *consumer) bool {
		deliver(c)
		return true
	})
	return nil
}

var (
	_ transport.Transport = (*Server)(nil)
	_ http.Handler        = (*Server)(nil)
)
