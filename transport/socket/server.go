package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/casualjim/conduit/internal/metrics"
	"github.com/casualjim/conduit/internal/registry"
	"github.com/casualjim/conduit/pkg/slogx"
	"github.com/casualjim/conduit/pkg/uuidx"
	"github.com/casualjim/conduit/transport"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	ServerKind = "socket-server"

	// ConnectionIDParam lets a client nominate its connection id on the
	// upgrade request. Invalid or duplicate ids are replaced.
	ConnectionIDParam = "connectionId"
)

// ErrUnknownConnection is returned when an operation names a connection that
// is not attached.
var ErrUnknownConnection = errors.New("unknown connection")

var serverCapabilities = transport.Capabilities{
	CanSubscribe:      true,
	CanPublish:        true,
	Bidirectional:     true,
	SupportsTargeting: true,
	SupportsChannels:  true,
}

type serverConfig struct {
	upgrader     websocket.Upgrader
	relay        bool
	listenAddr   string
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      metrics.Recorder
}

type ServerOption = opts.Option[serverConfig]

var (
	// WithRelay rebroadcasts client publishes to the other subscribers of the
	// channel, in addition to the server's own handlers.
	WithRelay = opts.ForName[serverConfig, bool]("relay")
	// WithListenAddr makes Connect start an HTTP listener serving the upgrade
	// endpoint on addr. Without it the Server is mounted as an http.Handler.
	WithListenAddr   = opts.ForName[serverConfig, string]("listenAddr")
	WithServerLogger = opts.ForName[serverConfig, *slog.Logger]("logger")
)

// WithCheckOrigin replaces the upgrader's origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return opts.Type[serverConfig](func(cfg *serverConfig) error {
		cfg.upgrader.CheckOrigin = fn
		return nil
	})
}

func WithServerMetrics(rec metrics.Recorder) ServerOption {
	return opts.Type[serverConfig](func(cfg *serverConfig) error {
		cfg.metrics = rec
		return nil
	})
}

type peer struct {
	id   string
	conn *websocket.Conn

	sendMu sync.Mutex
	// channels is guarded by Server.mu
	channels map[string]struct{}
}

// Server accepts websocket connections and routes frames between them. Its own
// handlers receive every client publish; its publishes go to the subscribed
// (or explicitly targeted) connections.
type Server struct {
	*transport.Base
	cfg   serverConfig
	peers registry.Registry[*peer]

	mu          sync.Mutex
	subscribers map[string]*orderedmap.OrderedMap[string, struct{}]

	httpMu   sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer creates a websocket server transport.
func NewServer(options ...ServerOption) (*Server, error) {
	cfg := serverConfig{
		writeTimeout: defaultWriteTimeout,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}
	if err := opts.Apply(&cfg, options); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		peers:       registry.New[*peer](),
		subscribers: make(map[string]*orderedmap.OrderedMap[string, struct{}]),
	}
	baseOpts := []opts.Option[transport.Base]{transport.WithLogger(cfg.logger)}
	if cfg.metrics != nil {
		baseOpts = append(baseOpts, transport.WithMetrics(cfg.metrics))
	}
	s.Base = transport.NewBase(ServerKind, serverCapabilities, transport.Hooks{
		Connect:    s.connect,
		Disconnect: s.disconnect,
		Publish:    s.publish,
	}, baseOpts...)
	return s, nil
}

func (s *Server) connect(context.Context) error {
	if s.cfg.listenAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.listenAddr)
	if err != nil {
		return &transport.ConnectionError{Transport: ServerKind, Endpoint: s.cfg.listenAddr, Err: err}
	}
	srv := &http.Server{Handler: s, ReadHeaderTimeout: defaultHandshakeTimeout}

	s.httpMu.Lock()
	s.httpSrv, s.listener = srv, ln
	s.httpMu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger().Error("websocket listener stopped", slogx.Error(err))
		}
	}()
	s.Logger().Info("websocket server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) disconnect(ctx context.Context) error {
	s.httpMu.Lock()
	srv := s.httpSrv
	s.httpSrv, s.listener = nil, nil
	s.httpMu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.peers.Range(func(_ string, p *peer) bool {
		s.closePeer(p, websocket.CloseGoingAway)
		return true
	})
	return err
}

// Addr reports the listener address when started with WithListenAddr.
func (s *Server) Addr() net.Addr {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.RequireConnected("accept"); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := s.cfg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger().Warn("websocket upgrade failed", slogx.Error(err))
		return
	}

	p := &peer{conn: conn, channels: make(map[string]struct{})}
	id := r.URL.Query().Get(ConnectionIDParam)
	if !uuidx.Valid(id) {
		id = uuidx.NewString()
	}
	for {
		p.id = id
		if _, loaded := s.peers.GetOrAdd(id, func() *peer { return p }); !loaded {
			break
		}
		id = uuidx.NewString()
	}

	log := s.Logger().With(slogx.ConnectionID(p.id))
	log.Debug("connection accepted")
	s.Emit(transport.Event{Kind: transport.EventConnect, ConnectionID: p.id})

	s.serve(p, log)
}

func (s *Server) serve(p *peer, log *slog.Logger) {
	ctx := context.Background()
	defer s.purge(p)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("connection read ended", slogx.Error(err))
			}
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			log.Warn("undecodable frame", slogx.Error(err))
			s.Metrics().RecordDrop(ctx, "", "decode")
			continue
		}
		switch f.Type {
		case FrameSubscribe:
			s.track(p, f.Channel)
		case FrameUnsubscribe:
			s.untrack(p, f.Channel)
		case FramePublish:
			s.inbound(ctx, p, f)
		default:
			log.Debug("ignoring frame", slog.String("type", string(f.Type)), slogx.Channel(f.Channel))
		}
	}
}

func (s *Server) inbound(ctx context.Context, p *peer, f Frame) {
	msg := f.message()
	md := transport.Metadata{ConnectionID: p.id, SenderID: p.id}
	if msg.Metadata != nil {
		md.Attributes = msg.Metadata.Attributes
		if msg.Metadata.SenderID != "" {
			md.SenderID = msg.Metadata.SenderID
		}
	}
	msg.Metadata = &md

	s.Dispatch(ctx, msg)
	if s.cfg.relay {
		s.route(ctx, msg, p.id)
	}
}

func (s *Server) track(p *peer, channel string) {
	if channel == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[channel]
	if !ok {
		set = orderedmap.New[string, struct{}]()
		s.subscribers[channel] = set
	}
	set.Set(p.id, struct{}{})
	p.channels[channel] = struct{}{}
}

func (s *Server) untrack(p *peer, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.untrackLocked(p, channel)
}

func (s *Server) untrackLocked(p *peer, channel string) {
	delete(p.channels, channel)
	set, ok := s.subscribers[channel]
	if !ok {
		return
	}
	set.Delete(p.id)
	if set.Len() == 0 {
		delete(s.subscribers, channel)
	}
}

// purge forgets p everywhere and announces its departure.
func (s *Server) purge(p *peer) {
	s.mu.Lock()
	for ch := range p.channels {
		s.untrackLocked(p, ch)
	}
	s.mu.Unlock()
	s.peers.Del(p.id)
	_ = p.conn.Close()
	s.Emit(transport.Event{Kind: transport.EventDisconnect, ConnectionID: p.id})
}

func (s *Server) closePeer(p *peer, code int) {
	p.sendMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second))
	p.sendMu.Unlock()
	_ = p.conn.Close()
}

// CloseConnection closes one client connection.
func (s *Server) CloseConnection(id string) error {
	p, ok := s.peers.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	s.closePeer(p, websocket.CloseNormalClosure)
	return nil
}

// Connections lists the attached connection ids.
func (s *Server) Connections() []string {
	ids := make([]string, 0, s.peers.Len())
	s.peers.Range(func(id string, _ *peer) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Subscribers lists, in subscription order, the connections subscribed to channel.
func (s *Server) Subscribers(channel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[channel]
	if !ok {
		return nil
	}
	ids := make([]string, 0, set.Len())
	for pair := set.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

func (s *Server) publish(ctx context.Context, msg transport.Message) error {
	if err := s.RequireConnected("publish"); err != nil {
		return err
	}
	s.route(ctx, msg, "")
	return nil
}

// route writes msg to its explicit targets, or to every subscriber of the
// channel except skip.
func (s *Server) route(ctx context.Context, msg transport.Message, skip string) {
	var ids []string
	if len(msg.TargetIDs) > 0 {
		ids = msg.TargetIDs
	} else {
		ids = s.Subscribers(msg.Channel)
	}

	f := messageFrame(FrameMessage, msg)
	f.TargetIDs = nil
	data, err := json.Marshal(f)
	if err != nil {
		s.Logger().Error("encoding frame", slogx.Channel(msg.Channel), slogx.Error(err))
		return
	}

	for _, id := range ids {
		if id == skip {
			continue
		}
		p, ok := s.peers.Get(id)
		if !ok {
			s.Metrics().RecordDrop(ctx, msg.Channel, "unknown_target")
			continue
		}
		if err := s.send(p, data); err != nil {
			s.Logger().Warn("write to connection failed",
				slogx.ConnectionID(id),
				slogx.Channel(msg.Channel),
				slogx.Error(err),
			)
			s.Metrics().RecordDrop(ctx, msg.Channel, "write")
		}
	}
}

func (s *Server) send(p *peer, data []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

var (
	_ transport.Transport = (*Server)(nil)
	_ http.Handler        = (*Server)(nil)
)
