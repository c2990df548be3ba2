package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/casualjim/conduit/pkg/natsx"
	"github.com/casualjim/conduit/pkg/slogx"
	"github.com/casualjim/conduit/transport"
	"github.com/casualjim/conduit/transport/broker"
	"github.com/casualjim/conduit/transport/socket"
	"github.com/casualjim/conduit/transport/stream"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the settings surface of every transport.
type Config struct {
	Log       Log                       `yaml:"log"`
	Reconnect transport.ReconnectPolicy `yaml:"reconnect"`
	Socket    Socket                    `yaml:"socket"`
	Broker    Broker                    `yaml:"broker"`
	Stream    Stream                    `yaml:"stream"`
}

type Log struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type Socket struct {
	URL        string `yaml:"url"`
	ListenAddr string `yaml:"listen_addr"`
	Relay      bool   `yaml:"relay"`
	QueueLimit int    `yaml:"queue_limit"`
	// Overflow is drop-oldest or reject-new.
	Overflow string `yaml:"overflow"`
}

type Broker struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
	Name   string `yaml:"name"`
}

type Stream struct {
	URL         string        `yaml:"url"`
	Credentials bool          `yaml:"credentials"`
	Retry       time.Duration `yaml:"retry"`
}

// Default returns the built in settings.
func Default() Config {
	return Config{
		Log:       Log{Level: "info"},
		Reconnect: transport.DefaultReconnect,
		Socket:    Socket{Overflow: "drop-oldest"},
		Broker:    Broker{Name: "conduit"},
		Stream:    Stream{Retry: stream.DefaultRetry},
	}
}

// Load reads path (skipped when empty), then the given .env files (missing
// files are ignored), then the environment.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if cfg, err = FromYAML(data); err != nil {
			return Config{}, err
		}
	}

	env := make(map[string]string)
	for _, file := range envFiles {
		values, err := godotenv.Read(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("read env file %s: %w", file, err)
		}
		for k, v := range values {
			env[k] = v
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := env[key]
		return v, ok
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// FromYAML parses YAML over the defaults.
func FromYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("CONDUIT_LOG_LEVEL", &c.Log.Level)
	str("CONDUIT_SOCKET_URL", &c.Socket.URL)
	str("CONDUIT_SOCKET_LISTEN", &c.Socket.ListenAddr)
	str("CONDUIT_SOCKET_OVERFLOW", &c.Socket.Overflow)
	str(natsx.EnvURL, &c.Broker.URL)
	str("CONDUIT_BROKER_PREFIX", &c.Broker.Prefix)
	str("CONDUIT_BROKER_NAME", &c.Broker.Name)
	str("CONDUIT_STREAM_URL", &c.Stream.URL)

	for _, err := range []error{
		boolean("CONDUIT_LOG_CONSOLE", &c.Log.Console),
		boolean("CONDUIT_SOCKET_RELAY", &c.Socket.Relay),
		integer("CONDUIT_SOCKET_QUEUE_LIMIT", &c.Socket.QueueLimit),
		boolean("CONDUIT_STREAM_CREDENTIALS", &c.Stream.Credentials),
		duration("CONDUIT_STREAM_RETRY", &c.Stream.Retry),
		boolean("CONDUIT_RECONNECT_ENABLED", &c.Reconnect.Enabled),
		integer("CONDUIT_RECONNECT_MAX_ATTEMPTS", &c.Reconnect.MaxAttempts),
		duration("CONDUIT_RECONNECT_BASE_DELAY", &c.Reconnect.BaseDelay),
		duration("CONDUIT_RECONNECT_MAX_DELAY", &c.Reconnect.MaxDelay),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings no transport can run with.
func (c Config) Validate() error {
	if _, err := c.Socket.overflow(); err != nil {
		return err
	}
	if c.Socket.QueueLimit < 0 {
		return fmt.Errorf("socket queue limit must not be negative")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max attempts must not be negative")
	}
	if c.Reconnect.BaseDelay < 0 || c.Reconnect.MaxDelay < 0 {
		return fmt.Errorf("reconnect delays must not be negative")
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.BaseDelay > c.Reconnect.MaxDelay {
		return fmt.Errorf("reconnect base delay %s exceeds max delay %s", c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	return nil
}

// Logger builds the zerolog backed slog logger described by Log.
func (c Config) Logger(w io.Writer) *slog.Logger {
	return slogx.NewZerologLogger(w, slogx.ParseLevel(c.Log.Level), c.Log.Console)
}

func (s Socket) overflow() (socket.OverflowPolicy, error) {
	switch s.Overflow {
	case "", "drop-oldest":
		return socket.DropOldest, nil
	case "reject-new":
		return socket.RejectNew, nil
	default:
		return 0, fmt.Errorf("unknown socket overflow policy %q", s.Overflow)
	}
}

// SocketClientOptions are the options for socket.NewClient(c.Socket.URL, ...).
func (c Config) SocketClientOptions(logger *slog.Logger) []socket.ClientOption {
	out := []socket.ClientOption{
		socket.WithReconnect(c.Reconnect),
		socket.WithClientLogger(logger),
	}
	if c.Socket.QueueLimit > 0 {
		policy, _ := c.Socket.overflow()
		out = append(out, socket.WithQueueLimit(c.Socket.QueueLimit, policy))
	}
	return out
}

// SocketServerOptions are the options for socket.NewServer.
func (c Config) SocketServerOptions(logger *slog.Logger) []socket.ServerOption {
	return []socket.ServerOption{
		socket.WithListenAddr(c.Socket.ListenAddr),
		socket.WithRelay(c.Socket.Relay),
		socket.WithServerLogger(logger),
	}
}

// BrokerOptions are the options for broker.New.
func (c Config) BrokerOptions(logger *slog.Logger) []broker.Option {
	return []broker.Option{
		broker.WithURL(natsx.URL(c.Broker.URL)),
		broker.WithName(c.Broker.Name),
		broker.WithPrefix(c.Broker.Prefix),
		broker.WithReconnect(c.Reconnect),
		broker.WithLogger(logger),
	}
}

// StreamClientOptions are the options for stream.NewClient(c.Stream.URL, ...).
func (c Config) StreamClientOptions(logger *slog.Logger) []stream.ClientOption {
	out := []stream.ClientOption{
		stream.WithCredentials(c.Stream.Credentials),
		stream.WithClientLogger(logger),
	}
	if c.Stream.Retry > 0 {
		out = append(out, stream.WithRetry(c.Stream.Retry))
	}
	return out
}
