package transport

import "time"

// Default reconnection tuning.
const (
	DefaultMaxAttempts = 10
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
)

// ReconnectPolicy configures automatic reconnection.
type ReconnectPolicy struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	MaxAttempts int           `yaml:"max_attempts" json:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"baseDelay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"maxDelay"`
}

// DefaultReconnect is enabled with the default tuning.
var DefaultReconnect = ReconnectPolicy{
	Enabled:     true,
	MaxAttempts: DefaultMaxAttempts,
	BaseDelay:   DefaultBaseDelay,
	MaxDelay:    DefaultMaxDelay,
}

// NoReconnect disables reconnection.
var NoReconnect = ReconnectPolicy{}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay). Attempts are zero based.
// Zero values fall back to the defaults.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return Backoff(attempt, p.base(), p.max())
}

// Exhausted reports whether attempt (zero based) is past the allowed budget.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return attempt >= p.Attempts()
}

// Attempts is the retry budget. A non-positive MaxAttempts falls back to
// DefaultMaxAttempts.
func (p ReconnectPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p ReconnectPolicy) base() time.Duration {
	if p.BaseDelay <= 0 {
		return DefaultBaseDelay
	}
	return p.BaseDelay
}

func (p ReconnectPolicy) max() time.Duration {
	if p.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return p.MaxDelay
}

// Backoff computes min(base * 2^attempt, max) without overflowing.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d > max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
