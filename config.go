package ncoap

import (
	"time"

	"github.com/astaxie/beego/logs"
)

// EndpointConfig holds every tunable the reliability and observe
// components need, threaded in at construction time instead of living
// as mutable package globals.
type EndpointConfig struct {
	AckTimeout                time.Duration
	AckRandomFactor           float64
	MaxRetransmit             int
	SeparateResponseThreshold time.Duration
	ExchangeLifetime          time.Duration
	MaxObserverTimeouts       int

	Logger *logs.BeeLogger
	Clock  Clock
}

// DefaultConfig returns the RFC 7252 section 4.8 defaults.
func DefaultConfig() EndpointConfig {
	return EndpointConfig{
		AckTimeout:                2 * time.Second,
		AckRandomFactor:           1.5,
		MaxRetransmit:             4,
		SeparateResponseThreshold: 1800 * time.Millisecond,
		ExchangeLifetime:          247 * time.Second,
		MaxObserverTimeouts:       5, // MAX_RETRANSMIT + 1
		Logger:                    GLog,
		Clock:                     RealClock,
	}
}

// Option configures an EndpointConfig in the functional-options style.
type Option func(*EndpointConfig)

// WithAckTimeout overrides ACK_TIMEOUT.
func WithAckTimeout(d time.Duration) Option {
	return func(c *EndpointConfig) { c.AckTimeout = d }
}

// WithMaxRetransmit overrides MAX_RETRANSMIT.
func WithMaxRetransmit(n int) Option {
	return func(c *EndpointConfig) {
		if n > 0 {
			c.MaxRetransmit = n
		}
	}
}

// WithSeparateResponseThreshold overrides SEPARATE_RESPONSE_THRESHOLD.
func WithSeparateResponseThreshold(d time.Duration) Option {
	return func(c *EndpointConfig) { c.SeparateResponseThreshold = d }
}

// WithExchangeLifetime overrides EXCHANGE_LIFETIME.
func WithExchangeLifetime(d time.Duration) Option {
	return func(c *EndpointConfig) { c.ExchangeLifetime = d }
}

// WithLogger sets EndpointConfig.Logger. The package does not read that
// field: the dispatcher and reliability engine log through the
// package-wide GLog (see SetLogger).
func WithLogger(l *logs.BeeLogger) Option {
	return func(c *EndpointConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithClock overrides the endpoint's Clock collaborator, used by tests
// to inject deterministic timers.
func WithClock(clk Clock) Option {
	return func(c *EndpointConfig) {
		if clk != nil {
			c.Clock = clk
		}
	}
}

// NewConfig builds an EndpointConfig from DefaultConfig with opts applied.
func NewConfig(opts ...Option) EndpointConfig {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
