package exchange

import (
	"net"
	"time"

	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/pion/logging"
)

// Config configures a Manager and every SingleSp it creates.
type Config struct {
	// Conn is an optional pre-existing PacketConn to use.
	// If nil, a new UDP socket is bound to ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the local address to bind (e.g., "[::]:0").
	// Ignored if Conn is provided.
	ListenAddr string

	// Retry controls retransmission of every request.
	Retry RetryPolicy

	// MaxInFlight is the number of concurrent requests per target.
	// Default: DefaultMaxInFlight
	MaxInFlight int

	// EventBuffer is the default channel capacity of subscriptions.
	// Default: DefaultEventBuffer
	EventBuffer int

	// CollectBuffer is the channel capacity of broadcast collectors.
	// Default: DefaultCollectBuffer
	CollectBuffer int

	// ResetTimeout is how long ResetTrigger keeps retrying.
	// Default: DefaultResetTimeout
	ResetTimeout time.Duration

	// Random is the jitter source. Default: DefaultRandomSource
	Random RandomSource

	// Metrics receives request and datagram counters. Optional.
	Metrics *telemetry.Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	c.Retry.applyDefaults()
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.CollectBuffer <= 0 {
		c.CollectBuffer = DefaultCollectBuffer
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.Random == nil {
		c.Random = DefaultRandomSource
	}
}
