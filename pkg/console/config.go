package console

import (
	"time"

	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/pion/logging"
)

// Defaults used when a Config field is zero.
const (
	// DefaultWindow is the number of write chunks kept in flight.
	DefaultWindow = 4

	// DefaultGapTimeout is how long the inbound stream waits for a missing
	// range before skipping it.
	DefaultGapTimeout = 500 * time.Millisecond

	// DefaultEventBuffer is the capacity of the inbound event subscription.
	DefaultEventBuffer = 256

	// DefaultMaxBuffered bounds the out-of-order inbound bytes held while
	// waiting for a gap to fill, and separately the in-order bytes waiting
	// for Read. Exceeding either resyncs immediately.
	DefaultMaxBuffered = 64 * 1024
)

// Config configures a Console.
type Config struct {
	// ChunkSize caps the bytes carried by one write request. It is further
	// capped by the wire bound of SerialConsoleWrite.
	ChunkSize int

	// Window is the number of write requests in flight.
	// Default: DefaultWindow
	Window int

	// GapTimeout is how long a gap in the inbound stream may persist.
	// Default: DefaultGapTimeout
	GapTimeout time.Duration

	// EventBuffer is the capacity of the inbound event queue.
	// Default: DefaultEventBuffer
	EventBuffer int

	// MaxBuffered bounds out-of-order inbound data and, separately,
	// unread inbound data. Past the second bound the oldest unread bytes
	// are dropped and Read reports them as a *ResyncError.
	// Default: DefaultMaxBuffered
	MaxBuffered int

	// KeepAliveInterval, if positive, sends a keep-alive whenever the
	// console has been idle this long.
	KeepAliveInterval time.Duration

	// Metrics receives resync counts. Optional.
	Metrics *telemetry.Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	max := message.MaxTrailingData(message.KindSerialConsoleWrite)
	if c.ChunkSize <= 0 || c.ChunkSize > max {
		c.ChunkSize = max
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = DefaultGapTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = DefaultMaxBuffered
	}
}
