package update

import (
	"time"

	"github.com/backkem/spcomms/pkg/exchange"
	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Defaults used when a Config field is zero.
const (
	// DefaultChunkSize is the chunk size proposed to the SP.
	DefaultChunkSize = 512

	// DefaultAbortTimeout bounds the UpdateAbort sent when a session is
	// cancelled.
	DefaultAbortTimeout = 2 * time.Second
)

// MaxChunkSize is the largest chunk one UpdateChunk datagram can carry.
var MaxChunkSize = uint32(message.MaxTrailingData(message.KindUpdateChunk))

// Config configures an Updater.
type Config struct {
	// Manager owns the targets updated through this Updater. Required.
	Manager *exchange.Manager

	// ChunkSize is the chunk size proposed during negotiation. It is
	// capped to MaxChunkSize.
	// Default: DefaultChunkSize
	ChunkSize uint32

	// AbortTimeout bounds the best-effort UpdateAbort sent on cancellation.
	// Default: DefaultAbortTimeout
	AbortTimeout time.Duration

	// Metrics receives the count of acknowledged bytes. Optional.
	Metrics *telemetry.Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize > MaxChunkSize {
		c.ChunkSize = MaxChunkSize
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = DefaultAbortTimeout
	}
}

// Validate checks the mandatory fields.
func (c *Config) Validate() error {
	if c.Manager == nil {
		return ErrNoManager
	}
	return nil
}

// Image is the binary to transfer and where it goes.
type Image struct {
	// Component names the SP component being updated, for example "sp"
	// or "rot".
	Component string

	// Slot selects the firmware slot of the component.
	Slot uint16

	// Data is the full image.
	Data []byte
}

func (img *Image) validate() error {
	if img.Component == "" || len(img.Component) > message.MaxStringLen {
		return ErrInvalidComponent
	}
	if uint64(len(img.Data)) > uint64(^uint32(0)) {
		return ErrImageTooLarge
	}
	return nil
}

// Options tunes one session.
type Options struct {
	// ID identifies the session on the SP. A zero ID is replaced by a
	// fresh random UUID.
	ID uuid.UUID

	// ChunkSize overrides Config.ChunkSize for this session.
	ChunkSize uint32
}

// ResumePoint is what a new session needs to continue an aborted one.
type ResumePoint struct {
	ID     uuid.UUID
	Offset uint32
}
