package message

import (
	"errors"
	"fmt"
)

// Message layer errors.
var (
	// Decoding errors
	ErrMalformedMessage   = errors.New("message: malformed message")
	ErrUnsupportedVersion = errors.New("message: unsupported version")
	ErrUnknownVariant     = errors.New("message: unknown variant")

	// Encoding errors
	ErrMessageTooLong     = errors.New("message: exceeds maximum size")
	ErrFieldTooLong       = errors.New("message: field exceeds its fixed capacity")
	ErrUnexpectedTrailing = errors.New("message: kind does not carry trailing data")
	ErrNilBody            = errors.New("message: nil body")
)

// UnknownVariantError reports a kind tag that is not part of the catalog.
// It matches ErrUnknownVariant with errors.Is.
type UnknownVariantError struct {
	Kind Kind
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("message: unknown variant 0x%04X", uint16(e.Kind))
}

func (e *UnknownVariantError) Unwrap() error {
	return ErrUnknownVariant
}

// Wire format constants.
const (
	// Version is the only protocol version this implementation speaks.
	Version uint8 = 2

	// HeaderSize is the envelope header size: version (1) + kind (2) + id (4).
	HeaderSize = 7

	// MaxSerializedSize bounds every datagram on the wire. Both ends size
	// their receive buffers to it, and it stays below common path MTUs.
	MaxSerializedSize = 1024

	// MaxStringLen is the fixed capacity of model, serial and version strings.
	MaxStringLen = 32

	// MaxComponentLen is the fixed capacity of component names.
	MaxComponentLen = 16
)
