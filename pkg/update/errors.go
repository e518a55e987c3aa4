package update

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Errors returned by the update package.
var (
	// ErrNoManager is returned when Config.Manager is nil.
	ErrNoManager = errors.New("update: manager is required")

	// ErrSessionConflict is returned when a target already has an active
	// session.
	ErrSessionConflict = errors.New("update: target already has an active session")

	// ErrChecksumMismatch is returned when the digest reported by the SP
	// differs from the digest of the image.
	ErrChecksumMismatch = errors.New("update: checksum mismatch")

	// ErrImageTooLarge is returned for images that do not fit the 32-bit
	// offsets of the wire format.
	ErrImageTooLarge = errors.New("update: image too large")

	// ErrInvalidComponent is returned for an empty or overlong component.
	ErrInvalidComponent = errors.New("update: invalid component name")

	// ErrInvalidResume is returned when a resume point lies outside the
	// image.
	ErrInvalidResume = errors.New("update: resume offset outside image")

	// ErrBadNegotiation is returned when UpdatePrepareAck grants a chunk
	// size or resume offset the host did not offer.
	ErrBadNegotiation = errors.New("update: SP negotiated invalid parameters")

	// ErrBadAck is returned when an acknowledgement does not match the
	// chunk or session it answers.
	ErrBadAck = errors.New("update: acknowledgement does not match request")
)

// AbortedError is the error of a session that ended in StateAborted.
// Offset is the image offset acknowledged by the SP before the failure;
// a session resumed from it does not resend those bytes.
type AbortedError struct {
	ID     uuid.UUID
	Offset uint32
	Err    error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("update: session %s aborted at offset %d: %v", e.ID, e.Offset, e.Err)
}

func (e *AbortedError) Unwrap() error {
	return e.Err
}
