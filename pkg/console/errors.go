package console

import (
	"errors"
	"fmt"
)

// Errors returned by the console package.
var (
	// ErrAlreadyAttached is returned when the SP's console is already open
	// on this host.
	ErrAlreadyAttached = errors.New("console: already attached")

	// ErrClosed is returned by operations on a closed Console.
	ErrClosed = errors.New("console: closed")

	// ErrBogusState is returned when the SP acknowledges an offset outside
	// the range of bytes sent and not yet acknowledged.
	ErrBogusState = errors.New("console: SP acknowledged an impossible offset")
)

// ResyncError reports that the inbound stream skipped a gap that did not
// fill within GapTimeout, or dropped output nobody read before MaxBuffered
// was exceeded. Bytes in [Expected, Resumed) were lost. Read
// returns it once; the next Read continues with the data at Resumed.
type ResyncError struct {
	Expected uint64
	Resumed  uint64
}

func (e *ResyncError) Error() string {
	return fmt.Sprintf("console: lost %d bytes, resumed at offset %d (expected %d)", e.Resumed-e.Expected, e.Resumed, e.Expected)
}

// BogusAckError carries the acknowledgement that broke the send window.
type BogusAckError struct {
	Acked    uint64
	Sent     uint64
	Furthest uint64
}

func (e *BogusAckError) Error() string {
	return fmt.Sprintf("console: SP acknowledged offset %d outside [%d, %d]", e.Furthest, e.Acked, e.Sent)
}

func (e *BogusAckError) Is(target error) bool {
	return target == ErrBogusState
}
