package exchange

import (
	"errors"
	"fmt"

	"github.com/backkem/spcomms/pkg/message"
)

// Errors returned by the exchange package.
var (
	// ErrClosed is returned when the manager or target has been closed.
	ErrClosed = errors.New("exchange: closed")

	// ErrUnknownTarget is returned for a TargetID not added to the manager.
	ErrUnknownTarget = errors.New("exchange: unknown target")

	// ErrTargetExists is returned when adding a TargetID twice.
	ErrTargetExists = errors.New("exchange: target already exists")

	// ErrAddrInUse is returned when two targets would share one endpoint.
	ErrAddrInUse = errors.New("exchange: endpoint already bound to another target")

	// ErrNoAddress is returned when a target has no known endpoint yet.
	ErrNoAddress = errors.New("exchange: target has no address")

	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("exchange: timeout")

	// ErrUnexpectedResponse matches every *UnexpectedResponseError.
	ErrUnexpectedResponse = errors.New("exchange: unexpected response")

	// ErrSpError matches every *SpError.
	ErrSpError = errors.New("exchange: SP returned an error")

	// ErrTooManyItems is returned when a paginated response claims more
	// than MaxPaginatedItems items.
	ErrTooManyItems = errors.New("exchange: too many paginated items")

	// ErrNoProgress is returned when a page holds no items before the end.
	ErrNoProgress = errors.New("exchange: paginated response made no progress")

	// ErrPageMismatch is returned when a page does not start at the
	// requested offset or its total changes between pages.
	ErrPageMismatch = errors.New("exchange: page does not match request")

	// ErrNoReply is returned when a broadcast request gets no answer.
	ErrNoReply = errors.New("exchange: no reply")
)

// TimeoutError is returned when a request exhausted its retry budget.
type TimeoutError struct {
	Kind     message.Kind
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("exchange: %s timed out after %d attempts", e.Kind, e.Attempts)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// UnexpectedResponseError is returned when the reply correlated to a
// request has the wrong kind. It is never retried.
type UnexpectedResponseError struct {
	Expected message.Kind
	Got      message.Kind
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("exchange: expected %s, got %s", e.Expected, e.Got)
}

func (e *UnexpectedResponseError) Is(target error) bool {
	return target == ErrUnexpectedResponse
}

// SpError is returned when the SP answered with an Error message other
// than Busy.
type SpError struct {
	Code   message.ErrorCode
	Detail uint32
}

func (e *SpError) Error() string {
	if e.Detail != 0 {
		return fmt.Sprintf("exchange: SP error %s (detail %d)", e.Code, e.Detail)
	}
	return fmt.Sprintf("exchange: SP error %s", e.Code)
}

func (e *SpError) Is(target error) bool {
	return target == ErrSpError
}

// IsSpError reports whether err is an SpError with the given code.
func IsSpError(err error, code message.ErrorCode) bool {
	var spErr *SpError
	return errors.As(err, &spErr) && spErr.Code == code
}
