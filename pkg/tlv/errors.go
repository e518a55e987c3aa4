package tlv

import "errors"

var (
	// ErrNoSpace is returned when an item does not fit in the writer's limit.
	ErrNoSpace = errors.New("tlv: item does not fit")

	// ErrUnexpectedEOF is returned when the input ends inside an item.
	ErrUnexpectedEOF = errors.New("tlv: unexpected end of input")

	// ErrTagMismatch is returned when a typed decoder is given the wrong tag.
	ErrTagMismatch = errors.New("tlv: tag mismatch")

	// ErrInvalidValue is returned when a known item's value does not parse.
	ErrInvalidValue = errors.New("tlv: invalid value")
)
