package message

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed envelope prefix of every datagram.
type Header struct {
	Version uint8
	Kind    Kind
	ID      uint32
}

// Message is one decoded envelope.
type Message struct {
	// ID is the sequence number that correlates a response to its request.
	ID uint32

	// Body is the catalog variant.
	Body Body

	// Data is trailing data for kinds that carry it, nil otherwise.
	Data []byte
}

// Kind returns the kind of the message body.
func (m *Message) Kind() Kind {
	if m.Body == nil {
		return KindUnknown
	}
	return m.Body.Kind()
}

// Size returns the encoded size of the message in bytes.
func (m *Message) Size() int {
	if m.Body == nil {
		return HeaderSize
	}
	return HeaderSize + m.Body.size() + len(m.Data)
}

// MaxTrailingData returns how many trailing bytes fit after a body of the
// given kind. It returns 0 for kinds that carry no trailing data.
func MaxTrailingData(k Kind) int {
	if !k.CarriesData() {
		return 0
	}
	body := NewBody(k)
	return MaxSerializedSize - HeaderSize - body.size()
}

// MaxSize returns the largest possible encoded size for a kind.
func MaxSize(k Kind) int {
	body := NewBody(k)
	if body == nil {
		return 0
	}
	return HeaderSize + body.size() + MaxTrailingData(k)
}

// Encode serializes the message. Identical messages always produce identical
// bytes. Messages whose trailing data does not fit fail with ErrMessageTooLong;
// splitting large payloads is the caller's job.
func Encode(m *Message) ([]byte, error) {
	if m.Body == nil {
		return nil, ErrNilBody
	}
	kind := m.Body.Kind()
	if len(m.Data) > 0 && !kind.CarriesData() {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedTrailing, kind)
	}
	if len(m.Data) > MaxTrailingData(kind) {
		return nil, fmt.Errorf("%w: %s with %d trailing bytes", ErrMessageTooLong, kind, len(m.Data))
	}

	buf := make([]byte, m.Size())
	e := &encoder{buf: buf}
	e.u8(Version)
	e.u16(uint16(kind))
	e.u32(m.ID)
	m.Body.encodeTo(e)
	if e.err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, e.err)
	}
	e.bytes(m.Data)

	return buf, nil
}

// EncodeTrailing serializes a message carrying as much of data as fits.
// It returns the encoded bytes and how many bytes of data were consumed.
func EncodeTrailing(id uint32, body Body, data []byte) ([]byte, int, error) {
	if body == nil {
		return nil, 0, ErrNilBody
	}
	n := len(data)
	if max := MaxTrailingData(body.Kind()); n > max {
		n = max
	}
	buf, err := Encode(&Message{ID: id, Body: body, Data: data[:n]})
	if err != nil {
		return nil, 0, err
	}
	return buf, n, nil
}

// DecodeHeader parses only the envelope prefix. It does not check the
// version or the kind.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrMalformedMessage
	}
	return Header{
		Version: data[0],
		Kind:    Kind(binary.LittleEndian.Uint16(data[1:])),
		ID:      binary.LittleEndian.Uint32(data[3:]),
	}, nil
}

// Decode parses one datagram.
//
// It fails with ErrUnsupportedVersion if the version differs from Version,
// with *UnknownVariantError if the kind tag is not in the catalog, and with
// ErrMalformedMessage for anything else that does not parse.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxSerializedSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds datagram bound", ErrMalformedMessage, len(data))
	}
	hdr, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if hdr.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, hdr.Version, Version)
	}
	body := NewBody(hdr.Kind)
	if body == nil {
		return nil, &UnknownVariantError{Kind: hdr.Kind}
	}

	d := &decoder{buf: data, off: HeaderSize}
	body.decodeFrom(d)
	if d.err != nil {
		return nil, fmt.Errorf("decode %s: %w", hdr.Kind, d.err)
	}

	msg := &Message{ID: hdr.ID, Body: body}
	if rest := data[d.off:]; len(rest) > 0 {
		if !hdr.Kind.CarriesData() {
			return nil, fmt.Errorf("%w: %d unexpected trailing bytes on %s", ErrMalformedMessage, len(rest), hdr.Kind)
		}
		msg.Data = make([]byte, len(rest))
		copy(msg.Data, rest)
	}

	return msg, nil
}
