package tlv

import "encoding/binary"

// Writer appends items to a buffer bounded by a fixed limit, typically the
// trailing data capacity of one response.
type Writer struct {
	buf   []byte
	limit int
	count int
}

// NewWriter creates a writer that refuses to grow past limit bytes.
func NewWriter(limit int) *Writer {
	return &Writer{limit: limit}
}

// Put appends one item. It returns ErrNoSpace, leaving the buffer unchanged,
// if the item would exceed the limit.
func (w *Writer) Put(tag Tag, value []byte) error {
	if len(w.buf)+HeaderSize+len(value) > w.limit {
		return ErrNoSpace
	}
	w.buf = append(w.buf, tag[:]...)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(value)))
	w.buf = append(w.buf, value...)
	w.count++
	return nil
}

// Bytes returns the encoded items.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of encoded bytes.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Count returns the number of items written.
func (w *Writer) Count() int {
	return w.count
}

// Remaining returns how many bytes are left before the limit.
func (w *Writer) Remaining() int {
	return w.limit - len(w.buf)
}
