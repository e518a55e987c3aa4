package tlv

import "encoding/binary"

// Reader iterates over the items of an encoded stream.
//
//	r := tlv.NewReader(data)
//	for r.Next() {
//		handle(r.Tag(), r.Value())
//	}
//	if err := r.Err(); err != nil { ... }
type Reader struct {
	data  []byte
	off   int
	tag   Tag
	value []byte
	err   error
}

// NewReader creates a reader over data. The reader does not copy data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Next advances to the next item. It returns false at the end of the input
// or on a truncated item, in which case Err reports ErrUnexpectedEOF.
func (r *Reader) Next() bool {
	if r.err != nil || r.off == len(r.data) {
		return false
	}
	rest := r.data[r.off:]
	if len(rest) < HeaderSize {
		r.err = ErrUnexpectedEOF
		return false
	}
	n := binary.LittleEndian.Uint32(rest[4:])
	if uint64(n) > uint64(len(rest)-HeaderSize) {
		r.err = ErrUnexpectedEOF
		return false
	}
	copy(r.tag[:], rest[:4])
	r.value = rest[HeaderSize : HeaderSize+int(n)]
	r.off += HeaderSize + int(n)
	return true
}

// Tag returns the tag of the current item.
func (r *Reader) Tag() Tag {
	return r.tag
}

// Value returns the value of the current item.
func (r *Reader) Value() []byte {
	return r.value
}

// Err returns the error that stopped iteration, if any.
func (r *Reader) Err() error {
	return r.err
}

// Decode calls fn for every item in data. Iteration stops at the first error
// returned by fn.
func Decode(data []byte, fn func(tag Tag, value []byte) error) error {
	r := NewReader(data)
	for r.Next() {
		if err := fn(r.Tag(), r.Value()); err != nil {
			return err
		}
	}
	return r.Err()
}
