package message

import "encoding/binary"

// encoder writes fixed-layout fields into a pre-sized, zeroed buffer.
// The first error is sticky; later writes still advance the offset so the
// layout stays aligned.
type encoder struct {
	buf []byte
	off int
	err error
}

func (e *encoder) u8(v uint8) {
	e.buf[e.off] = v
	e.off++
}

func (e *encoder) u16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[e.off:], v)
	e.off += 2
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[e.off:], v)
	e.off += 4
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[e.off:], v)
	e.off += 8
}

func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) bytes(b []byte) {
	copy(e.buf[e.off:], b)
	e.off += len(b)
}

// str writes a length byte followed by a zero-padded field of max bytes.
func (e *encoder) str(s string, max int) {
	if len(s) > max {
		if e.err == nil {
			e.err = ErrFieldTooLong
		}
		s = s[:max]
	}
	e.u8(uint8(len(s)))
	copy(e.buf[e.off:e.off+max], s)
	e.off += max
}

// strSize is the encoded size of a string field with the given capacity.
func strSize(max int) int {
	return 1 + max
}

// decoder reads fixed-layout fields. Any short read or out-of-range value
// marks the decode as malformed.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if len(d.buf)-d.off < n {
		d.err = ErrMalformedMessage
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) boolean() bool {
	v := d.u8()
	if v > 1 && d.err == nil {
		d.err = ErrMalformedMessage
	}
	return v == 1
}

func (d *decoder) bytes(dst []byte) {
	if !d.need(len(dst)) {
		return
	}
	copy(dst, d.buf[d.off:])
	d.off += len(dst)
}

func (d *decoder) str(max int) string {
	n := int(d.u8())
	if !d.need(max) {
		return ""
	}
	if n > max {
		d.err = ErrMalformedMessage
		return ""
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += max
	return s
}

// invalid marks the decode as malformed when cond holds.
func (d *decoder) invalid(cond bool) {
	if cond && d.err == nil {
		d.err = ErrMalformedMessage
	}
}
