package console

import "time"

// segment is one unit handed to Read: either contiguous data starting at
// stream offset, or the report of a skipped gap.
type segment struct {
	offset uint64
	data   []byte
	resync *ResyncError
}

// reorderBuffer reassembles the inbound byte stream from offset-tagged
// chunks that may arrive duplicated, late or out of order. Only the
// contiguous prefix is released.
//
// Out-of-order bytes and released bytes not yet popped are each bounded
// by max. Past the first bound the gap is skipped; past the second the
// oldest unread bytes are discarded and reported as a resync.
//
// Not safe for concurrent use.
type reorderBuffer struct {
	next     uint64
	pending  map[uint64][]byte
	buffered int
	queued   int
	dropped  bool
	max      int
	gapSince time.Time
	out      []segment
}

func newReorderBuffer(max int) *reorderBuffer {
	return &reorderBuffer{
		pending: make(map[uint64][]byte),
		max:     max,
	}
}

// push adds one chunk. It reports whether a resync was forced because
// either bound was exceeded.
func (b *reorderBuffer) push(offset uint64, data []byte, now time.Time) bool {
	end := offset + uint64(len(data))
	if len(data) == 0 || end <= b.next {
		return false
	}
	b.dropped = false
	if offset < b.next {
		data = data[b.next-offset:]
		offset = b.next
	}

	progressed := false
	if offset == b.next {
		b.emit(data)
		b.next = end
		b.drain()
		progressed = true
	} else if cur, ok := b.pending[offset]; !ok || len(cur) < len(data) {
		b.buffered += len(data) - len(cur)
		b.pending[offset] = append([]byte(nil), data...)
	}
	b.updateGap(now, progressed)

	if b.buffered > b.max {
		b.skip(now)
		return true
	}
	return b.dropped
}

// expired reports whether a gap has persisted for at least timeout.
func (b *reorderBuffer) expired(now time.Time, timeout time.Duration) bool {
	return len(b.pending) > 0 && !now.Before(b.gapSince.Add(timeout))
}

// deadline returns when the current gap expires, or the zero time if the
// stream has no gap.
func (b *reorderBuffer) deadline(timeout time.Duration) time.Time {
	if len(b.pending) == 0 {
		return time.Time{}
	}
	return b.gapSince.Add(timeout)
}

// skip gives up on the current gap and resumes at the lowest buffered
// offset.
func (b *reorderBuffer) skip(now time.Time) *ResyncError {
	if len(b.pending) == 0 {
		return nil
	}
	lowest := ^uint64(0)
	for off := range b.pending {
		if off < lowest {
			lowest = off
		}
	}

	err := &ResyncError{Expected: b.next, Resumed: lowest}
	b.out = append(b.out, segment{offset: err.Expected, resync: err})
	b.next = lowest
	b.drain()
	b.updateGap(now, true)
	return err
}

// pop returns the oldest segment ready for Read.
func (b *reorderBuffer) pop() (segment, bool) {
	if len(b.out) == 0 {
		return segment{}, false
	}
	s := b.out[0]
	b.out = b.out[1:]
	b.queued -= len(s.data)
	return s, true
}

// emit releases data, which continues the stream at b.next.
func (b *reorderBuffer) emit(data []byte) {
	b.queued += len(data)
	if n := len(b.out); n > 0 && b.out[n-1].resync == nil {
		b.out[n-1].data = append(b.out[n-1].data, data...)
	} else {
		b.out = append(b.out, segment{offset: b.next, data: append([]byte(nil), data...)})
	}
	if b.queued > b.max {
		b.trim()
	}
}

// trim discards the oldest unread bytes until at most max remain and puts
// a resync covering them at the front. Resyncs already queued in the
// discarded range are folded into it.
func (b *reorderBuffer) trim() {
	excess := b.queued - b.max
	lost := &ResyncError{Expected: b.out[0].offset}
	if r := b.out[0].resync; r != nil {
		lost.Expected = r.Expected
	}
	for excess > 0 {
		s := &b.out[0]
		switch {
		case s.resync != nil:
			b.out = b.out[1:]
		case len(s.data) <= excess:
			excess -= len(s.data)
			b.queued -= len(s.data)
			b.out = b.out[1:]
		default:
			s.data = s.data[excess:]
			s.offset += uint64(excess)
			b.queued -= excess
			excess = 0
		}
	}
	for len(b.out) > 0 && b.out[0].resync != nil {
		b.out = b.out[1:]
	}
	lost.Resumed = b.next
	if len(b.out) > 0 {
		lost.Resumed = b.out[0].offset
	}
	b.out = append([]segment{{offset: lost.Expected, resync: lost}}, b.out...)
	b.dropped = true
}

// drain releases buffered chunks that now continue the stream.
func (b *reorderBuffer) drain() {
	for progressed := true; progressed; {
		progressed = false
		for off, data := range b.pending {
			end := off + uint64(len(data))
			if off > b.next {
				continue
			}
			delete(b.pending, off)
			b.buffered -= len(data)
			if end <= b.next {
				continue
			}
			b.emit(data[b.next-off:])
			b.next = end
			progressed = true
		}
	}
}

func (b *reorderBuffer) updateGap(now time.Time, progressed bool) {
	switch {
	case len(b.pending) == 0:
		b.gapSince = time.Time{}
	case progressed || b.gapSince.IsZero():
		b.gapSince = now
	}
}
