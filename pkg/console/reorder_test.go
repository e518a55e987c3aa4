package console

import (
	"testing"
	"time"
)

func drainAll(b *reorderBuffer) (data string, resyncs []*ResyncError) {
	for {
		s, ok := b.pop()
		if !ok {
			return data, resyncs
		}
		if s.resync != nil {
			resyncs = append(resyncs, s.resync)
			continue
		}
		data += string(s.data)
	}
}

func TestReorderBuffer(t *testing.T) {
	type chunk struct {
		offset uint64
		data   string
	}
	tests := []struct {
		name    string
		chunks  []chunk
		want    string
		next    uint64
		pending int
	}{
		{"in order", []chunk{{0, "abc"}, {3, "def"}}, "abcdef", 6, 0},
		{"reversed", []chunk{{3, "def"}, {0, "abc"}}, "abcdef", 6, 0},
		{"duplicate", []chunk{{0, "abc"}, {0, "abc"}, {3, "d"}}, "abcd", 4, 0},
		{"overlap", []chunk{{0, "abc"}, {1, "bcde"}}, "abcde", 5, 0},
		{"stale", []chunk{{0, "abcdef"}, {2, "cd"}}, "abcdef", 6, 0},
		{"gap", []chunk{{0, "ab"}, {5, "fg"}}, "ab", 2, 1},
		{"longer retransmission", []chunk{{4, "e"}, {4, "efg"}, {0, "abcd"}}, "abcdefg", 7, 0},
		{"empty", []chunk{{0, ""}}, "", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newReorderBuffer(DefaultMaxBuffered)
			now := time.Now()
			for _, c := range tt.chunks {
				if b.push(c.offset, []byte(c.data), now) {
					t.Fatalf("push(%d) forced a resync", c.offset)
				}
			}
			got, resyncs := drainAll(b)
			if got != tt.want {
				t.Errorf("data = %q, want %q", got, tt.want)
			}
			if len(resyncs) != 0 {
				t.Errorf("resyncs = %v, want none", resyncs)
			}
			if b.next != tt.next {
				t.Errorf("next = %d, want %d", b.next, tt.next)
			}
			if len(b.pending) != tt.pending {
				t.Errorf("pending = %d, want %d", len(b.pending), tt.pending)
			}
		})
	}
}

func TestReorderBufferGapExpiry(t *testing.T) {
	b := newReorderBuffer(DefaultMaxBuffered)
	start := time.Now()
	timeout := 100 * time.Millisecond

	b.push(0, []byte("ab"), start)
	if !b.deadline(timeout).IsZero() {
		t.Error("deadline set without a gap")
	}

	b.push(5, []byte("fg"), start)
	if got, want := b.deadline(timeout), start.Add(timeout); !got.Equal(want) {
		t.Errorf("deadline() = %v, want %v", got, want)
	}
	if b.expired(start.Add(timeout/2), timeout) {
		t.Error("expired() before the timeout")
	}
	if !b.expired(start.Add(timeout), timeout) {
		t.Fatal("expired() = false at the timeout")
	}

	err := b.skip(start.Add(timeout))
	if err == nil || err.Expected != 2 || err.Resumed != 5 {
		t.Fatalf("skip() = %+v, want {2 5}", err)
	}
	b.push(7, []byte("h"), start.Add(timeout))

	var order []string
	for {
		s, ok := b.pop()
		if !ok {
			break
		}
		if s.resync != nil {
			order = append(order, "resync")
			continue
		}
		order = append(order, string(s.data))
	}
	want := []string{"ab", "resync", "fgh"}
	if len(order) != len(want) {
		t.Fatalf("segments = %q, want %q", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("segment %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestReorderBufferProgressRestartsGapClock(t *testing.T) {
	b := newReorderBuffer(DefaultMaxBuffered)
	start := time.Now()
	timeout := 100 * time.Millisecond

	b.push(4, []byte("e"), start)
	b.push(9, []byte("j"), start)
	later := start.Add(80 * time.Millisecond)
	b.push(0, []byte("abcd"), later)

	if b.expired(start.Add(timeout), timeout) {
		t.Error("expired() measured from the first gap after progress")
	}
	if !b.expired(later.Add(timeout), timeout) {
		t.Error("expired() = false after the remaining gap timed out")
	}
}

func TestReorderBufferLimitForcesResync(t *testing.T) {
	b := newReorderBuffer(4)
	now := time.Now()

	if b.push(10, []byte("xyz"), now) {
		t.Fatal("push() under the limit forced a resync")
	}
	if !b.push(20, []byte("uv"), now) {
		t.Fatal("push() over the limit did not force a resync")
	}

	data, resyncs := drainAll(b)
	if len(resyncs) != 1 || resyncs[0].Expected != 0 || resyncs[0].Resumed != 10 {
		t.Fatalf("resyncs = %+v, want one {0 10}", resyncs)
	}
	if data != "xyz" {
		t.Errorf("data = %q, want %q", data, "xyz")
	}
	if b.buffered != 2 {
		t.Errorf("buffered = %d, want 2", b.buffered)
	}
}

func TestReorderBufferUnreadLimitDropsOldest(t *testing.T) {
	b := newReorderBuffer(4)
	now := time.Now()

	if b.push(0, []byte("abc"), now) {
		t.Fatal("push() under the limit forced a resync")
	}
	if !b.push(3, []byte("def"), now) {
		t.Fatal("push() past the unread limit did not force a resync")
	}

	data, resyncs := drainAll(b)
	if len(resyncs) != 1 || resyncs[0].Expected != 0 || resyncs[0].Resumed != 2 {
		t.Fatalf("resyncs = %+v, want one {0 2}", resyncs)
	}
	if data != "cdef" {
		t.Errorf("data = %q, want %q", data, "cdef")
	}
	if b.queued != 0 {
		t.Errorf("queued = %d after draining, want 0", b.queued)
	}

	if b.push(6, []byte("gh"), now) {
		t.Error("push() after Read caught up forced a resync")
	}
	if data, _ := drainAll(b); data != "gh" {
		t.Errorf("data = %q, want %q", data, "gh")
	}
}

func TestReorderBufferUnreadLimitFoldsResync(t *testing.T) {
	b := newReorderBuffer(4)
	now := time.Now()

	b.push(0, []byte("ab"), now)
	b.push(5, []byte("fg"), now)
	if err := b.skip(now); err == nil {
		t.Fatal("skip() = nil")
	}
	if !b.push(7, []byte("hij"), now) {
		t.Fatal("push() past the unread limit did not force a resync")
	}

	data, resyncs := drainAll(b)
	if len(resyncs) != 1 || resyncs[0].Expected != 0 || resyncs[0].Resumed != 6 {
		t.Fatalf("resyncs = %+v, want one {0 6}", resyncs)
	}
	if data != "ghij" {
		t.Errorf("data = %q, want %q", data, "ghij")
	}
}
