package message

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// SequenceCounter allocates message ids for one target. Values wrap modulo
// 2^32. It is safe for concurrent use.
type SequenceCounter struct {
	value uint32
	mu    sync.Mutex
}

// NewSequenceCounter creates a counter starting at a random 31-bit value, so
// a restarted host does not reuse the ids of its previous run.
func NewSequenceCounter() *SequenceCounter {
	return &SequenceCounter{
		value: randomSequenceInit(),
	}
}

// NewSequenceCounterWithValue creates a counter with a specific initial value.
func NewSequenceCounterWithValue(initial uint32) *SequenceCounter {
	return &SequenceCounter{
		value: initial,
	}
}

// Next returns the next id and advances the counter.
func (c *SequenceCounter) Next() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.value
	c.value++
	return current
}

// Current returns the id Next will return, without advancing.
func (c *SequenceCounter) Current() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func randomSequenceInit() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	return binary.LittleEndian.Uint32(buf[:]) & 0x7FFFFFFF
}
