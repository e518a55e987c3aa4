package exchange

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/transport"
)

// Reply is one answer to a broadcast request.
type Reply struct {
	Addr       net.Addr
	Message    *message.Message
	ReceivedAt time.Time
}

// Collector streams every reply to one request sent to broadcast or
// multicast destinations. Replies are matched by message id and kind only,
// so they may come from endpoints that are not targets yet.
type Collector struct {
	m        *Manager
	id       uint32
	expected message.Kind
	data     []byte
	dests    []net.Addr
	ch       chan *Reply
	stop     func() bool

	mu     sync.Mutex
	closed bool
}

// Collect sends body once to every destination and returns a Collector for
// the replies. The Collector closes when ctx is done or Close is called.
func (m *Manager) Collect(ctx context.Context, body message.Body, expected message.Kind, dests ...net.Addr) (*Collector, error) {
	id := m.collectIDs.Next()
	data, err := message.Encode(&message.Message{ID: id, Body: body})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		m:        m,
		id:       id,
		expected: expected,
		data:     data,
		dests:    dests,
		ch:       make(chan *Reply, m.config.CollectBuffer),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.collectors[id] = c
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, c.Close)
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()

	if err := c.Resend(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Replies returns the reply channel. It is closed by Close.
func (c *Collector) Replies() <-chan *Reply {
	return c.ch
}

// Resend transmits the identical request again to every destination.
func (c *Collector) Resend() error {
	for _, dest := range c.dests {
		if err := c.m.send(c.data, dest); err != nil {
			return err
		}
	}
	return nil
}

// Close stops collecting. Replies arriving later are dropped as unrouted.
func (c *Collector) Close() {
	c.m.mu.Lock()
	if c.m.collectors[c.id] == c {
		delete(c.m.collectors, c.id)
	}
	c.m.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.stop != nil {
		c.stop()
	}
	close(c.ch)
}

func (c *Collector) deliver(msg *message.Message, rm *transport.ReceivedMessage) bool {
	if msg.Kind() != c.expected {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.ch <- &Reply{Addr: rm.Addr, Message: msg, ReceivedAt: rm.ReceivedAt}:
	default:
		c.m.log.Warnf("collector %d full, dropping reply from %v", c.id, rm.Addr)
	}
	return true
}
