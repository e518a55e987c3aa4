package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures network behavior simulation.
// Use this to test protocol behavior under adverse network conditions.
type NetworkCondition struct {
	// DropRate is the probability of dropping a packet (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay to add to each packet.
	DelayMin time.Duration

	// DelayMax is the maximum delay to add to each packet.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration

	// DuplicateRate is the probability of duplicating a packet (0.0 - 1.0).
	DuplicateRate float64

	// Filter, if set, sees every packet before the random conditions apply.
	// Returning false drops the packet. Tests use it for deterministic loss.
	Filter func(data []byte) bool
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic message delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor checks for messages.
	// Default: 1ms
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe provides bidirectional in-memory datagram delivery between two
// endpoints: the management host and one simulated SP. It wraps pion's
// test.Bridge and adds per-direction network condition simulation.
//
// By default, Pipe delivers packets in a background goroutine. Use
// NewPipeWithConfig with AutoProcess false for manual control.
type Pipe struct {
	bridge *test.Bridge
	conns  [2]*PipePacketConn

	mu              sync.Mutex
	closed          bool
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewPipe creates a new pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a new pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}

	if p.processInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}

	seed := time.Now().UnixNano()
	p.conns[0] = &PipePacketConn{
		conn:  p.bridge.GetConn0(),
		local: PipeAddr{ID: 0},
		peer:  PipeAddr{ID: 1},
		rng:   rand.New(rand.NewSource(seed)),
	}
	p.conns[1] = &PipePacketConn{
		conn:  p.bridge.GetConn1(),
		local: PipeAddr{ID: 1},
		peer:  PipeAddr{ID: 0},
		rng:   rand.New(rand.NewSource(seed + 1)),
	}

	if p.autoProcess {
		p.startAutoProcess()
	}

	return p
}

// NewPipeConnPair creates an auto-processing pipe and returns both of its
// endpoints as net.PacketConn implementations.
//
//	pipe, host, sp := transport.NewPipeConnPair()
//	defer pipe.Close()
func NewPipeConnPair() (*Pipe, *PipePacketConn, *PipePacketConn) {
	p := NewPipe()
	return p, p.conns[0], p.conns[1]
}

// startAutoProcess starts the background delivery goroutine.
func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// Conn returns endpoint 0 or 1.
func (p *Pipe) Conn(id int) *PipePacketConn {
	return p.conns[id&1]
}

// SetCondition applies the same network condition to both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.conns[0].SetCondition(cond)
	p.conns[1].SetCondition(cond)
}

// Tick delivers one packet in each direction (if available).
// Returns the number of packets delivered (0, 1, or 2).
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued packets.
// Returns the number of packets delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			break
		}
		count += n
	}
	return count
}

// Close closes both endpoints of the pipe and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	err0 := p.conns[0].Close()
	err1 := p.conns[1].Close()
	if err0 != nil {
		return err0
	}
	return err1
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID int // Endpoint ID (0 or 1)
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", a.ID) }

// PipePacketConn is one endpoint of a Pipe. It implements net.PacketConn;
// every packet goes to the other endpoint regardless of the address passed
// to WriteTo.
type PipePacketConn struct {
	conn  net.Conn
	local PipeAddr
	peer  PipeAddr

	mu        sync.Mutex
	condition NetworkCondition
	rng       *rand.Rand
	sent      int
	dropped   int

	closeOnce sync.Once
}

// SetCondition configures the conditions for packets written by this endpoint.
func (c *PipePacketConn) SetCondition(cond NetworkCondition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.condition = cond
}

// Stats returns how many packets this endpoint has written and how many of
// them were dropped by its network condition.
func (c *PipePacketConn) Stats() (sent, dropped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.dropped
}

// ReadFrom reads a packet from the pipe. The returned address is the peer's.
func (c *PipePacketConn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	n, err = c.conn.Read(b)
	return n, c.peer, err
}

// WriteTo writes a packet to the peer after applying the network condition.
func (c *PipePacketConn) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	c.mu.Lock()
	cond := c.condition
	c.sent++
	drop := cond.Filter != nil && !cond.Filter(b)
	if !drop && cond.DropRate > 0 && c.rng.Float64() < cond.DropRate {
		drop = true
	}
	var delay time.Duration
	if cond.DelayMax > 0 {
		delay = cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(c.rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
	}
	duplicate := cond.DuplicateRate > 0 && c.rng.Float64() < cond.DuplicateRate
	if drop {
		c.dropped++
	}
	c.mu.Unlock()

	if drop {
		return len(b), nil
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if duplicate {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}

	return c.conn.Write(b)
}

// Close closes the endpoint.
func (c *PipePacketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// LocalAddr returns the local address.
func (c *PipePacketConn) LocalAddr() net.Addr {
	return c.local
}

// PeerAddr returns the address packets from the other endpoint appear to
// come from.
func (c *PipePacketConn) PeerAddr() net.Addr {
	return c.peer
}

// SetDeadline sets the read and write deadlines.
func (c *PipePacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Verify PipePacketConn implements net.PacketConn.
var _ net.PacketConn = (*PipePacketConn)(nil)
