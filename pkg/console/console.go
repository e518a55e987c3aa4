// Package console multiplexes an SP's serial console over the exchange
// engine: an ordered, flow-controlled byte stream in each direction.
//
// Outbound bytes are sent in offset-tagged chunks, a window at a time, and
// resent from the SP's furthest contiguous offset until every byte is
// accepted. Inbound bytes arrive as SerialConsoleData events and are
// reassembled in offset order.
package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/spcomms/pkg/exchange"
	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
)

// Retry schedule used while the SP's console buffer is full.
const (
	fullInitialInterval = 10 * time.Millisecond
	fullMaxInterval     = 500 * time.Millisecond
)

// Console is an attached serial console session.
type Console struct {
	sp        *exchange.SingleSp
	component string
	config    Config
	log       logging.LeveledLogger
	metrics   *telemetry.Metrics
	sub       *exchange.Subscription

	// wmu serializes writers; acked is the outbound offset up to which the
	// SP has accepted every byte.
	wmu   sync.Mutex
	acked uint64

	rmu    sync.Mutex
	in     *reorderBuffer
	eof    bool
	notify chan struct{}

	lastActive atomic.Int64
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// Open attaches to the serial console of component on sp. Only one
// Console may be open per SP.
func Open(ctx context.Context, sp *exchange.SingleSp, component string, config Config) (*Console, error) {
	config.applyDefaults()

	if !sp.ClaimConsole() {
		return nil, ErrAlreadyAttached
	}

	// Subscribe first so output sent right after the attach is kept.
	sub := sp.Subscribe(config.EventBuffer, message.KindSerialConsoleData)
	if err := sp.ConsoleAttach(ctx, component); err != nil {
		sub.Close()
		sp.ReleaseConsole()
		if exchange.IsSpError(err, message.ErrorCodeConsoleAlreadyAttached) {
			return nil, fmt.Errorf("%w: %v", ErrAlreadyAttached, err)
		}
		return nil, fmt.Errorf("console: attach %s: %w", component, err)
	}

	c := &Console{
		sp:        sp,
		component: component,
		config:    config,
		log:       telemetry.Logger(config.LoggerFactory, "console"),
		metrics:   config.Metrics,
		sub:       sub,
		in:        newReorderBuffer(config.MaxBuffered),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.touch()

	c.wg.Add(1)
	go c.pump()
	if config.KeepAliveInterval > 0 {
		c.wg.Add(1)
		go c.keepAlive()
	}

	c.log.Infof("%s: attached to console %q", sp.ID(), component)
	return c, nil
}

// Component returns the name of the attached component.
func (c *Console) Component() string {
	return c.component
}

// Offsets returns the next inbound offset expected and the outbound offset
// acknowledged so far.
func (c *Console) Offsets() (in, out uint64) {
	c.rmu.Lock()
	in = c.in.next
	c.rmu.Unlock()
	c.wmu.Lock()
	out = c.acked
	c.wmu.Unlock()
	return in, out
}

// pump moves inbound events into the reorder buffer.
func (c *Console) pump() {
	defer c.wg.Done()
	for msg := range c.sub.Events() {
		data, ok := msg.Body.(*message.SerialConsoleData)
		if !ok {
			continue
		}
		c.rmu.Lock()
		forced := c.in.push(data.Offset, msg.Data, time.Now())
		c.rmu.Unlock()
		if forced {
			c.resynced("buffer limit")
		}
		c.signal()
	}

	c.rmu.Lock()
	c.eof = true
	c.rmu.Unlock()
	c.signal()
}

func (c *Console) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Console) resynced(reason string) {
	c.metrics.ConsoleResync()
	c.log.Warnf("%s: console stream gap skipped (%s)", c.sp.ID(), reason)
}

// Read returns the next contiguous console output. If a gap in the stream
// was skipped, Read first returns a *ResyncError and the following call
// returns the data after the gap.
func (c *Console) Read(ctx context.Context) ([]byte, error) {
	for {
		c.rmu.Lock()
		if seg, ok := c.in.pop(); ok {
			c.rmu.Unlock()
			c.touch()
			if seg.resync != nil {
				return nil, seg.resync
			}
			return seg.data, nil
		}
		if c.eof {
			c.rmu.Unlock()
			return nil, ErrClosed
		}
		if c.in.expired(time.Now(), c.config.GapTimeout) {
			c.in.skip(time.Now())
			c.rmu.Unlock()
			c.resynced("gap timeout")
			continue
		}
		deadline := c.in.deadline(c.config.GapTimeout)
		c.rmu.Unlock()

		var expire <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			timer = time.NewTimer(time.Until(deadline))
			expire = timer.C
		}

		select {
		case <-c.notify:
		case <-expire:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-c.done:
			if timer != nil {
				timer.Stop()
			}
			return nil, ErrClosed
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Write sends p as console input and returns once the SP has accepted all
// of it, or with the number of bytes accepted before an error.
func (c *Console) Write(ctx context.Context, p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}

	base := c.acked
	end := base + uint64(len(p))
	var full backoff.BackOff

	for c.acked < end {
		start := c.acked
		furthest, err := c.sendWindow(ctx, p, base, end)
		if furthest > start {
			c.acked = furthest
		}
		c.touch()
		if err != nil {
			return int(c.acked - base), err
		}
		if c.acked > start {
			full = nil
			continue
		}

		// Nothing was accepted: the SP's input buffer is full.
		if full == nil {
			full = newFullBackoff()
		}
		if err := sleep(ctx, c.done, full.NextBackOff()); err != nil {
			return int(c.acked - base), err
		}
	}

	return len(p), nil
}

type chunk struct {
	offset uint64
	data   []byte
}

// sendWindow sends up to Window chunks starting at c.acked and returns the
// furthest contiguous offset the SP reported.
func (c *Console) sendWindow(ctx context.Context, p []byte, base, end uint64) (uint64, error) {
	start := c.acked
	var chunks []chunk
	for off := start; off < end && len(chunks) < c.config.Window; {
		n := end - off
		if n > uint64(c.config.ChunkSize) {
			n = uint64(c.config.ChunkSize)
		}
		chunks = append(chunks, chunk{offset: off, data: p[off-base : off-base+n]})
		off += n
	}
	last := chunks[len(chunks)-1]
	sent := last.offset + uint64(len(last.data))

	type result struct {
		furthest uint64
		err      error
	}
	results := make([]result, len(chunks))
	var wg sync.WaitGroup
	for i, ch := range chunks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := c.sp.ConsoleWrite(ctx, ch.offset, ch.data)
			results[i] = result{furthest: f, err: err}
		}()
	}
	wg.Wait()

	furthest := start
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if r.furthest < start || r.furthest > sent {
			return furthest, &BogusAckError{Acked: start, Sent: sent, Furthest: r.furthest}
		}
		if r.furthest > furthest {
			furthest = r.furthest
		}
	}
	if firstErr != nil {
		return furthest, fmt.Errorf("console: write at %d: %w", start, firstErr)
	}
	return furthest, nil
}

func newFullBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = fullInitialInterval
	b.MaxInterval = fullMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleep(ctx context.Context, done <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrClosed
	}
}

// KeepAlive tells the SP the host is still attached.
func (c *Console) KeepAlive(ctx context.Context) error {
	if err := c.sp.ConsoleKeepAlive(ctx); err != nil {
		return fmt.Errorf("console: keep-alive: %w", err)
	}
	c.touch()
	return nil
}

// Break sends a serial break.
func (c *Console) Break(ctx context.Context) error {
	if err := c.sp.ConsoleBreak(ctx); err != nil {
		return fmt.Errorf("console: break: %w", err)
	}
	c.touch()
	return nil
}

func (c *Console) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// keepAlive sends a keep-alive whenever the console has been idle for
// KeepAliveInterval.
func (c *Console) keepAlive() {
	defer c.wg.Done()
	interval := c.config.KeepAliveInterval
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		if time.Since(time.Unix(0, c.lastActive.Load())) < interval {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := c.KeepAlive(ctx)
		cancel()
		if err != nil && !errors.Is(err, exchange.ErrClosed) {
			c.log.Warnf("%s: %v", c.sp.ID(), err)
		}
	}
}

// Close detaches from the console and stops the inbound stream. Pending
// Reads return ErrClosed.
func (c *Console) Close(ctx context.Context) error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		c.sub.Close()
		err = c.sp.ConsoleDetach(ctx)
		c.sp.ReleaseConsole()
		c.wg.Wait()
		if err != nil {
			err = fmt.Errorf("console: detach: %w", err)
		}
		c.log.Infof("%s: detached from console %q", c.sp.ID(), c.component)
	})
	return err
}
