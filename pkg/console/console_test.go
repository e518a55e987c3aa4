package console

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/spcomms/pkg/exchange"
	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/spsim"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/backkem/spcomms/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
)

const testComponent = "sp3-host-cpu"

type testPair struct {
	pipe *transport.Pipe
	sp   *exchange.SingleSp
	sim  *spsim.SP
}

func newTestPair(t *testing.T, simConfig spsim.Config) *testPair {
	t.Helper()

	pipe, hostConn, spConn := transport.NewPipeConnPair()

	simConfig.Conn = spConn
	simConfig.Identity = message.SpIdentity{Type: message.SpTypeSled, Slot: 3, Serial: "BRM00000003"}
	sim, err := spsim.New(simConfig)
	if err != nil {
		t.Fatalf("spsim.New() error = %v", err)
	}

	mgr, err := exchange.NewManager(exchange.Config{
		Conn: hostConn,
		Retry: exchange.RetryPolicy{
			MaxAttempts:    5,
			InitialTimeout: 20 * time.Millisecond,
			MaxTimeout:     50 * time.Millisecond,
			Multiplier:     2,
			Jitter:         -1,
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	sp, err := mgr.AddTarget(exchange.TargetID{Type: message.SpTypeSled, Slot: 3}, hostConn.PeerAddr())
	if err != nil {
		t.Fatalf("AddTarget() error = %v", err)
	}

	t.Cleanup(func() {
		mgr.Close()
		sim.Close()
		pipe.Close()
	})
	return &testPair{pipe: pipe, sp: sp, sim: sim}
}

func (p *testPair) open(t *testing.T, config Config) *Console {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Open(ctx, p.sp, testComponent, config)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

// readN reads until n bytes of console output have arrived.
func readN(t *testing.T, c *Console, n int) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []byte
	for len(out) < n {
		data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v (after %q)", err, out)
		}
		out = append(out, data...)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = 'a' + byte(i%26)
	}
	return p
}

func TestOpenAttaches(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	c := p.open(t, Config{})

	if c.Component() != testComponent {
		t.Errorf("Component() = %q, want %q", c.Component(), testComponent)
	}
	if !p.sim.ConsoleAttached() {
		t.Error("SP reports no console attached")
	}
}

func TestOpenTwice(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	p.open(t, Config{})

	_, err := Open(context.Background(), p.sp, testComponent, Config{})
	if !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("second Open() error = %v, want ErrAlreadyAttached", err)
	}
}

func TestOpenRejectedBySp(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	p.sim.Override(message.KindSerialConsoleAttach, &message.Error{Code: message.ErrorCodeConsoleAlreadyAttached})

	_, err := Open(context.Background(), p.sp, testComponent, Config{})
	if !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("Open() error = %v, want ErrAlreadyAttached", err)
	}

	// The host-side claim is released after a failed attach.
	p.sim.Override(message.KindSerialConsoleAttach, nil)
	p.open(t, Config{})
}

func TestWriteDeliversInOrder(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	c := p.open(t, Config{ChunkSize: 100})

	data := payload(3000)
	n, err := c.Write(context.Background(), data)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != len(data) {
		t.Errorf("Write() = %d, want %d", n, len(data))
	}
	if got := p.sim.ConsoleInput(); !bytes.Equal(got, data) {
		t.Errorf("SP received %d bytes, want %d in order", len(got), len(data))
	}
	if _, out := c.Offsets(); out != uint64(len(data)) {
		t.Errorf("outbound offset = %d, want %d", out, len(data))
	}

	more := []byte("exit\n")
	if _, err := c.Write(context.Background(), more); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}
	if got := p.sim.ConsoleInput(); !bytes.Equal(got, append(data, more...)) {
		t.Errorf("second Write() not appended")
	}
}

func TestWritePartialAcceptance(t *testing.T) {
	p := newTestPair(t, spsim.Config{ConsoleAcceptMax: 10})
	c := p.open(t, Config{ChunkSize: 50})

	data := payload(200)
	if _, err := c.Write(context.Background(), data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := p.sim.ConsoleInput(); !bytes.Equal(got, data) {
		t.Errorf("SP received %q, want %q", got, data)
	}
	if got := p.sim.Requests(message.KindSerialConsoleWrite); got < 20 {
		t.Errorf("write requests = %d, want at least 20", got)
	}
}

func TestWriteOverLossyLink(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	c := p.open(t, Config{ChunkSize: 64})

	var up, down atomic.Int32
	p.pipe.Conn(0).SetCondition(transport.NetworkCondition{
		Filter: func([]byte) bool { return up.Add(1)%4 != 0 },
	})
	p.pipe.Conn(1).SetCondition(transport.NetworkCondition{
		Filter: func([]byte) bool { return down.Add(1)%5 != 0 },
	})

	data := payload(1000)
	if _, err := c.Write(context.Background(), data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := p.sim.ConsoleInput(); !bytes.Equal(got, data) {
		t.Errorf("SP received %d bytes, want %d in order", len(got), len(data))
	}
}

func TestWriteBogusAck(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	c := p.open(t, Config{})
	p.sim.Override(message.KindSerialConsoleWrite, &message.SerialConsoleWriteAck{FurthestOffset: 1000})

	_, err := c.Write(context.Background(), []byte("abc"))
	if !errors.Is(err, ErrBogusState) {
		t.Fatalf("Write() error = %v, want ErrBogusState", err)
	}
	var bogus *BogusAckError
	if !errors.As(err, &bogus) || bogus.Furthest != 1000 || bogus.Sent != 3 {
		t.Errorf("Write() error = %#v", err)
	}
}

func TestEcho(t *testing.T) {
	p := newTestPair(t, spsim.Config{ConsoleEcho: true})
	c := p.open(t, Config{})

	if _, err := c.Write(context.Background(), []byte("uname -a\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := readN(t, c, 9); string(got) != "uname -a\n" {
		t.Errorf("Read() = %q, want echo", got)
	}
	if in, _ := c.Offsets(); in != 9 {
		t.Errorf("inbound offset = %d, want 9", in)
	}
}

func TestReadReorders(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	c := p.open(t, Config{})

	p.sim.PushConsoleAt(5, []byte("world"))
	p.sim.PushConsoleAt(0, []byte("hello"))

	if got := readN(t, c, 10); string(got) != "helloworld" {
		t.Errorf("Read() = %q, want %q", got, "helloworld")
	}
}

func TestReadDropsDuplicates(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	c := p.open(t, Config{})

	p.sim.PushConsoleAt(0, []byte("abc"))
	p.sim.PushConsoleAt(0, []byte("abc"))
	p.sim.PushConsoleAt(1, []byte("bcd"))
	p.sim.PushConsoleAt(4, []byte("e"))

	if got := readN(t, c, 5); string(got) != "abcde" {
		t.Errorf("Read() = %q, want %q", got, "abcde")
	}
}

func TestReadLargeOutput(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	c := p.open(t, Config{})

	data := payload(5000)
	if err := p.sim.PushConsole(data); err != nil {
		t.Fatalf("PushConsole() error = %v", err)
	}
	if got := readN(t, c, len(data)); !bytes.Equal(got, data) {
		t.Errorf("Read() returned %d bytes out of order", len(got))
	}
}

func TestReadGapResync(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := telemetry.New(reg)
	if err != nil {
		t.Fatalf("telemetry.New() error = %v", err)
	}

	p := newTestPair(t, spsim.Config{})
	c := p.open(t, Config{GapTimeout: 50 * time.Millisecond, Metrics: metrics})

	p.sim.PushConsoleAt(0, []byte("ab"))
	p.sim.PushConsoleAt(5, []byte("xyz"))

	if got := readN(t, c, 2); string(got) != "ab" {
		t.Fatalf("Read() = %q, want %q", got, "ab")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Read(ctx)
	var resync *ResyncError
	if !errors.As(err, &resync) {
		t.Fatalf("Read() error = %v, want *ResyncError", err)
	}
	if resync.Expected != 2 || resync.Resumed != 5 {
		t.Errorf("ResyncError = %+v, want {2 5}", resync)
	}

	got, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read() after resync error = %v", err)
	}
	if string(got) != "xyz" {
		t.Errorf("Read() after resync = %q, want %q", got, "xyz")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var resyncs float64
	for _, mf := range families {
		if mf.GetName() == "spcomms_console_resyncs_total" {
			resyncs = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if resyncs != 1 {
		t.Errorf("console_resyncs_total = %v, want 1", resyncs)
	}
}

func TestUnreadOutputBounded(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	c := p.open(t, Config{MaxBuffered: 8})

	p.sim.PushConsoleAt(0, []byte("abcdefghij"))
	p.sim.PushConsoleAt(10, []byte("klmnopqrst"))
	waitFor(t, "inbound offset 20", func() bool {
		in, _ := c.Offsets()
		return in == 20
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Read(ctx)
	var resync *ResyncError
	if !errors.As(err, &resync) {
		t.Fatalf("Read() error = %v, want *ResyncError", err)
	}
	if resync.Expected != 0 || resync.Resumed != 12 {
		t.Errorf("ResyncError = %+v, want {0 12}", resync)
	}
	if got := readN(t, c, 8); string(got) != "mnopqrst" {
		t.Errorf("Read() = %q, want %q", got, "mnopqrst")
	}
}

func TestReadContextCancel(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	c := p.open(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read() error = %v, want DeadlineExceeded", err)
	}
}

func TestBreak(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	c := p.open(t, Config{})

	if err := c.Break(context.Background()); err != nil {
		t.Fatalf("Break() error = %v", err)
	}
	if got := p.sim.ConsoleBreaks(); got != 1 {
		t.Errorf("ConsoleBreaks() = %d, want 1", got)
	}
}

func TestKeepAliveWhenIdle(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	p.open(t, Config{KeepAliveInterval: 20 * time.Millisecond})

	waitFor(t, "keep-alive", func() bool {
		return p.sim.Requests(message.KindSerialConsoleKeepAlive) > 0
	})
}

func TestClose(t *testing.T) {
	p := newTestPair(t, spsim.Config{})
	c := p.open(t, Config{})

	ctx := context.Background()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if p.sim.ConsoleAttached() {
		t.Error("SP still reports a console attached")
	}
	if _, err := c.Read(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Read() after Close error = %v, want ErrClosed", err)
	}
	if _, err := c.Write(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close error = %v, want ErrClosed", err)
	}
	if err := c.Close(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() error = %v, want ErrClosed", err)
	}

	// The console can be opened again.
	p.open(t, Config{})
}
