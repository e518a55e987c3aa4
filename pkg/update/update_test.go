package update

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/spcomms/pkg/exchange"
	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/spsim"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/backkem/spcomms/pkg/transport"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var testTarget = exchange.TargetID{Type: message.SpTypeSled, Slot: 7}

type testPair struct {
	pipe    *transport.Pipe
	sim     *spsim.SP
	updater *Updater
}

func newTestPair(t *testing.T, config Config, simConfig spsim.Config) *testPair {
	t.Helper()

	pipe, hostConn, spConn := transport.NewPipeConnPair()

	simConfig.Conn = spConn
	simConfig.Identity = message.SpIdentity{Type: message.SpTypeSled, Slot: 7, Serial: "BRM00000007"}
	sim, err := spsim.New(simConfig)
	if err != nil {
		t.Fatalf("spsim.New() error = %v", err)
	}

	mgr, err := exchange.NewManager(exchange.Config{
		Conn: hostConn,
		Retry: exchange.RetryPolicy{
			MaxAttempts:    3,
			InitialTimeout: 20 * time.Millisecond,
			MaxTimeout:     50 * time.Millisecond,
			Multiplier:     2,
			Jitter:         -1,
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, err := mgr.AddTarget(testTarget, hostConn.PeerAddr()); err != nil {
		t.Fatalf("AddTarget() error = %v", err)
	}

	config.Manager = mgr
	updater, err := NewUpdater(config)
	if err != nil {
		t.Fatalf("NewUpdater() error = %v", err)
	}

	t.Cleanup(func() {
		mgr.Close()
		sim.Close()
		pipe.Close()
	})
	return &testPair{pipe: pipe, sim: sim, updater: updater}
}

func testImage(n int) Image {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/256)
	}
	return Image{Component: "sp", Slot: 1, Data: data}
}

func wait(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("session %s did not finish", s.ID())
	}
	return err
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

func TestTransferComplete(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := telemetry.New(reg)
	if err != nil {
		t.Fatalf("telemetry.New() error = %v", err)
	}
	p := newTestPair(t, Config{Metrics: metrics}, spsim.Config{})
	img := testImage(3000)

	s, err := p.updater.Start(context.Background(), testTarget, img, Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := wait(t, s); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	st := s.Status()
	if st.State != StateComplete {
		t.Errorf("State = %v, want complete", st.State)
	}
	if st.Offset != 3000 || st.Total != 3000 {
		t.Errorf("Offset/Total = %d/%d, want 3000/3000", st.Offset, st.Total)
	}
	if st.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", st.ChunkSize, DefaultChunkSize)
	}
	if got := p.sim.UpdateData(message.UpdateID(s.ID())); !bytes.Equal(got, img.Data) {
		t.Errorf("SP received %d bytes, want the image", len(got))
	}
	if got := p.sim.Requests(message.KindUpdateChunk); got != 6 {
		t.Errorf("chunk requests = %d, want 6", got)
	}

	want := `
# HELP spcomms_update_bytes_total Update image bytes acknowledged by SPs.
# TYPE spcomms_update_bytes_total counter
spcomms_update_bytes_total 3000
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "spcomms_update_bytes_total"); err != nil {
		t.Error(err)
	}

	if got, ok := p.updater.Status(testTarget); !ok || got.State != StateComplete {
		t.Errorf("Updater.Status() = %+v, %v", got, ok)
	}
}

func TestChunkSizeNegotiation(t *testing.T) {
	tests := []struct {
		name     string
		proposed uint32
		simMax   uint32
		want     uint32
	}{
		{"SP caps", 512, 128, 128},
		{"host caps", 64, 512, 64},
		{"wire bound", 4096, 4096, MaxChunkSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPair(t, Config{ChunkSize: tt.proposed}, spsim.Config{MaxChunkSize: tt.simMax})
			img := testImage(2000)

			s, err := p.updater.Start(context.Background(), testTarget, img, Options{})
			if err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if err := wait(t, s); err != nil {
				t.Fatalf("Wait() error = %v", err)
			}
			if got := s.Status().ChunkSize; got != tt.want {
				t.Errorf("ChunkSize = %d, want %d", got, tt.want)
			}
			if got := p.sim.UpdateData(message.UpdateID(s.ID())); !bytes.Equal(got, img.Data) {
				t.Error("SP image differs")
			}
		})
	}
}

func TestChecksumMismatch(t *testing.T) {
	p := newTestPair(t, Config{}, spsim.Config{})
	p.sim.CorruptDigests(true)

	s, err := p.updater.Start(context.Background(), testTarget, testImage(1000), Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	err = wait(t, s)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Wait() error = %v, want ErrChecksumMismatch", err)
	}
	var aborted *AbortedError
	if !errors.As(err, &aborted) || aborted.ID != s.ID() {
		t.Errorf("Wait() error = %#v, want *AbortedError for %s", err, s.ID())
	}
	if st := s.Status(); st.State != StateAborted {
		t.Errorf("State = %v, want aborted", st.State)
	}
	if rp := s.ResumePoint(); rp.Offset != 0 || rp.ID != s.ID() {
		t.Errorf("ResumePoint() = %+v, want offset 0", rp)
	}
}

func TestAbortAndResume(t *testing.T) {
	p := newTestPair(t, Config{}, spsim.Config{})
	img := testImage(3000)

	// Let three chunks through, then lose every later one.
	var chunks atomic.Int32
	p.pipe.Conn(0).SetCondition(transport.NetworkCondition{
		Filter: func(data []byte) bool {
			hdr, err := message.DecodeHeader(data)
			if err != nil || hdr.Kind != message.KindUpdateChunk {
				return true
			}
			return chunks.Add(1) <= 3
		},
	})

	s, err := p.updater.Start(context.Background(), testTarget, img, Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	err = wait(t, s)
	if !errors.Is(err, exchange.ErrTimeout) {
		t.Fatalf("Wait() error = %v, want a timeout", err)
	}
	var aborted *AbortedError
	if !errors.As(err, &aborted) || aborted.Offset != 3*DefaultChunkSize {
		t.Fatalf("Wait() error = %#v, want abort at %d", err, 3*DefaultChunkSize)
	}

	rp := s.ResumePoint()
	if rp.ID != s.ID() || rp.Offset != 3*DefaultChunkSize {
		t.Fatalf("ResumePoint() = %+v", rp)
	}
	before := p.sim.Requests(message.KindUpdateChunk)

	p.pipe.Conn(0).SetCondition(transport.NetworkCondition{})
	resumed, err := p.updater.Resume(context.Background(), testTarget, img, rp)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if err := wait(t, resumed); err != nil {
		t.Fatalf("resumed Wait() error = %v", err)
	}

	if got := p.sim.Requests(message.KindUpdateChunk) - before; got != 3 {
		t.Errorf("resumed session sent %d chunks, want 3", got)
	}
	if got := p.sim.UpdateData(message.UpdateID(rp.ID)); !bytes.Equal(got, img.Data) {
		t.Error("reconstructed image differs from source")
	}
}

func TestSessionConflictAndCancel(t *testing.T) {
	p := newTestPair(t, Config{}, spsim.Config{})
	p.sim.SetSilent(true)
	img := testImage(1000)

	s, err := p.updater.Start(context.Background(), testTarget, img, Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := p.updater.Start(context.Background(), testTarget, img, Options{}); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("second Start() error = %v, want ErrSessionConflict", err)
	}
	if active := p.updater.Active(); len(active) != 1 || active[0] != testTarget {
		t.Errorf("Active() = %v", active)
	}

	s.Cancel()
	if err := wait(t, s); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
	waitFor(t, "UpdateAbort", func() bool {
		return p.sim.Requests(message.KindUpdateAbort) > 0
	})

	p.sim.SetSilent(false)
	next, err := p.updater.Start(context.Background(), testTarget, img, Options{})
	if err != nil {
		t.Fatalf("Start() after abort error = %v", err)
	}
	if err := wait(t, next); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestCancelConcurrentWithStart(t *testing.T) {
	p := newTestPair(t, Config{}, spsim.Config{})
	p.sim.SetSilent(true)
	img := testImage(1000)

	stop := make(chan struct{})
	cancelled := make(chan struct{})
	go func() {
		defer close(cancelled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if s, ok := p.updater.Session(testTarget); ok {
				s.Cancel()
			}
		}
	}()

	var started int
	deadline := time.Now().Add(2 * time.Second)
	for started < 20 && time.Now().Before(deadline) {
		_, err := p.updater.Start(context.Background(), testTarget, img, Options{})
		switch {
		case err == nil:
			started++
		case !errors.Is(err, ErrSessionConflict):
			t.Fatalf("Start() error = %v", err)
		}
	}
	close(stop)
	<-cancelled

	if started == 0 {
		t.Fatal("no session started")
	}
	s, ok := p.updater.Session(testTarget)
	if !ok {
		t.Fatal("Session() found nothing")
	}
	s.Cancel()
	if err := wait(t, s); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestBadChunkAck(t *testing.T) {
	p := newTestPair(t, Config{}, spsim.Config{})
	p.sim.Override(message.KindUpdateChunk, &message.UpdateChunkAck{NextOffset: 7})

	s, err := p.updater.Start(context.Background(), testTarget, testImage(1000), Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := wait(t, s); !errors.Is(err, ErrBadAck) {
		t.Errorf("Wait() error = %v, want ErrBadAck", err)
	}
	if got := s.Status().Offset; got != 0 {
		t.Errorf("Offset = %d, want 0", got)
	}
}

func TestExplicitSessionID(t *testing.T) {
	p := newTestPair(t, Config{}, spsim.Config{})
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	s, err := p.updater.Start(context.Background(), testTarget, testImage(100), Options{ID: id})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.ID() != id {
		t.Errorf("ID() = %s, want %s", s.ID(), id)
	}
	if err := wait(t, s); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	p := newTestPair(t, Config{}, spsim.Config{})
	ctx := context.Background()
	img := testImage(100)

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"empty component", func() error {
			_, err := p.updater.Start(ctx, testTarget, Image{Data: img.Data}, Options{})
			return err
		}, ErrInvalidComponent},
		{"unknown target", func() error {
			_, err := p.updater.Start(ctx, exchange.TargetID{Type: message.SpTypePower, Slot: 1}, img, Options{})
			return err
		}, exchange.ErrUnknownTarget},
		{"resume without id", func() error {
			_, err := p.updater.Resume(ctx, testTarget, img, ResumePoint{Offset: 10})
			return err
		}, ErrInvalidResume},
		{"resume past end", func() error {
			_, err := p.updater.Resume(ctx, testTarget, img, ResumePoint{ID: uuid.New(), Offset: 101})
			return err
		}, ErrInvalidResume},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := NewUpdater(Config{}); !errors.Is(err, ErrNoManager) {
		t.Errorf("NewUpdater() error = %v, want ErrNoManager", err)
	}
}

func TestResumeUnknownToSp(t *testing.T) {
	p := newTestPair(t, Config{}, spsim.Config{})

	s, err := p.updater.Resume(context.Background(), testTarget, testImage(1000), ResumePoint{ID: uuid.New(), Offset: 512})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	err = wait(t, s)
	if !exchange.IsSpError(err, message.ErrorCodeUpdateResumeInvalid) {
		t.Errorf("Wait() error = %v, want UpdateResumeInvalid", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
		done  bool
	}{
		{StateNegotiating, "negotiating", false},
		{StateTransferring, "transferring", false},
		{StateVerifying, "verifying", false},
		{StateComplete, "complete", true},
		{StateAborted, "aborted", true},
		{State(9), "State(9)", false},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if got := tt.state.Done(); got != tt.done {
			t.Errorf("%v.Done() = %v, want %v", tt.state, got, tt.done)
		}
	}
}
