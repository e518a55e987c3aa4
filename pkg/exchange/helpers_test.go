package exchange

import (
	"net"
	"testing"
	"time"

	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/spsim"
	"github.com/backkem/spcomms/pkg/transport"
)

var testTarget = TargetID{Type: message.SpTypeSled, Slot: 3}

var testIdentity = message.SpIdentity{
	Type:   message.SpTypeSled,
	Slot:   3,
	Model:  "913-0000019",
	Serial: "BRM00000003",
}

// fastRetry keeps lossy tests quick and deterministic.
func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    attempts,
		InitialTimeout: 20 * time.Millisecond,
		MaxTimeout:     50 * time.Millisecond,
		Multiplier:     2,
		Jitter:         -1,
	}
}

type testPair struct {
	pipe *transport.Pipe
	host *transport.PipePacketConn
	mgr  *Manager
	sp   *SingleSp
	sim  *spsim.SP
}

// newTestPair connects a Manager and a simulated SP over an in-memory pipe.
func newTestPair(t *testing.T, config Config, simConfig spsim.Config) *testPair {
	t.Helper()

	pipe, hostConn, spConn := transport.NewPipeConnPair()

	if simConfig.Identity == (message.SpIdentity{}) {
		simConfig.Identity = testIdentity
	}
	simConfig.Conn = spConn
	sim, err := spsim.New(simConfig)
	if err != nil {
		t.Fatalf("spsim.New() error = %v", err)
	}

	config.Conn = hostConn
	if config.Retry == (RetryPolicy{}) {
		config.Retry = fastRetry(3)
	}
	mgr, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	sp, err := mgr.AddTarget(testTarget, hostConn.PeerAddr())
	if err != nil {
		t.Fatalf("AddTarget() error = %v", err)
	}

	t.Cleanup(func() {
		mgr.Close()
		sim.Close()
		pipe.Close()
	})

	return &testPair{pipe: pipe, host: hostConn, mgr: mgr, sp: sp, sim: sim}
}

// newUDPSim starts a simulated SP on a loopback socket.
func newUDPSim(t *testing.T, identity message.SpIdentity) *spsim.SP {
	t.Helper()
	sim, err := spsim.New(spsim.Config{Identity: identity})
	if err != nil {
		t.Fatalf("spsim.New() error = %v", err)
	}
	t.Cleanup(func() { sim.Close() })
	return sim
}

// newUDPManager starts a Manager on a loopback socket.
func newUDPManager(t *testing.T, retry RetryPolicy) *Manager {
	t.Helper()
	mgr, err := NewManager(Config{ListenAddr: "127.0.0.1:0", Retry: retry})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

// failingConn is a PacketConn whose writes always fail.
type failingConn struct {
	net.PacketConn
}

func (failingConn) WriteTo([]byte, net.Addr) (int, error) {
	return 0, &net.OpError{Op: "write", Net: "udp", Err: net.UnknownNetworkError("unreachable")}
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
