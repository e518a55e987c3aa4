package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/backkem/spcomms/pkg/exchange"
	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/spsim"
	"github.com/backkem/spcomms/pkg/transport"
)

func identity(slot uint16) message.SpIdentity {
	return message.SpIdentity{
		Type:   message.SpTypeSled,
		Slot:   slot,
		Model:  "913-0000019",
		Serial: fmt.Sprintf("BRM%08d", slot),
	}
}

func newManager(t *testing.T) *exchange.Manager {
	t.Helper()
	mgr, err := exchange.NewManager(exchange.Config{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func newSim(t *testing.T, id message.SpIdentity) *spsim.SP {
	t.Helper()
	sim, err := spsim.New(spsim.Config{Identity: id})
	if err != nil {
		t.Fatalf("spsim.New() error = %v", err)
	}
	t.Cleanup(func() { sim.Close() })
	return sim
}

func newSweeper(t *testing.T, config Config) *Sweeper {
	t.Helper()
	s, err := NewSweeper(config)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	return s
}

func TestDiscoverMultipleSps(t *testing.T) {
	mgr := newManager(t)
	var addrs []net.Addr
	for slot := uint16(0); slot < 3; slot++ {
		addrs = append(addrs, newSim(t, identity(slot)).Addr())
	}
	s := newSweeper(t, Config{Manager: mgr, Addrs: addrs})

	start := time.Now()
	records, err := s.Discover(context.Background(), 5*time.Second, 3)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Discover() took %v, hint should end it early", elapsed)
	}
	if len(records) != 3 {
		t.Fatalf("Discover() returned %d records, want 3", len(records))
	}

	seen := make(map[uint16]bool)
	for _, r := range records {
		if r.Source != SourceBroadcast {
			t.Errorf("Source = %v, want broadcast", r.Source)
		}
		if r.Identity != identity(r.Identity.Slot) {
			t.Errorf("Identity = %+v", r.Identity)
		}
		seen[r.Identity.Slot] = true
	}
	if len(seen) != 3 {
		t.Errorf("slots = %v, want 3 distinct", seen)
	}
	if got := s.Records(); len(got) != 3 {
		t.Errorf("Records() = %d entries, want 3", len(got))
	}
	if _, ok := s.Lookup(exchange.TargetID{Type: message.SpTypeSled, Slot: 2}); !ok {
		t.Error("Lookup(sled-2) not found")
	}
}

func TestDiscoverDeduplicatesByEndpoint(t *testing.T) {
	pipe, hostConn, spConn := transport.NewPipeConnPair()
	defer pipe.Close()

	mgr, err := exchange.NewManager(exchange.Config{Conn: hostConn})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close()
	sim, err := spsim.New(spsim.Config{Conn: spConn, Identity: identity(7)})
	if err != nil {
		t.Fatalf("spsim.New() error = %v", err)
	}
	defer sim.Close()

	spConn.SetCondition(transport.NetworkCondition{DuplicateRate: 1})

	s := newSweeper(t, Config{Manager: mgr, Addrs: []net.Addr{hostConn.PeerAddr()}})
	records, err := s.Discover(context.Background(), 200*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Discover() returned %d records, want 1", len(records))
	}
	if records[0].LastSeen.Before(records[0].FirstSeen) {
		t.Errorf("LastSeen %v before FirstSeen %v", records[0].LastSeen, records[0].FirstSeen)
	}
}

func TestDiscoverNoReplies(t *testing.T) {
	mgr := newManager(t)
	sim := newSim(t, identity(1))
	sim.SetSilent(true)

	s := newSweeper(t, Config{Manager: mgr, Addrs: []net.Addr{sim.Addr()}})
	records, err := s.Discover(context.Background(), 100*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Discover() = %v, want empty", records)
	}
}

func TestDiscoverQuietPeriod(t *testing.T) {
	mgr := newManager(t)
	sim := newSim(t, identity(1))
	sim.SetSilent(true)

	s := newSweeper(t, Config{Manager: mgr, Addrs: []net.Addr{sim.Addr()}, QuietPeriod: 50 * time.Millisecond})

	start := time.Now()
	if _, err := s.Discover(context.Background(), 5*time.Second, 0); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Discover() took %v, quiet period should end it", elapsed)
	}
}

func TestDiscoverQuietPeriodRestartsOnNewEndpoint(t *testing.T) {
	mgr := newManager(t)
	first := newSim(t, identity(1))
	second := newSim(t, identity(2))
	third := newSim(t, identity(3))
	second.SetSilent(true)
	third.SetSilent(true)

	s := newSweeper(t, Config{
		Manager:        mgr,
		Addrs:          []net.Addr{first.Addr(), second.Addr(), third.Addr()},
		QuietPeriod:    200 * time.Millisecond,
		ResendInterval: 10 * time.Millisecond,
	})

	// Each SP starts answering well within the quiet period of the
	// previous one, but the last one after the quiet period of the start.
	go func() {
		time.Sleep(100 * time.Millisecond)
		second.SetSilent(false)
		time.Sleep(150 * time.Millisecond)
		third.SetSilent(false)
	}()

	start := time.Now()
	records, err := s.Discover(context.Background(), 5*time.Second, 0)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	elapsed := time.Since(start)
	if len(records) != 3 {
		t.Errorf("Discover() returned %d records after %v, want 3", len(records), elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Discover() took %v, quiet period should end it", elapsed)
	}
}

func TestDiscoverReplacesTable(t *testing.T) {
	mgr := newManager(t)
	sim := newSim(t, identity(4))
	s := newSweeper(t, Config{Manager: mgr, Addrs: []net.Addr{sim.Addr()}})

	if _, err := s.Discover(context.Background(), time.Second, 1); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(s.Records()) != 1 {
		t.Fatalf("Records() = %d entries, want 1", len(s.Records()))
	}

	// A cancelled sweep leaves the table alone.
	sim.SetSilent(true)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	if _, err := s.Discover(ctx, time.Second, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("Discover() error = %v, want Canceled", err)
	}
	if len(s.Records()) != 1 {
		t.Errorf("Records() = %d entries after cancelled sweep, want 1", len(s.Records()))
	}

	// A completed sweep without the SP drops its record.
	if _, err := s.Discover(context.Background(), 50*time.Millisecond, 0); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(s.Records()) != 0 {
		t.Errorf("Records() = %d entries, want 0", len(s.Records()))
	}
}

func TestDiscoverMergesMDNS(t *testing.T) {
	mgr := newManager(t)
	sim := newSim(t, identity(5))
	other := identity(6)

	udp := sim.Addr().(*net.UDPAddr)
	mock := NewMockMDNSResolver()
	mock.RegisterService(Service, MockSPService(identity(5), udp.IP, udp.Port))
	mock.RegisterService(Service, MockSPService(other, net.ParseIP("127.0.0.1"), 1))

	s := newSweeper(t, Config{Manager: mgr, Addrs: []net.Addr{sim.Addr()}, MDNS: mock})
	records, err := s.Discover(context.Background(), 300*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Discover() returned %d records, want 2: %+v", len(records), records)
	}

	r, ok := s.Lookup(exchange.TargetIDOf(other))
	if !ok {
		t.Fatal("mDNS-only SP missing")
	}
	if r.Source != SourceMDNS {
		t.Errorf("Source = %v, want mdns", r.Source)
	}
}

func TestDiscoverMDNSOnly(t *testing.T) {
	mgr := newManager(t)
	mock := NewMockMDNSResolver()
	mock.RegisterService(Service, MockSPService(identity(1), net.ParseIP("fd00::1"), 11111))
	// Entries without a usable identity are skipped.
	bad := MockSPService(identity(2), net.ParseIP("fd00::2"), 11111)
	bad.Text = []string{"type=rack"}
	mock.RegisterService(Service, bad)

	s := newSweeper(t, Config{Manager: mgr, MDNS: mock})
	records, err := s.Discover(context.Background(), time.Second, 1)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Discover() returned %d records, want 1", len(records))
	}
	if got := records[0].Addr.String(); got != "[fd00::1]:11111" {
		t.Errorf("Addr = %s", got)
	}
}

func TestRegisterTargets(t *testing.T) {
	mgr := newManager(t)
	sim := newSim(t, identity(9))
	s := newSweeper(t, Config{Manager: mgr, Addrs: []net.Addr{sim.Addr()}})

	records, err := s.Discover(context.Background(), time.Second, 1)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if err := s.Register(records); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	sp, err := mgr.Target(exchange.TargetIDOf(identity(9)))
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	if _, err := sp.PowerState(context.Background()); err != nil {
		t.Errorf("PowerState() error = %v", err)
	}

	// Registering again moves instead of failing.
	if err := s.Register(records); err != nil {
		t.Errorf("second Register() error = %v", err)
	}
}

func TestSweeperConfig(t *testing.T) {
	if _, err := NewSweeper(Config{}); !errors.Is(err, ErrNoManager) {
		t.Errorf("NewSweeper() error = %v, want ErrNoManager", err)
	}
	mgr := newManager(t)
	if _, err := NewSweeper(Config{Manager: mgr}); !errors.Is(err, ErrNoDestinations) {
		t.Errorf("NewSweeper() error = %v, want ErrNoDestinations", err)
	}
}

func TestSweepInProgress(t *testing.T) {
	mgr := newManager(t)
	sim := newSim(t, identity(1))
	sim.SetSilent(true)
	s := newSweeper(t, Config{Manager: mgr, Addrs: []net.Addr{sim.Addr()}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Discover(context.Background(), 200*time.Millisecond, 0)
	}()
	time.Sleep(50 * time.Millisecond)

	if _, err := s.Discover(context.Background(), 10*time.Millisecond, 0); !errors.Is(err, ErrSweepInProgress) {
		t.Errorf("concurrent Discover() error = %v, want ErrSweepInProgress", err)
	}
	<-done
}
