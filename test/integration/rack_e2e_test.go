package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/backkem/spcomms/pkg/console"
	"github.com/backkem/spcomms/pkg/exchange"
	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/update"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func discoverAll(t *testing.T, ctx context.Context, r *Rack) {
	t.Helper()
	records, err := r.Sweeper.Discover(ctx, 0, r.Size())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(records) != r.Size() {
		t.Fatalf("Discover() found %d SPs, want %d", len(records), r.Size())
	}
	if err := r.Sweeper.Register(records); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
}

func TestRack_DiscoverAndQuery(t *testing.T) {
	r := NewRack(t, RackConfig{Sleds: 4, Switches: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	discoverAll(t, ctx, r)

	if got := len(r.Manager.Targets()); got != r.Size() {
		t.Fatalf("Targets() = %d, want %d", got, r.Size())
	}

	// Every SP is queried concurrently over the one shared socket.
	var wg sync.WaitGroup
	errs := make(chan error, r.Size())
	for id := range r.SPs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sp, err := r.Manager.Target(id)
			if err != nil {
				errs <- err
				return
			}
			st, err := sp.State(ctx)
			if err != nil {
				errs <- err
				return
			}
			if exchange.TargetIDOf(st.Identity) != id {
				t.Errorf("%s: State() identity = %+v", id, st.Identity)
			}
			if _, err := sp.Inventory(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("query error = %v", err)
	}

	sw, err := r.Manager.Target(exchange.TargetID{Type: message.SpTypeSwitch, Slot: 0})
	if err != nil {
		t.Fatalf("Target(switch-0) error = %v", err)
	}
	states, err := sw.BulkIgnitionState(ctx)
	if err != nil {
		t.Fatalf("BulkIgnitionState() error = %v", err)
	}
	if len(states) != 4 {
		t.Errorf("BulkIgnitionState() = %d entries, want 4", len(states))
	}
	if err := sw.IgnitionCommand(ctx, 2, message.IgnitionPowerOff); err != nil {
		t.Fatalf("IgnitionCommand() error = %v", err)
	}
	state, err := sw.IgnitionState(ctx, 2)
	if err != nil {
		t.Fatalf("IgnitionState() error = %v", err)
	}
	if state.Powered {
		t.Error("ignition target 2 still powered")
	}

	n, err := testutil.GatherAndCount(r.Registry, "spcomms_requests_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if n == 0 {
		t.Error("no request series recorded")
	}
}

func TestRack_UpdateWhileConsoleAttached(t *testing.T) {
	r := NewRack(t, RackConfig{Sleds: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	discoverAll(t, ctx, r)

	sled0 := exchange.TargetID{Type: message.SpTypeSled, Slot: 0}
	sled1 := exchange.TargetID{Type: message.SpTypeSled, Slot: 1}

	image := make([]byte, 20*1024)
	if _, err := rand.Read(image); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}

	updater, err := update.NewUpdater(update.Config{Manager: r.Manager, Metrics: r.Metrics})
	if err != nil {
		t.Fatalf("NewUpdater() error = %v", err)
	}
	session, err := updater.Start(ctx, sled0, update.Image{Component: "sp", Slot: 1, Data: image}, update.Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sp1, err := r.Manager.Target(sled1)
	if err != nil {
		t.Fatalf("Target(sled-1) error = %v", err)
	}
	con, err := console.Open(ctx, sp1, "sp3-host-cpu", console.Config{Metrics: r.Metrics})
	if err != nil {
		t.Fatalf("console.Open() error = %v", err)
	}
	defer con.Close(ctx)

	input := []byte(strings.Repeat("echo hello\n", 200))
	if n, err := con.Write(ctx, input); err != nil || n != len(input) {
		t.Fatalf("Write() = %d, %v", n, err)
	}

	var echoed bytes.Buffer
	for echoed.Len() < len(input) {
		data, err := con.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		echoed.Write(data)
	}
	if !bytes.Equal(echoed.Bytes(), input) {
		t.Error("console echo differs from input")
	}

	if err := session.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if st := session.Status(); st.State != update.StateComplete || st.Offset != uint32(len(image)) {
		t.Errorf("Status() = %+v", st)
	}
	if !bytes.Equal(r.SPs[sled0].UpdateData(message.UpdateID(session.ID())), image) {
		t.Error("SP received a different image")
	}
	if got := r.SPs[sled1].ConsoleInput(); !bytes.Equal(got, input) {
		t.Errorf("SP console input = %d bytes, want %d", len(got), len(input))
	}
}

func TestRack_SpResetAndRediscover(t *testing.T) {
	r := NewRack(t, RackConfig{Sleds: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	discoverAll(t, ctx, r)

	id := exchange.TargetID{Type: message.SpTypeSled, Slot: 0}
	sp, err := r.Manager.Target(id)
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	if err := sp.ResetPrepare(ctx); err != nil {
		t.Fatalf("ResetPrepare() error = %v", err)
	}
	if err := sp.ResetTrigger(ctx); err != nil {
		t.Fatalf("ResetTrigger() error = %v", err)
	}
	if r.SPs[id].Resets() != 1 {
		t.Errorf("Resets() = %d, want 1", r.SPs[id].Resets())
	}

	// A second sweep finds the same SP at the same endpoint.
	discoverAll(t, ctx, r)
	if _, err := sp.PowerState(ctx); err != nil {
		t.Errorf("PowerState() after reset error = %v", err)
	}
}
