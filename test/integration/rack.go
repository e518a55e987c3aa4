// Package integration runs the host stack against a rack of simulated SPs
// on loopback UDP.
package integration

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/backkem/spcomms/pkg/discovery"
	"github.com/backkem/spcomms/pkg/exchange"
	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/spsim"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/backkem/spcomms/pkg/tlv"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Rack is one Manager plus a set of simulated SPs, each on its own socket.
type Rack struct {
	Manager  *exchange.Manager
	Sweeper  *discovery.Sweeper
	SPs      map[exchange.TargetID]*spsim.SP
	Registry *prometheus.Registry
	Metrics  *telemetry.Metrics
}

// RackConfig configures NewRack.
type RackConfig struct {
	// Sleds and Switches are the number of simulated SPs of each type.
	Sleds    int
	Switches int

	// Retry is the host retry policy. Zero selects a policy tuned for
	// loopback.
	Retry exchange.RetryPolicy

	// LoggerFactory for every component. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

func loopbackRetry() exchange.RetryPolicy {
	return exchange.RetryPolicy{
		MaxAttempts:    6,
		InitialTimeout: 50 * time.Millisecond,
		MaxTimeout:     200 * time.Millisecond,
		Multiplier:     2,
		Jitter:         -1,
	}
}

// NewRack starts the simulated SPs and a Manager whose sweeper addresses
// each of them directly. Targets are not registered; tests discover them.
func NewRack(t *testing.T, config RackConfig) *Rack {
	t.Helper()

	if config.Retry.MaxAttempts == 0 {
		config.Retry = loopbackRetry()
	}

	reg := prometheus.NewRegistry()
	metrics, err := telemetry.New(reg)
	if err != nil {
		t.Fatalf("telemetry.New() error = %v", err)
	}

	r := &Rack{
		SPs:      make(map[exchange.TargetID]*spsim.SP),
		Registry: reg,
		Metrics:  metrics,
	}

	var addrs []net.Addr
	add := func(typ message.SpType, slot int) {
		identity := message.SpIdentity{
			Type:     typ,
			Slot:     uint16(slot),
			Model:    "913-0000019",
			Serial:   fmt.Sprintf("SIM-%s-%04d", typ, slot),
			Revision: 1,
		}
		cfg := spsim.Config{
			ListenAddr:      "127.0.0.1:0",
			Identity:        identity,
			FirmwareVersion: "1.0.0",
			ConsoleEcho:     true,
			Inventory: []tlv.Device{
				{Component: "sp", Description: "service processor", Presence: tlv.PresencePresent},
			},
			LoggerFactory: config.LoggerFactory,
		}
		if typ == message.SpTypeSwitch {
			for i := 0; i < 4; i++ {
				cfg.Ignition = append(cfg.Ignition, tlv.Ignition{
					Target: uint8(i),
					State:  message.IgnitionState{Present: true, SystemType: 0x0102, Powered: true},
				})
			}
		}
		sim, err := spsim.New(cfg)
		if err != nil {
			t.Fatalf("spsim.New(%s-%d) error = %v", typ, slot, err)
		}
		t.Cleanup(func() { sim.Close() })
		r.SPs[exchange.TargetIDOf(identity)] = sim
		addrs = append(addrs, sim.Addr())
	}
	for i := 0; i < config.Sleds; i++ {
		add(message.SpTypeSled, i)
	}
	for i := 0; i < config.Switches; i++ {
		add(message.SpTypeSwitch, i)
	}

	mgr, err := exchange.NewManager(exchange.Config{
		ListenAddr:    "127.0.0.1:0",
		Retry:         config.Retry,
		Metrics:       metrics,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	r.Manager = mgr

	sweeper, err := discovery.NewSweeper(discovery.Config{
		Manager:       mgr,
		Addrs:         addrs,
		Timeout:       2 * time.Second,
		Metrics:       metrics,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	r.Sweeper = sweeper

	return r
}

// Size returns the number of simulated SPs.
func (r *Rack) Size() int {
	return len(r.SPs)
}
