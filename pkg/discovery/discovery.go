// Package discovery finds service processors on the management network.
//
// A sweep broadcasts one Discover request through the exchange engine and
// collects every DiscoverResponse, optionally merged with SPs advertising
// the _sp-mgmt._udp mDNS service. Replies are deduplicated by endpoint and
// the result of each completed sweep replaces the live table.
package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/backkem/spcomms/pkg/exchange"
	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/backkem/spcomms/pkg/transport"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DefaultTimeout is the default hard limit of one sweep.
const DefaultTimeout = 2 * time.Second

// Source is where a record was learned from.
type Source uint8

const (
	// SourceBroadcast is a DiscoverResponse to the broadcast request.
	SourceBroadcast Source = iota + 1

	// SourceMDNS is an mDNS advertisement.
	SourceMDNS
)

// String returns the source name.
func (s Source) String() string {
	switch s {
	case SourceBroadcast:
		return "broadcast"
	case SourceMDNS:
		return "mdns"
	default:
		return "unknown"
	}
}

// Record is one SP found by a sweep.
type Record struct {
	Addr      net.Addr
	Identity  message.SpIdentity
	Port      message.SpPort
	Source    Source
	FirstSeen time.Time
	LastSeen  time.Time
}

// Target returns the record's logical identity.
func (r Record) Target() exchange.TargetID {
	return exchange.TargetIDOf(r.Identity)
}

// Config configures a Sweeper.
type Config struct {
	// Manager sends the Discover request and routes the replies. Required.
	Manager *exchange.Manager

	// Addrs are the broadcast or multicast destinations of the request.
	Addrs []net.Addr

	// Timeout is the hard limit of a sweep. Default: DefaultTimeout
	Timeout time.Duration

	// QuietPeriod ends a sweep early once no new endpoint has answered for
	// this long. The period restarts at the sweep start and at every new
	// endpoint. 0 disables it.
	QuietPeriod time.Duration

	// ResendInterval resends the request while the sweep runs, for lossy
	// links. 0 sends it once.
	ResendInterval time.Duration

	// MDNS, if set, is browsed for the _sp-mgmt._udp service during each
	// sweep.
	MDNS MDNSResolver

	// Metrics receives the size of the table. Optional.
	Metrics *telemetry.Metrics

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Validate reports whether the configuration can run a sweep.
func (c *Config) Validate() error {
	if c.Manager == nil {
		return ErrNoManager
	}
	if len(c.Addrs) == 0 && c.MDNS == nil {
		return ErrNoDestinations
	}
	return nil
}

// Sweeper runs discovery sweeps and holds the table of the last one.
type Sweeper struct {
	config  Config
	log     logging.LeveledLogger
	metrics *telemetry.Metrics

	sweeping sync.Mutex

	mu    sync.RWMutex
	table []Record
}

// NewSweeper creates a Sweeper.
func NewSweeper(config Config) (*Sweeper, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{
		config:  config,
		log:     telemetry.Logger(config.LoggerFactory, "discovery"),
		metrics: config.Metrics,
	}, nil
}

// Discover runs one sweep and returns the SPs that answered, in order of
// first reply. timeout 0 uses Config.Timeout; expectedHint > 0 ends the
// sweep as soon as that many distinct endpoints answered.
//
// No replies is not an error. If ctx ends first the partial result is
// discarded, the table is left unchanged and ctx.Err() is returned.
func (s *Sweeper) Discover(ctx context.Context, timeout time.Duration, expectedHint int) ([]Record, error) {
	if !s.sweeping.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer s.sweeping.Unlock()

	if timeout <= 0 {
		timeout = s.config.Timeout
	}
	sweepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var replies <-chan *exchange.Reply
	var collector *exchange.Collector
	if len(s.config.Addrs) > 0 {
		c, err := s.config.Manager.Collect(sweepCtx, &message.Discover{}, message.KindDiscoverResponse, s.config.Addrs...)
		if err != nil {
			return nil, err
		}
		defer c.Close()
		collector = c
		replies = c.Replies()
	}

	var advertised <-chan Record
	if s.config.MDNS != nil {
		advertised = s.browse(sweepCtx)
	}

	var quiet <-chan time.Time
	var quietTimer *time.Timer
	if s.config.QuietPeriod > 0 {
		quietTimer = time.NewTimer(s.config.QuietPeriod)
		defer quietTimer.Stop()
		quiet = quietTimer.C
	}

	var resend <-chan time.Time
	if collector != nil && s.config.ResendInterval > 0 {
		t := time.NewTicker(s.config.ResendInterval)
		defer t.Stop()
		resend = t.C
	}

	sweep := newSweep()
	for done := false; !done; {
		var rec Record
		select {
		case r, ok := <-replies:
			if !ok {
				replies = nil
				continue
			}
			resp, _ := r.Message.Body.(*message.DiscoverResponse)
			if resp == nil {
				continue
			}
			rec = Record{Addr: r.Addr, Identity: resp.Identity, Port: resp.Port, Source: SourceBroadcast, FirstSeen: r.ReceivedAt}

		case r, ok := <-advertised:
			if !ok {
				advertised = nil
				continue
			}
			rec = r

		case <-resend:
			if err := collector.Resend(); err != nil {
				s.log.Warnf("resending discover: %v", err)
			}
			continue

		case <-quiet:
			s.log.Debugf("sweep quiet for %v, ending", s.config.QuietPeriod)
			done = true
			continue

		case <-sweepCtx.Done():
			if err := ctx.Err(); err != nil {
				s.log.Debugf("sweep cancelled after %d replies", sweep.len())
				return nil, err
			}
			done = true
			continue
		}

		if !sweep.observe(rec) {
			continue
		}
		if quietTimer != nil {
			quietTimer.Reset(s.config.QuietPeriod)
		}
		s.log.Debugf("found %s at %v (%s)", rec.Target(), rec.Addr, rec.Source)
		if expectedHint > 0 && sweep.len() >= expectedHint {
			done = true
		}
	}

	records := sweep.records()
	s.mu.Lock()
	s.table = records
	s.mu.Unlock()
	s.metrics.DiscoveryRecords(len(records))
	s.log.Infof("sweep found %d SPs", len(records))

	return append([]Record(nil), records...), nil
}

// browse streams the SPs advertising over mDNS until ctx ends.
func (s *Sweeper) browse(ctx context.Context) <-chan Record {
	out := make(chan Record)
	entries := make(chan *zeroconf.ServiceEntry)

	go func() {
		defer close(entries)
		if err := s.config.MDNS.Browse(ctx, Service, DefaultDomain, entries); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.log.Warnf("mDNS browse: %v", err)
		}
	}()

	go func() {
		defer close(out)
		for entry := range entries {
			rec, ok := s.entryRecord(entry)
			if !ok {
				continue
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				// Drain so Browse can return.
				for range entries {
				}
				return
			}
		}
	}()

	return out
}

func (s *Sweeper) entryRecord(entry *zeroconf.ServiceEntry) (Record, bool) {
	addr := entryAddr(entry)
	if addr == nil {
		s.log.Debugf("mDNS entry %q has no address", entry.Instance)
		return Record{}, false
	}
	identity, err := DecodeTXT(ParseTXT(entry.Text))
	if err != nil {
		s.log.Warnf("mDNS entry %q: %v", entry.Instance, err)
		return Record{}, false
	}
	return Record{Addr: addr, Identity: identity, Source: SourceMDNS, FirstSeen: time.Now()}, true
}

// Records returns the table of the last completed sweep.
func (s *Sweeper) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.table...)
}

// Lookup returns the record of target in the last completed sweep.
func (s *Sweeper) Lookup(target exchange.TargetID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.table {
		if r.Target() == target {
			return r, true
		}
	}
	return Record{}, false
}

// Register adds a target to the manager for every record, or moves an
// existing target to the record's endpoint. It returns the first error
// but still processes the remaining records.
func (s *Sweeper) Register(records []Record) error {
	var first error
	for _, r := range records {
		id := r.Target()
		var err error
		if _, lookupErr := s.config.Manager.Target(id); lookupErr == nil {
			err = s.config.Manager.SetTargetAddr(id, r.Addr)
		} else {
			_, err = s.config.Manager.AddTarget(id, r.Addr)
		}
		if err != nil {
			s.log.Warnf("registering %s at %v: %v", id, r.Addr, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// sweep accumulates the records of one sweep, deduplicated by endpoint.
type sweep struct {
	byKey map[string]int
	list  []Record
}

func newSweep() *sweep {
	return &sweep{byKey: make(map[string]int)}
}

// observe adds rec and reports whether its endpoint is new. A repeat
// refreshes LastSeen of the existing record.
func (s *sweep) observe(rec Record) bool {
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = time.Now()
	}
	rec.LastSeen = rec.FirstSeen

	key := transport.EndpointKey(rec.Addr)
	if i, ok := s.byKey[key]; ok {
		if rec.LastSeen.After(s.list[i].LastSeen) {
			s.list[i].LastSeen = rec.LastSeen
		}
		return false
	}
	s.byKey[key] = len(s.list)
	s.list = append(s.list, rec)
	return true
}

func (s *sweep) len() int {
	return len(s.list)
}

func (s *sweep) records() []Record {
	return s.list
}
