package exchange

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"

	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/backkem/spcomms/pkg/transport"
	"github.com/pion/logging"
)

// Manager owns the shared socket and the arena of per-target engines.
// Targets are independent: a slow or silent SP never delays requests to
// another one.
type Manager struct {
	config     Config
	udp        *transport.UDP
	log        logging.LeveledLogger
	metrics    *telemetry.Metrics
	backoff    *BackoffCalculator
	collectIDs *message.SequenceCounter

	mu         sync.RWMutex
	targets    map[TargetID]*SingleSp
	byAddr     map[string]*SingleSp
	collectors map[uint32]*Collector
	closed     bool
}

// NewManager binds the socket and starts the receive loop.
func NewManager(config Config) (*Manager, error) {
	config.applyDefaults()

	m := &Manager{
		config:     config,
		log:        telemetry.Logger(config.LoggerFactory, "exchange"),
		metrics:    config.Metrics,
		backoff:    NewBackoffCalculator(config.Random),
		collectIDs: message.NewSequenceCounter(),
		targets:    make(map[TargetID]*SingleSp),
		byAddr:     make(map[string]*SingleSp),
		collectors: make(map[uint32]*Collector),
	}

	udp, err := transport.NewUDP(transport.UDPConfig{
		Conn:           config.Conn,
		ListenAddr:     config.ListenAddr,
		MessageHandler: m.handleDatagram,
		LoggerFactory:  config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	if err := udp.Start(); err != nil {
		udp.Stop()
		return nil, err
	}
	m.udp = udp

	return m, nil
}

// Close stops the receive loop and fails every pending request with
// ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	targets := make([]*SingleSp, 0, len(m.targets))
	for _, sp := range m.targets {
		targets = append(targets, sp)
	}
	collectors := make([]*Collector, 0, len(m.collectors))
	for _, c := range m.collectors {
		collectors = append(collectors, c)
	}
	m.mu.Unlock()

	for _, sp := range targets {
		sp.close()
	}
	for _, c := range collectors {
		c.Close()
	}

	return m.udp.Stop()
}

// LocalAddr returns the address of the shared socket.
func (m *Manager) LocalAddr() net.Addr {
	return m.udp.LocalAddr()
}

// AddTarget creates the engine for one SP. addr may be nil when the endpoint
// is not known yet; requests then fail with ErrNoAddress until
// SetTargetAddr is called.
func (m *Manager) AddTarget(id TargetID, addr net.Addr) (*SingleSp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if _, exists := m.targets[id]; exists {
		return nil, ErrTargetExists
	}
	key := transport.EndpointKey(addr)
	if key != "" {
		if _, taken := m.byAddr[key]; taken {
			return nil, ErrAddrInUse
		}
	}

	sp := newSingleSp(m, id, addr)
	m.targets[id] = sp
	if key != "" {
		m.byAddr[key] = sp
	}

	m.log.Infof("added target %s at %v", id, addr)
	return sp, nil
}

// Target returns the engine for id.
func (m *Manager) Target(id TargetID) (*SingleSp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sp, ok := m.targets[id]
	if !ok {
		return nil, ErrUnknownTarget
	}
	return sp, nil
}

// Targets returns the ids of every target, sorted by type then slot.
func (m *Manager) Targets() []TargetID {
	m.mu.RLock()
	ids := make([]TargetID, 0, len(m.targets))
	for id := range m.targets {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Type != ids[j].Type {
			return ids[i].Type < ids[j].Type
		}
		return ids[i].Slot < ids[j].Slot
	})
	return ids
}

// RemoveTarget closes the engine for id. Its pending requests fail with
// ErrClosed and its subscriptions are closed.
func (m *Manager) RemoveTarget(id TargetID) error {
	m.mu.Lock()
	sp, ok := m.targets[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownTarget
	}
	delete(m.targets, id)
	if key := transport.EndpointKey(sp.Addr()); key != "" && m.byAddr[key] == sp {
		delete(m.byAddr, key)
	}
	m.mu.Unlock()

	sp.close()
	return nil
}

// SetTargetAddr moves a target to a new endpoint. Requests already in flight
// use the new endpoint from their next send.
func (m *Manager) SetTargetAddr(id TargetID, addr net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, ok := m.targets[id]
	if !ok {
		return ErrUnknownTarget
	}
	newKey := transport.EndpointKey(addr)
	if other, taken := m.byAddr[newKey]; taken && other != sp {
		return ErrAddrInUse
	}
	if oldKey := transport.EndpointKey(sp.Addr()); oldKey != "" && m.byAddr[oldKey] == sp {
		delete(m.byAddr, oldKey)
	}
	if newKey != "" {
		m.byAddr[newKey] = sp
	}
	sp.setAddr(addr)
	return nil
}

// Request sends body to the target and waits for a reply of the expected
// kind, retrying on loss.
func (m *Manager) Request(ctx context.Context, id TargetID, body message.Body, expected message.Kind) (*message.Message, error) {
	sp, err := m.Target(id)
	if err != nil {
		return nil, err
	}
	return sp.Request(ctx, body, expected)
}

// send writes one datagram on the shared socket.
func (m *Manager) send(data []byte, addr net.Addr) error {
	return m.udp.Send(data, addr)
}

// handleDatagram is the receive loop callback. A datagram that cannot be
// decoded or routed is dropped; the loop always continues.
func (m *Manager) handleDatagram(rm *transport.ReceivedMessage) {
	msg, err := message.Decode(rm.Data)
	if err != nil {
		var uv *message.UnknownVariantError
		if errors.As(err, &uv) {
			m.log.Debugf("dropping unknown variant 0x%04X from %v", uint16(uv.Kind), rm.Addr)
		} else {
			m.log.Warnf("dropping datagram from %v: %v", rm.Addr, err)
		}
		m.metrics.Datagram(routeMalformed.String())
		return
	}

	r := m.route(msg, rm)
	m.metrics.Datagram(r.String())
	if r == routeUnrouted {
		m.log.Warnf("dropping %s id %d from unknown endpoint %v", msg.Kind(), msg.ID, rm.Addr)
	}
}

func (m *Manager) route(msg *message.Message, rm *transport.ReceivedMessage) route {
	key := transport.EndpointKey(rm.Addr)

	m.mu.RLock()
	sp := m.byAddr[key]
	c := m.collectors[msg.ID]
	m.mu.RUnlock()

	if sp != nil {
		if r, ok := sp.deliver(msg); ok {
			return r
		}
	}
	if c != nil && c.deliver(msg, rm) {
		return routeCollected
	}
	if sp != nil {
		return sp.handleUnmatched(msg, rm.ReceivedAt)
	}
	return routeUnrouted
}
