// Package spsim is an in-process service processor that answers the whole
// message catalog over any net.PacketConn. Tests and "spctl sim" use it as
// the far end of the protocol.
package spsim

import (
	"fmt"
	"hash/crc32"
	"net"
	"sync"

	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/backkem/spcomms/pkg/tlv"
	"github.com/backkem/spcomms/pkg/transport"
	"github.com/pion/logging"
	"golang.org/x/crypto/blake2b"
)

// DefaultMaxChunkSize is the largest update chunk the simulator accepts.
const DefaultMaxChunkSize = 512

// responseCacheSize bounds the number of replies kept for retransmissions.
const responseCacheSize = 256

// Config configures a simulated SP.
type Config struct {
	// Conn is an optional pre-existing PacketConn to serve on.
	// If nil, a UDP socket is bound to ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to serve on. Default: "127.0.0.1:0"
	ListenAddr string

	// Identity is reported by Discover and SpState.
	Identity message.SpIdentity

	// Port is the switch port reported by Discover. Default: SpPort1
	Port message.SpPort

	// FirmwareVersion is reported by SpState.
	FirmwareVersion string

	// Inventory is served by paginated Inventory requests.
	Inventory []tlv.Device

	// Ignition is the state of the ignition targets behind this SP.
	Ignition []tlv.Ignition

	// MaxChunkSize caps the accepted update chunk size.
	// Default: DefaultMaxChunkSize
	MaxChunkSize uint32

	// ConsoleAcceptMax caps how many console bytes one write may add.
	// 0 accepts everything.
	ConsoleAcceptMax int

	// ConsoleEcho sends accepted console input back as console output.
	ConsoleEcho bool

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

type cacheKey struct {
	peer string
	id   uint32
}

type updateBuffer struct {
	id        message.UpdateID
	component string
	total     uint32
	state     message.UpdateState
	data      []byte
}

// SP is a simulated service processor.
type SP struct {
	config Config
	udp    *transport.UDP
	log    logging.LeveledLogger

	mu         sync.Mutex
	power      message.PowerState
	prepared   bool
	resets     int
	requests   map[message.Kind]int
	cache      map[cacheKey][]byte
	cacheOrder []cacheKey
	busy       int
	silent     bool
	overrides  map[message.Kind]message.Body
	corrupt    bool
	eventID    uint32

	consolePeer  net.Addr
	consoleIn    []byte
	consoleOut   uint64
	consoleBreak int

	updates map[message.UpdateID]*updateBuffer
	active  map[string]message.UpdateID
}

// New creates a simulated SP and starts serving.
func New(config Config) (*SP, error) {
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:0"
	}
	if config.Port == 0 {
		config.Port = message.SpPort1
	}
	if config.MaxChunkSize == 0 {
		config.MaxChunkSize = DefaultMaxChunkSize
	}
	config.Inventory = append([]tlv.Device(nil), config.Inventory...)
	config.Ignition = append([]tlv.Ignition(nil), config.Ignition...)

	sp := &SP{
		config:    config,
		log:       telemetry.Logger(config.LoggerFactory, "spsim"),
		power:     message.PowerStateA2,
		requests:  make(map[message.Kind]int),
		cache:     make(map[cacheKey][]byte),
		overrides: make(map[message.Kind]message.Body),
		updates:   make(map[message.UpdateID]*updateBuffer),
		active:    make(map[string]message.UpdateID),
	}

	udp, err := transport.NewUDP(transport.UDPConfig{
		Conn:           config.Conn,
		ListenAddr:     config.ListenAddr,
		MessageHandler: sp.handle,
		LoggerFactory:  config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	if err := udp.Start(); err != nil {
		udp.Stop()
		return nil, err
	}
	sp.udp = udp

	return sp, nil
}

// Close stops serving.
func (s *SP) Close() error {
	return s.udp.Stop()
}

// Addr returns the address the SP serves on.
func (s *SP) Addr() net.Addr {
	return s.udp.LocalAddr()
}

// SetSilent makes the SP ignore every datagram while on.
func (s *SP) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// SetBusy makes the SP answer the next n requests with a Busy error.
func (s *SP) SetBusy(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = n
}

// Override answers every request of kind with body instead of the normal
// reply. A nil body removes the override.
func (s *SP) Override(kind message.Kind, body message.Body) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if body == nil {
		delete(s.overrides, kind)
		return
	}
	s.overrides[kind] = body
}

// CorruptDigests makes UpdateVerify report a wrong digest.
func (s *SP) CorruptDigests(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = on
}

// Requests returns how many datagrams of kind arrived, retransmissions
// included.
func (s *SP) Requests(kind message.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[kind]
}

// Resets returns how many times ResetTrigger rebooted the SP.
func (s *SP) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Power returns the current host power state.
func (s *SP) Power() message.PowerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

// ConsoleInput returns the console bytes accepted from the host.
func (s *SP) ConsoleInput() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.consoleIn...)
}

// ConsoleBreaks returns how many serial breaks the host sent.
func (s *SP) ConsoleBreaks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consoleBreak
}

// ConsoleAttached reports whether a host holds the console.
func (s *SP) ConsoleAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consolePeer != nil
}

// UpdateData returns the image bytes received for id.
func (s *SP) UpdateData(id message.UpdateID) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.updates[id]; ok {
		return append([]byte(nil), u.data...)
	}
	return nil
}

// PushConsole sends console output to the attached host, split into as
// many SerialConsoleData events as needed.
func (s *SP) PushConsole(data []byte) error {
	s.mu.Lock()
	peer := s.consolePeer
	offset := s.consoleOut
	s.consoleOut += uint64(len(data))
	s.mu.Unlock()

	if peer == nil {
		return fmt.Errorf("spsim: console not attached")
	}
	return s.sendConsole(peer, offset, data)
}

func (s *SP) sendConsole(peer net.Addr, offset uint64, data []byte) error {
	for len(data) > 0 {
		buf, n, err := message.EncodeTrailing(s.nextEventID(), &message.SerialConsoleData{Offset: offset}, data)
		if err != nil {
			return err
		}
		if err := s.udp.Send(buf, peer); err != nil {
			return err
		}
		data = data[n:]
		offset += uint64(n)
	}
	return nil
}

// PushConsoleAt sends one SerialConsoleData event with an explicit offset,
// for exercising reordering and gaps.
func (s *SP) PushConsoleAt(offset uint64, data []byte) error {
	s.mu.Lock()
	peer := s.consolePeer
	s.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("spsim: console not attached")
	}
	return s.sendEvent(peer, &message.SerialConsoleData{Offset: offset}, data)
}

// PushEvent sends an arbitrary event to peer.
func (s *SP) PushEvent(peer net.Addr, body message.Body) error {
	return s.sendEvent(peer, body, nil)
}

func (s *SP) sendEvent(peer net.Addr, body message.Body, data []byte) error {
	buf, err := message.Encode(&message.Message{ID: s.nextEventID(), Body: body, Data: data})
	if err != nil {
		return err
	}
	return s.udp.Send(buf, peer)
}

func (s *SP) nextEventID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventID++
	return s.eventID
}

// handle is the transport callback for one datagram.
func (s *SP) handle(rm *transport.ReceivedMessage) {
	msg, err := message.Decode(rm.Data)
	if err != nil {
		s.log.Warnf("dropping datagram from %v: %v", rm.Addr, err)
		return
	}
	if !msg.Kind().IsRequest() {
		s.log.Debugf("ignoring %s from %v", msg.Kind(), rm.Addr)
		return
	}

	key := cacheKey{peer: transport.EndpointKey(rm.Addr), id: msg.ID}

	s.mu.Lock()
	s.requests[msg.Kind()]++
	if s.silent {
		s.mu.Unlock()
		return
	}
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		s.send(cached, rm.Addr)
		return
	}
	if s.busy > 0 {
		s.busy--
		s.mu.Unlock()
		s.reply(rm.Addr, msg.ID, &message.Error{Code: message.ErrorCodeBusy}, nil, false)
		return
	}
	body, data, cache := s.serve(msg, rm.Addr)
	s.mu.Unlock()

	if body == nil {
		return
	}
	buf := s.reply(rm.Addr, msg.ID, body, data, cache)
	if buf != nil && cache {
		s.mu.Lock()
		s.remember(key, buf)
		s.mu.Unlock()
	}
}

func (s *SP) reply(peer net.Addr, id uint32, body message.Body, data []byte, cache bool) []byte {
	buf, err := message.Encode(&message.Message{ID: id, Body: body, Data: data})
	if err != nil {
		s.log.Errorf("encoding %s: %v", body.Kind(), err)
		return nil
	}
	s.send(buf, peer)
	return buf
}

func (s *SP) send(buf []byte, peer net.Addr) {
	if err := s.udp.Send(buf, peer); err != nil {
		s.log.Warnf("send to %v failed: %v", peer, err)
	}
}

// remember stores a reply for retransmissions of the same request.
// Caller must hold s.mu.
func (s *SP) remember(key cacheKey, buf []byte) {
	if _, ok := s.cache[key]; ok {
		return
	}
	if len(s.cacheOrder) >= responseCacheSize {
		delete(s.cache, s.cacheOrder[0])
		s.cacheOrder = s.cacheOrder[1:]
	}
	s.cache[key] = buf
	s.cacheOrder = append(s.cacheOrder, key)
}

func errorBody(code message.ErrorCode) message.Body {
	return &message.Error{Code: code}
}

// serve computes the reply to one request. A nil body sends nothing.
// Caller must hold s.mu.
func (s *SP) serve(msg *message.Message, peer net.Addr) (body message.Body, data []byte, cache bool) {
	if o, ok := s.overrides[msg.Kind()]; ok {
		return o, nil, true
	}

	switch req := msg.Body.(type) {
	case *message.Discover:
		return &message.DiscoverResponse{Port: s.config.Port, Identity: s.config.Identity}, nil, true

	case *message.SpState:
		return &message.SpStateResponse{
			Identity:        s.config.Identity,
			FirmwareVersion: s.config.FirmwareVersion,
			PowerState:      s.power,
		}, nil, true

	case *message.Inventory:
		return s.inventoryPage(req.Offset)

	case *message.BulkIgnitionState:
		return s.ignitionPage(req.Offset)

	case *message.PowerStateQuery:
		return &message.PowerStateResponse{State: s.power}, nil, true

	case *message.SetPowerState:
		changed := s.power != req.State
		s.power = req.State
		return &message.SetPowerStateAck{Changed: changed}, nil, true

	case *message.ResetPrepare:
		s.prepared = true
		return &message.ResetPrepareAck{}, nil, true

	case *message.ResetTrigger:
		if !s.prepared {
			return errorBody(message.ErrorCodeResetTriggerWithoutPrepare), nil, true
		}
		s.reset()
		return nil, nil, false

	case *message.IgnitionStateQuery:
		for _, g := range s.config.Ignition {
			if g.Target == req.Target {
				return &message.IgnitionStateResponse{Target: g.Target, State: g.State}, nil, true
			}
		}
		return errorBody(message.ErrorCodeIgnitionTargetAbsent), nil, true

	case *message.IgnitionCommandRequest:
		return s.ignitionCommand(req, peer)

	case *message.SerialConsoleAttach:
		if s.consolePeer != nil && transport.EndpointKey(s.consolePeer) != transport.EndpointKey(peer) {
			return errorBody(message.ErrorCodeConsoleAlreadyAttached), nil, true
		}
		s.consolePeer = peer
		s.consoleIn = nil
		s.consoleOut = 0
		return &message.SerialConsoleAttachAck{}, nil, true

	case *message.SerialConsoleWrite:
		if !s.attached(peer) {
			return errorBody(message.ErrorCodeConsoleNotAttached), nil, true
		}
		return &message.SerialConsoleWriteAck{FurthestOffset: s.consoleWrite(req.Offset, msg.Data)}, nil, true

	case *message.SerialConsoleKeepAlive:
		if !s.attached(peer) {
			return errorBody(message.ErrorCodeConsoleNotAttached), nil, true
		}
		return &message.SerialConsoleKeepAliveAck{}, nil, true

	case *message.SerialConsoleDetach:
		if !s.attached(peer) {
			return errorBody(message.ErrorCodeConsoleNotAttached), nil, true
		}
		s.consolePeer = nil
		return &message.SerialConsoleDetachAck{}, nil, true

	case *message.SerialConsoleBreak:
		if !s.attached(peer) {
			return errorBody(message.ErrorCodeConsoleNotAttached), nil, true
		}
		s.consoleBreak++
		return &message.SerialConsoleBreakAck{}, nil, true

	case *message.UpdatePrepare:
		return s.updatePrepare(req), nil, true

	case *message.UpdateChunk:
		return s.updateChunk(req, msg.Data), nil, true

	case *message.UpdateVerify:
		u, ok := s.updates[req.ID]
		if !ok {
			return errorBody(message.ErrorCodeUpdateNotPrepared), nil, true
		}
		resp := &message.UpdateVerifyResponse{ID: req.ID, Digest: blake2b.Sum256(u.data)}
		if s.corrupt {
			resp.Digest[0] ^= 0xFF
		}
		if uint32(len(u.data)) == u.total {
			u.state = message.UpdateStateComplete
		}
		return resp, nil, true

	case *message.UpdateStatusQuery:
		resp := &message.UpdateStatusResponse{State: message.UpdateStateNone}
		if id, ok := s.active[req.Component]; ok {
			u := s.updates[id]
			resp.ID = id
			resp.State = u.state
			resp.Received = uint32(len(u.data))
			resp.Total = u.total
		}
		return resp, nil, true

	case *message.UpdateAbort:
		u, ok := s.updates[req.ID]
		if !ok || u.component != req.Component {
			return errorBody(message.ErrorCodeUpdateNotPrepared), nil, true
		}
		u.state = message.UpdateStateAborted
		return &message.UpdateAbortAck{}, nil, true
	}

	return errorBody(message.ErrorCodeRequestUnsupported), nil, true
}

func (s *SP) attached(peer net.Addr) bool {
	return s.consolePeer != nil && transport.EndpointKey(s.consolePeer) == transport.EndpointKey(peer)
}

// reset simulates a reboot: volatile state and the reply cache are lost.
func (s *SP) reset() {
	s.resets++
	s.prepared = false
	s.consolePeer = nil
	s.consoleIn = nil
	s.consoleOut = 0
	s.cache = make(map[cacheKey][]byte)
	s.cacheOrder = nil
	s.log.Infof("SP reset (%d)", s.resets)
}

func (s *SP) inventoryPage(offset uint32) (message.Body, []byte, bool) {
	total := uint32(len(s.config.Inventory))
	if offset > total {
		return errorBody(message.ErrorCodeBadRequest), nil, true
	}
	w := tlv.NewWriter(message.MaxTrailingData(message.KindInventoryResponse))
	for _, d := range s.config.Inventory[offset:] {
		if err := w.PutDevice(d); err != nil {
			break
		}
	}
	return &message.InventoryResponse{Page: message.Page{Offset: offset, Total: total}}, w.Bytes(), true
}

func (s *SP) ignitionPage(offset uint32) (message.Body, []byte, bool) {
	total := uint32(len(s.config.Ignition))
	if offset > total {
		return errorBody(message.ErrorCodeBadRequest), nil, true
	}
	w := tlv.NewWriter(message.MaxTrailingData(message.KindBulkIgnitionStateResponse))
	for _, g := range s.config.Ignition[offset:] {
		if err := w.PutIgnition(g); err != nil {
			break
		}
	}
	return &message.BulkIgnitionStateResponse{Page: message.Page{Offset: offset, Total: total}}, w.Bytes(), true
}

func (s *SP) ignitionCommand(req *message.IgnitionCommandRequest, peer net.Addr) (message.Body, []byte, bool) {
	for i := range s.config.Ignition {
		g := &s.config.Ignition[i]
		if g.Target != req.Target {
			continue
		}
		switch req.Command {
		case message.IgnitionPowerOn, message.IgnitionPowerReset:
			g.State.Powered = true
		case message.IgnitionPowerOff:
			g.State.Powered = false
		}
		changed := &message.IgnitionChanged{Target: g.Target, State: g.State}
		go s.PushEvent(peer, changed)
		return &message.IgnitionCommandAck{}, nil, true
	}
	return errorBody(message.ErrorCodeIgnitionTargetAbsent), nil, true
}

// consoleWrite accepts the part of data that continues the inbound stream
// and returns the furthest contiguous offset.
func (s *SP) consoleWrite(offset uint64, data []byte) uint64 {
	have := uint64(len(s.consoleIn))
	if offset > have {
		return have
	}
	skip := have - offset
	if uint64(len(data)) <= skip {
		return have
	}
	fresh := data[skip:]
	if max := s.config.ConsoleAcceptMax; max > 0 && len(fresh) > max {
		fresh = fresh[:max]
	}
	s.consoleIn = append(s.consoleIn, fresh...)

	if s.config.ConsoleEcho {
		peer, out := s.consolePeer, s.consoleOut
		s.consoleOut += uint64(len(fresh))
		echo := append([]byte(nil), fresh...)
		go s.sendConsole(peer, out, echo)
	}
	return uint64(len(s.consoleIn))
}

func (s *SP) updatePrepare(req *message.UpdatePrepare) message.Body {
	if id, ok := s.active[req.Component]; ok && id != req.ID {
		if s.updates[id].state == message.UpdateStateInProgress {
			return errorBody(message.ErrorCodeUpdateInProgress)
		}
	}

	u, ok := s.updates[req.ID]
	switch {
	case req.ResumeOffset == 0:
		u = &updateBuffer{id: req.ID, component: req.Component, total: req.TotalSize}
		s.updates[req.ID] = u
	case !ok || u.total != req.TotalSize || req.ResumeOffset > uint32(len(u.data)):
		return errorBody(message.ErrorCodeUpdateResumeInvalid)
	default:
		u.data = u.data[:req.ResumeOffset]
	}
	u.state = message.UpdateStateInProgress
	s.active[req.Component] = req.ID

	chunk := req.ChunkSize
	if chunk > s.config.MaxChunkSize {
		chunk = s.config.MaxChunkSize
	}
	if max := uint32(message.MaxTrailingData(message.KindUpdateChunk)); chunk > max {
		chunk = max
	}
	return &message.UpdatePrepareAck{ChunkSize: chunk, ResumeOffset: req.ResumeOffset}
}

func (s *SP) updateChunk(req *message.UpdateChunk, data []byte) message.Body {
	u, ok := s.updates[req.ID]
	if !ok || u.state != message.UpdateStateInProgress {
		return errorBody(message.ErrorCodeUpdateNotPrepared)
	}
	if crc32.ChecksumIEEE(data) != req.CRC {
		return errorBody(message.ErrorCodeUpdateChunkCRC)
	}
	have := uint32(len(u.data))
	end := req.Offset + uint32(len(data))
	if req.Offset > have || end > u.total {
		return &message.Error{Code: message.ErrorCodeUpdateChunkOffset, Detail: have}
	}
	if end > have {
		u.data = append(u.data, data[have-req.Offset:]...)
	}
	return &message.UpdateChunkAck{ID: req.ID, NextOffset: end}
}
