package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/pion/logging"
)

const (
	udpIdle int32 = iota
	udpRunning
	udpStopped
)

// UDP owns the single socket shared by every target. Start runs a read
// loop that hands each datagram to the MessageHandler; Send writes one
// datagram. Nothing above the socket is interpreted here.
type UDP struct {
	conn    net.PacketConn
	handler MessageHandler
	log     logging.LeveledLogger

	state atomic.Int32
	wg    sync.WaitGroup

	sent       atomic.Uint64
	received   atomic.Uint64
	sendErrors atomic.Uint64
	readErrors atomic.Uint64
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn is an existing socket to use. The transport takes ownership
	// and closes it on Stop. If nil, one is bound to ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to bind when Conn is nil. Default: ":0"
	ListenAddr string

	// MessageHandler receives every datagram. Required.
	MessageHandler MessageHandler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// UDPStats counts the datagrams that crossed the socket.
type UDPStats struct {
	Sent       uint64
	Received   uint64
	SendErrors uint64
	ReadErrors uint64
}

// NewUDP binds the socket. The read loop starts with Start.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}

	conn := config.Conn
	if conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		var err error
		if conn, err = net.ListenPacket("udp", addr); err != nil {
			return nil, &Error{Op: "listen", Err: err}
		}
	}

	return &UDP{
		conn:    conn,
		handler: config.MessageHandler,
		log:     telemetry.Logger(config.LoggerFactory, "transport"),
	}, nil
}

// Start runs the read loop.
func (u *UDP) Start() error {
	if !u.state.CompareAndSwap(udpIdle, udpRunning) {
		if u.state.Load() == udpStopped {
			return ErrClosed
		}
		return ErrAlreadyStarted
	}

	u.log.Infof("listening on %s", u.conn.LocalAddr())
	u.wg.Add(1)
	go u.readLoop()
	return nil
}

// Stop closes the socket and waits for the read loop to return. A transport
// that was never started can be stopped too.
func (u *UDP) Stop() error {
	if u.state.Swap(udpStopped) == udpStopped {
		return ErrClosed
	}

	// Closing alone does not wake ReadFrom on every PacketConn.
	u.conn.SetReadDeadline(time.Now())
	err := u.conn.Close()
	u.wg.Wait()

	st := u.Stats()
	u.log.Infof("closed %s (sent %d, received %d)", u.conn.LocalAddr(), st.Sent, st.Received)
	if err != nil && !isClosedErr(err) {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

// Send writes one datagram to addr. Socket failures come back as *Error and
// are never retried here.
func (u *UDP) Send(data []byte, addr net.Addr) error {
	switch {
	case u.state.Load() == udpStopped:
		return ErrClosed
	case addr == nil:
		return ErrInvalidAddress
	case len(data) > message.MaxSerializedSize:
		return ErrMessageTooLarge
	}

	if _, err := u.conn.WriteTo(data, addr); err != nil {
		u.sendErrors.Add(1)
		u.log.Warnf("send to %v: %v", addr, err)
		return &Error{Op: "send", Addr: addr, Err: err}
	}
	u.sent.Add(1)
	u.log.Tracef("sent %d bytes to %v", len(data), addr)
	return nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Stats returns the datagram counters.
func (u *UDP) Stats() UDPStats {
	return UDPStats{
		Sent:       u.sent.Load(),
		Received:   u.received.Load(),
		SendErrors: u.sendErrors.Load(),
		ReadErrors: u.readErrors.Load(),
	}
}

func (u *UDP) readLoop() {
	defer u.wg.Done()

	// One byte past the limit so an oversized datagram reaches the decoder
	// as oversized rather than truncated to a valid length.
	buf := make([]byte, message.MaxSerializedSize+1)

	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			if u.state.Load() == udpStopped || isClosedErr(err) {
				return
			}
			u.readErrors.Add(1)
			u.log.Warnf("read: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		u.received.Add(1)
		u.log.Tracef("received %d bytes from %v", n, addr)
		u.handler(&ReceivedMessage{
			Data:       append([]byte(nil), buf[:n]...),
			Addr:       addr,
			ReceivedAt: time.Now(),
		})
	}
}

// isClosedErr reports errors after which the socket cannot be read again.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
