package transport

import (
	"net"
	"time"
)

// ReceivedMessage is one datagram as it came off the socket. Decoding is
// left to the layer above.
type ReceivedMessage struct {
	// Data contains the raw datagram bytes.
	Data []byte
	// Addr is the endpoint the datagram came from.
	Addr net.Addr
	// ReceivedAt is when the read loop returned the datagram.
	ReceivedAt time.Time
}

// MessageHandler is called for each received message.
// Implementations should process messages quickly or dispatch to a goroutine
// to avoid blocking the transport's read loop.
type MessageHandler func(msg *ReceivedMessage)
