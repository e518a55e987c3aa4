package transport

import (
	"net"
	"net/netip"
	"strconv"
)

// DefaultPort is the UDP port SPs listen on for management traffic.
const DefaultPort = 11111

// EndpointKey returns a canonical string for an endpoint, suitable as a map
// key. IPv4-mapped IPv6 UDP addresses collapse onto their IPv4 form so the
// same SP is never seen as two endpoints.
func EndpointKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if udp, ok := addr.(*net.UDPAddr); ok {
		ap := udp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String()
	}
	return addr.Network() + ":" + addr.String()
}

// ResolveUDPAddr parses "host:port", using DefaultPort when the port is
// omitted.
func ResolveUDPAddr(s string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(s); err != nil {
		s = net.JoinHostPort(s, strconv.Itoa(DefaultPort))
	}
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return nil, err
	}
	return addr, nil
}
