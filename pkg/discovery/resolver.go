package discovery

import (
	"context"
	"net"
	"sort"

	"github.com/grandcat/zeroconf"
)

// DNS-SD names of the SP management service.
const (
	// Service is the DNS-SD service type SPs advertise.
	Service = "_sp-mgmt._udp"

	// DefaultDomain is the default mDNS domain.
	DefaultDomain = "local."
)

// MDNSResolver is the interface for mDNS service browsing.
// This allows for dependency injection in tests.
//
// Browse sends every entry it finds to entries and returns when ctx is done
// or it has nothing more to report. It must not send after returning and
// must not close entries.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

// NewZeroconfResolver returns an MDNSResolver browsing on all interfaces.
func NewZeroconfResolver() (MDNSResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

// Browse runs zeroconf's asynchronous browse and forwards its results until
// zeroconf closes its channel or ctx ends.
func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	found := make(chan *zeroconf.ServiceEntry)
	if err := z.resolver.Browse(ctx, service, domain, found); err != nil {
		return err
	}
	for {
		select {
		case e, ok := <-found:
			if !ok {
				return nil
			}
			select {
			case entries <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// entryAddr returns the most preferred endpoint of an mDNS entry, or nil if
// it carries no address.
func entryAddr(entry *zeroconf.ServiceEntry) *net.UDPAddr {
	var ips []net.IP
	ips = append(ips, entry.AddrIPv6...)
	ips = append(ips, entry.AddrIPv4...)
	ips = SortIPsByPreference(ips)
	if len(ips) == 0 {
		return nil
	}
	return &net.UDPAddr{IP: ips[0], Port: entry.Port}
}

// SortIPsByPreference sorts IP addresses by preference.
// Priority order (highest to lowest):
//  1. IPv6 global unicast
//  2. IPv6 unique local (fc00::/7)
//  3. IPv6 link-local (fe80::/10)
//  4. IPv4
//
// The input slice is not modified.
func SortIPsByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}

	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)

	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})

	return sorted
}

// ipPriority returns the priority of an IP address (lower is better).
func ipPriority(ip net.IP) int {
	ip = ip.To16()
	if ip == nil {
		return 99
	}

	switch {
	case ip.To4() != nil:
		return 50
	case ip.IsLinkLocalUnicast():
		return 30
	case len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc:
		return 20
	case ip.IsGlobalUnicast():
		return 10
	default:
		return 40
	}
}
