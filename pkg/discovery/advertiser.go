package discovery

import (
	"fmt"
	"net"
	"sync"

	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// maxInstanceNameLength is the DNS label limit.
const maxInstanceNameLength = 63

// MDNSServer is the interface for mDNS service registration.
// This allows for dependency injection in tests.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register creates a new mDNS server for the given service.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	server, err := zeroconf.Register(instance, service, domain, port, txt, ifaces)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// InstanceName returns the DNS-SD instance name an SP advertises under,
// e.g. "sled-3-BRM42220036".
func InstanceName(identity message.SpIdentity) string {
	return fmt.Sprintf("%s-%d-%s", identity.Type, identity.Slot, identity.Serial)
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// Interfaces specifies which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory is the factory for creating mDNS servers.
	// If nil, the default zeroconf factory is used.
	ServerFactory MDNSServerFactory

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes an SP's management endpoint over mDNS. The
// simulator uses it so hosts can find it without broadcast.
type Advertiser struct {
	config  AdvertiserConfig
	factory MDNSServerFactory
	log     logging.LeveledLogger

	mu     sync.Mutex
	server MDNSServer
	closed bool
}

// NewAdvertiser creates a new Advertiser with the given configuration.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	factory := config.ServerFactory
	if factory == nil {
		factory = zeroconfServerFactory{}
	}
	return &Advertiser{
		config:  config,
		factory: factory,
		log:     telemetry.Logger(config.LoggerFactory, "discovery"),
	}
}

// Start begins advertising identity at port.
func (a *Advertiser) Start(identity message.SpIdentity, port int) error {
	if port <= 0 || port > 65535 {
		return ErrInvalidPort
	}
	instance := InstanceName(identity)
	if identity.Serial == "" || len(instance) > maxInstanceNameLength {
		return ErrInvalidInstanceName
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		return ErrAlreadyStarted
	}

	server, err := a.factory.Register(instance, Service, DefaultDomain, port, EncodeTXT(identity), a.config.Interfaces)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", instance, err)
	}
	a.server = server

	a.log.Infof("advertising %s on port %d", instance, port)
	return nil
}

// Stop withdraws the advertisement. It is a no-op if not started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Close stops advertising and prevents further use.
func (a *Advertiser) Close() error {
	a.Stop()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
