package discovery

import "errors"

// Package-level sentinel errors for discovery operations.
var (
	// ErrNoManager is returned when a Sweeper is configured without an
	// exchange.Manager.
	ErrNoManager = errors.New("discovery: no exchange manager")

	// ErrNoDestinations is returned when a sweep has neither broadcast
	// destinations nor an mDNS resolver.
	ErrNoDestinations = errors.New("discovery: no destinations")

	// ErrSweepInProgress is returned when Discover is called while another
	// sweep on the same Sweeper is still running.
	ErrSweepInProgress = errors.New("discovery: sweep in progress")

	// ErrInvalidTXTRecord is returned when a TXT record has invalid format.
	ErrInvalidTXTRecord = errors.New("discovery: invalid TXT record format")

	// ErrInvalidInstanceName is returned when advertising with an empty
	// or overlong instance name.
	ErrInvalidInstanceName = errors.New("discovery: invalid instance name")

	// ErrInvalidPort is returned when the port number is out of range.
	ErrInvalidPort = errors.New("discovery: invalid port (must be 1-65535)")

	// ErrClosed is returned when an operation is attempted on a closed component.
	ErrClosed = errors.New("discovery: closed")

	// ErrAlreadyStarted is returned when starting an already-started service.
	ErrAlreadyStarted = errors.New("discovery: already started")
)
