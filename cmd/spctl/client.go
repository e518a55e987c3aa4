package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/backkem/spcomms/pkg/discovery"
	"github.com/backkem/spcomms/pkg/exchange"
	"go.uber.org/zap"
)

// client is the Manager and discovery state one command works with.
type client struct {
	mgr     *exchange.Manager
	sweeper *discovery.Sweeper
}

// newClient binds the management socket and registers the targets pinned
// in the config.
func newClient() (*client, error) {
	mgr, err := exchange.NewManager(exchange.Config{
		ListenAddr: cfg.Listen,
		Retry: exchange.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialTimeout: cfg.Retry.InitialTimeout,
			MaxTimeout:     cfg.Retry.MaxTimeout,
			Multiplier:     cfg.Retry.Multiplier,
			Jitter:         cfg.Retry.Jitter,
		},
		Metrics:       metrics,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return nil, err
	}
	c := &client{mgr: mgr}

	for name, addr := range cfg.Targets {
		id, err := exchange.ParseTargetID(name)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("config targets: %w", err)
		}
		udp, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("config targets: %s: %w", name, err)
		}
		if _, err := mgr.AddTarget(id, udp); err != nil {
			c.close()
			return nil, fmt.Errorf("config targets: %s: %w", name, err)
		}
	}

	return c, nil
}

// discoverer returns the sweeper, creating it on first use.
func (c *client) discoverer(mdns bool) (*discovery.Sweeper, error) {
	if c.sweeper != nil {
		return c.sweeper, nil
	}

	config := discovery.Config{
		Manager:       c.mgr,
		Timeout:       cfg.Discovery.Timeout,
		QuietPeriod:   cfg.Discovery.QuietPeriod,
		Metrics:       metrics,
		LoggerFactory: loggerFactory,
	}
	for _, a := range cfg.Discovery.Addrs {
		udp, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			return nil, fmt.Errorf("discovery address %q: %w", a, err)
		}
		config.Addrs = append(config.Addrs, udp)
	}
	if mdns || cfg.Discovery.MDNS {
		resolver, err := discovery.NewZeroconfResolver()
		if err != nil {
			return nil, err
		}
		config.MDNS = resolver
	}

	s, err := discovery.NewSweeper(config)
	if err != nil {
		return nil, err
	}
	c.sweeper = s
	return s, nil
}

// target returns the SP named by name, running a discovery sweep if its
// address is not pinned in the config.
func (c *client) target(ctx context.Context, name string) (*exchange.SingleSp, error) {
	id, err := exchange.ParseTargetID(name)
	if err != nil {
		return nil, err
	}
	if sp, err := c.mgr.Target(id); err == nil {
		return sp, nil
	}

	s, err := c.discoverer(false)
	if err != nil {
		return nil, err
	}
	records, err := s.Discover(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("discovering %s: %w", id, err)
	}
	if err := s.Register(records); err != nil {
		logger.Warn("registering discovered SPs", zap.Error(err))
	}
	sp, err := c.mgr.Target(id)
	if err != nil {
		return nil, fmt.Errorf("%s not found by discovery (%d SPs answered)", id, len(records))
	}
	return sp, nil
}

func (c *client) close() {
	c.mgr.Close()
}

// withClient runs fn with a client and a context cancelled on SIGINT or
// SIGTERM.
func withClient(fn func(ctx context.Context, c *client) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.close()
	return fn(ctx, c)
}

// withTarget is withClient for commands that address a single SP.
func withTarget(name string, fn func(ctx context.Context, sp *exchange.SingleSp) error) error {
	return withClient(func(ctx context.Context, c *client) error {
		sp, err := c.target(ctx, name)
		if err != nil {
			return err
		}
		return fn(ctx, sp)
	})
}
