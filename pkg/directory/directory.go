// Package directory publishes the SPs found by discovery to etcd, so fleet
// tooling can watch a live map of the rack.
//
// Each SP is one key under the configured prefix, named after its target
// ("sled-14") and holding a JSON Entry. Every key is attached to a single
// lease that the Publisher keeps alive; when the publisher stops, the
// entries expire with the lease.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/backkem/spcomms/pkg/discovery"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/backkem/spcomms/pkg/transport"
	"github.com/pion/logging"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Defaults used when a Config field is zero.
const (
	DefaultPrefix = "/spcomms/sps"
	DefaultTTL    = 30 * time.Second
)

// Errors returned by the directory package.
var (
	ErrNoClient = errors.New("directory: KV and Leaser are required")
	ErrClosed   = errors.New("directory: publisher closed")
)

// KV is the subset of clientv3.KV the publisher uses.
type KV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
}

// Leaser is the subset of clientv3.Lease the publisher uses.
type Leaser interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
}

var (
	_ KV     = (*clientv3.Client)(nil)
	_ Leaser = (*clientv3.Client)(nil)
)

// NewClient connects to etcd.
func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// Config configures a Publisher.
type Config struct {
	// KV and Leaser are usually the same *clientv3.Client. Required.
	KV     KV
	Leaser Leaser

	// Prefix is the key prefix of every entry. Default: DefaultPrefix
	Prefix string

	// TTL is the lease time-to-live, rounded up to whole seconds.
	// Default: DefaultTTL
	TTL time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Entry is the JSON value stored for one SP.
type Entry struct {
	Target   string    `json:"target"`
	Serial   string    `json:"serial,omitempty"`
	Model    string    `json:"model,omitempty"`
	Revision uint32    `json:"revision,omitempty"`
	Addr     string    `json:"addr"`
	Port     uint8     `json:"port,omitempty"`
	Source   string    `json:"source"`
	LastSeen time.Time `json:"last_seen"`
}

// EntryOf converts a discovery record.
func EntryOf(r discovery.Record) Entry {
	e := Entry{
		Serial:   r.Identity.Serial,
		Model:    r.Identity.Model,
		Revision: r.Identity.Revision,
		Port:     uint8(r.Port),
		Source:   r.Source.String(),
		LastSeen: r.LastSeen,
	}
	if r.Addr != nil {
		e.Addr = r.Addr.String()
	}
	if r.Identity.Type.IsValid() {
		e.Target = r.Target().String()
	}
	return e
}

// name is the last key element of an entry: the target, or the endpoint
// for an SP whose identity is unknown.
func name(r discovery.Record) string {
	if r.Identity.Type.IsValid() {
		return r.Target().String()
	}
	return "addr-" + strings.NewReplacer("/", "_", ":", "_", "[", "", "]", "").Replace(transport.EndpointKey(r.Addr))
}

// Publisher mirrors the discovery table into etcd.
type Publisher struct {
	kv     KV
	leaser Leaser
	prefix string
	ttl    int64
	log    logging.LeveledLogger

	mu        sync.Mutex
	lease     clientv3.LeaseID
	stopAlive context.CancelFunc
	aliveDone chan struct{}
	keys      map[string]bool
	closed    bool
}

// NewPublisher creates a Publisher. No lease is granted until the first
// Publish.
func NewPublisher(config Config) (*Publisher, error) {
	if config.KV == nil || config.Leaser == nil {
		return nil, ErrNoClient
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	ttl := int64((config.TTL + time.Second - 1) / time.Second)

	return &Publisher{
		kv:     config.KV,
		leaser: config.Leaser,
		prefix: strings.TrimSuffix(config.Prefix, "/"),
		ttl:    ttl,
		log:    telemetry.Logger(config.LoggerFactory, "directory"),
		keys:   make(map[string]bool),
	}, nil
}

// Key returns the etcd key of a record.
func (p *Publisher) Key(r discovery.Record) string {
	return p.prefix + "/" + name(r)
}

// Publish replaces the published set with records. Keys published before
// but absent from records are deleted.
func (p *Publisher) Publish(ctx context.Context, records []discovery.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	lease, err := p.ensureLease(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(records))
	for _, r := range records {
		key := p.Key(r)
		val, err := json.Marshal(EntryOf(r))
		if err != nil {
			return fmt.Errorf("directory: encoding %s: %w", key, err)
		}
		if _, err := p.kv.Put(ctx, key, string(val), clientv3.WithLease(lease)); err != nil {
			return fmt.Errorf("directory: put %s: %w", key, err)
		}
		seen[key] = true
	}

	for key := range p.keys {
		if seen[key] {
			continue
		}
		if _, err := p.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("directory: delete %s: %w", key, err)
		}
	}
	p.keys = seen

	p.log.Debugf("published %d SPs under %s", len(records), p.prefix)
	return nil
}

// ensureLease grants a lease if there is no live one and starts keeping it
// alive. Caller must hold p.mu.
func (p *Publisher) ensureLease(ctx context.Context) (clientv3.LeaseID, error) {
	if p.aliveDone != nil {
		select {
		case <-p.aliveDone:
			p.log.Warnf("lease %x expired, granting a new one", int64(p.lease))
			p.stopAlive()
			p.aliveDone = nil
			p.lease = 0
		default:
			return p.lease, nil
		}
	}

	grant, err := p.leaser.Grant(ctx, p.ttl)
	if err != nil {
		return 0, fmt.Errorf("directory: grant lease: %w", err)
	}

	aliveCtx, cancel := context.WithCancel(context.Background())
	ch, err := p.leaser.KeepAlive(aliveCtx, grant.ID)
	if err != nil {
		cancel()
		return 0, fmt.Errorf("directory: keep lease alive: %w", err)
	}

	p.lease = grant.ID
	p.stopAlive = cancel
	p.aliveDone = make(chan struct{})
	go drain(ch, p.aliveDone)
	return grant.ID, nil
}

// drain consumes keep-alive responses until the channel closes, which
// happens when the lease expires or keeping it alive is cancelled.
func drain(ch <-chan *clientv3.LeaseKeepAliveResponse, done chan struct{}) {
	defer close(done)
	for range ch {
	}
}

// List returns every entry under the prefix, including those of other
// publishers.
func (p *Publisher) List(ctx context.Context) ([]Entry, error) {
	resp, err := p.kv.Get(ctx, p.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("directory: list: %w", err)
	}
	entries := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			p.log.Warnf("skipping %s: %v", kv.Key, err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close revokes the lease, removing every published entry.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	if p.aliveDone == nil {
		return nil
	}

	p.stopAlive()
	<-p.aliveDone
	p.aliveDone = nil
	p.keys = nil
	if _, err := p.leaser.Revoke(ctx, p.lease); err != nil {
		return fmt.Errorf("directory: revoke lease: %w", err)
	}
	return nil
}
