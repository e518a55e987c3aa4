package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/backkem/spcomms/pkg/discovery"
	"github.com/backkem/spcomms/pkg/message"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type fakeKV struct {
	mu     sync.Mutex
	data   map[string]string
	puts   int
	putErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.data[key] = val
	f.puts++
	return &clientv3.PutResponse{}, nil
}

// Get treats every key as a prefix.
func (f *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	resp := &clientv3.GetResponse{}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(f.data[k])})
	}
	resp.Count = int64(len(keys))
	return resp, nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return &clientv3.DeleteResponse{}, nil
}

func (f *fakeKV) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type fakeLeaser struct {
	mu      sync.Mutex
	next    clientv3.LeaseID
	ttls    []int64
	revoked []clientv3.LeaseID
	expire  map[clientv3.LeaseID]context.CancelFunc
}

func newFakeLeaser() *fakeLeaser {
	return &fakeLeaser{next: 0x100, expire: make(map[clientv3.LeaseID]context.CancelFunc)}
}

func (f *fakeLeaser) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.ttls = append(f.ttls, ttl)
	return &clientv3.LeaseGrantResponse{ID: f.next, TTL: ttl}, nil
}

func (f *fakeLeaser) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	inner, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.expire[id] = cancel
	f.mu.Unlock()

	ch := make(chan *clientv3.LeaseKeepAliveResponse, 1)
	ch <- &clientv3.LeaseKeepAliveResponse{ID: id}
	go func() {
		<-inner.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeLeaser) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

// expireLease ends the keep-alive stream of id as etcd does when a lease
// is lost.
func (f *fakeLeaser) expireLease(id clientv3.LeaseID) {
	f.mu.Lock()
	cancel := f.expire[id]
	f.mu.Unlock()
	cancel()
}

func (f *fakeLeaser) grants() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ttls)
}

func record(typ message.SpType, slot uint16, serial, addr string) discovery.Record {
	return discovery.Record{
		Addr:     net.UDPAddrFromAddrPort(netipMust(addr)),
		Identity: message.SpIdentity{Type: typ, Slot: slot, Serial: serial, Model: "913-0000019"},
		Port:     message.SpPort1,
		Source:   discovery.SourceBroadcast,
		LastSeen: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestPublisher(t *testing.T) (*Publisher, *fakeKV, *fakeLeaser) {
	t.Helper()
	kv, leaser := newFakeKV(), newFakeLeaser()
	p, err := NewPublisher(Config{KV: kv, Leaser: leaser})
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	return p, kv, leaser
}

func TestPublish(t *testing.T) {
	p, kv, leaser := newTestPublisher(t)
	ctx := context.Background()

	records := []discovery.Record{
		record(message.SpTypeSled, 3, "BRM00000003", "[fe80::3]:11111"),
		record(message.SpTypeSwitch, 1, "BRM00000101", "[fe80::101]:11111"),
	}
	if err := p.Publish(ctx, records); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	want := []string{"/spcomms/sps/sled-3", "/spcomms/sps/switch-1"}
	if got := kv.keys(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("keys = %v, want %v", got, want)
	}

	var e Entry
	if err := json.Unmarshal([]byte(kv.data["/spcomms/sps/sled-3"]), &e); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if e.Target != "sled-3" || e.Serial != "BRM00000003" || e.Addr != "[fe80::3]:11111" || e.Source != "broadcast" {
		t.Errorf("entry = %+v", e)
	}
	if leaser.grants() != 1 || leaser.ttls[0] != 30 {
		t.Errorf("grants = %v, want one 30s lease", leaser.ttls)
	}

	// A smaller table removes the missing SP and reuses the lease.
	if err := p.Publish(ctx, records[:1]); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := kv.keys(); len(got) != 1 || got[0] != want[0] {
		t.Errorf("keys after shrink = %v, want [%s]", got, want[0])
	}
	if leaser.grants() != 1 {
		t.Errorf("grants = %d, want 1", leaser.grants())
	}
}

func TestPublishRegrantsExpiredLease(t *testing.T) {
	p, _, leaser := newTestPublisher(t)
	ctx := context.Background()
	recs := []discovery.Record{record(message.SpTypeSled, 3, "BRM00000003", "10.0.0.3:11111")}

	if err := p.Publish(ctx, recs); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	first := p.lease
	leaser.expireLease(first)

	select {
	case <-p.aliveDone:
	case <-time.After(time.Second):
		t.Fatal("keep-alive stream did not end")
	}

	if err := p.Publish(ctx, recs); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if leaser.grants() != 2 {
		t.Errorf("grants = %d, want 2", leaser.grants())
	}
	if p.lease == first {
		t.Error("lease not replaced")
	}
}

func TestClose(t *testing.T) {
	p, _, leaser := newTestPublisher(t)
	ctx := context.Background()

	if err := p.Publish(ctx, []discovery.Record{record(message.SpTypePower, 0, "BRM00000200", "10.0.0.9:11111")}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	lease := p.lease
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(leaser.revoked) != 1 || leaser.revoked[0] != lease {
		t.Errorf("revoked = %v, want [%x]", leaser.revoked, int64(lease))
	}
	if err := p.Publish(ctx, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrClosed", err)
	}
	if err := p.Close(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() error = %v, want ErrClosed", err)
	}
}

func TestCloseWithoutPublish(t *testing.T) {
	p, _, leaser := newTestPublisher(t)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(leaser.revoked) != 0 {
		t.Errorf("revoked = %v, want none", leaser.revoked)
	}
}

func TestList(t *testing.T) {
	p, kv, _ := newTestPublisher(t)
	ctx := context.Background()

	if err := p.Publish(ctx, []discovery.Record{
		record(message.SpTypeSled, 3, "BRM00000003", "10.0.0.3:11111"),
		record(message.SpTypeSled, 4, "BRM00000004", "10.0.0.4:11111"),
	}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	kv.data["/spcomms/sps/garbage"] = "{not json"
	kv.data["/other/sled-9"] = `{"target":"sled-9"}`

	entries, err := p.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Target != "sled-3" || entries[1].Target != "sled-4" {
		t.Errorf("List() = %+v", entries)
	}
}

func TestKey(t *testing.T) {
	kv, leaser := newFakeKV(), newFakeLeaser()
	p, err := NewPublisher(Config{KV: kv, Leaser: leaser, Prefix: "/rack7/"})
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	tests := []struct {
		name string
		rec  discovery.Record
		want string
	}{
		{"target", record(message.SpTypeSled, 14, "BRM00000014", "10.0.0.14:11111"), "/rack7/sled-14"},
		{"unknown identity", discovery.Record{Addr: net.UDPAddrFromAddrPort(netipMust("[fe80::1]:11111"))}, "/rack7/addr-fe80__1_11111"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Key(tt.rec); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewPublisher(t *testing.T) {
	if _, err := NewPublisher(Config{}); !errors.Is(err, ErrNoClient) {
		t.Errorf("NewPublisher() error = %v, want ErrNoClient", err)
	}

	p, err := NewPublisher(Config{KV: newFakeKV(), Leaser: newFakeLeaser(), TTL: 1500 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	if p.ttl != 2 {
		t.Errorf("ttl = %d, want 2", p.ttl)
	}
}

func TestPublishPutError(t *testing.T) {
	p, kv, _ := newTestPublisher(t)
	kv.putErr = errors.New("etcdserver: request timed out")

	err := p.Publish(context.Background(), []discovery.Record{record(message.SpTypeSled, 3, "BRM00000003", "10.0.0.3:11111")})
	if !errors.Is(err, kv.putErr) {
		t.Errorf("Publish() error = %v, want the put error", err)
	}
}

func netipMust(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}
