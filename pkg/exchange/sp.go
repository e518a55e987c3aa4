package exchange

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/backkem/spcomms/pkg/transport"
	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
)

// SingleSp is the engine for one target. It owns the target's sequence
// counter and pending table; nothing else mutates them.
type SingleSp struct {
	id           TargetID
	mgr          *Manager
	policy       RetryPolicy
	resetTimeout time.Duration
	eventBuffer  int
	log          logging.LeveledLogger
	metrics      *telemetry.Metrics
	backoff      *BackoffCalculator
	counter      *message.SequenceCounter
	pending      *pendingTable

	// slots bounds the requests in flight; a send holds one slot.
	slots     chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once

	// addrCh carries the latest endpoint change to WatchAddr.
	addrCh chan net.Addr

	mu         sync.Mutex
	addr       net.Addr
	subs       map[*Subscription]struct{}
	hostPhase2 *HostPhase2Request
	console    bool
}

// HostPhase2Request records the last phase 2 image block the SP asked for
// on behalf of its host.
type HostPhase2Request struct {
	Hash       message.Digest
	Offset     uint64
	ReceivedAt time.Time
}

func newSingleSp(m *Manager, id TargetID, addr net.Addr) *SingleSp {
	return &SingleSp{
		id:           id,
		mgr:          m,
		policy:       m.config.Retry,
		resetTimeout: m.config.ResetTimeout,
		eventBuffer:  m.config.EventBuffer,
		log:          telemetry.Logger(m.config.LoggerFactory, "sp"),
		metrics:      m.metrics,
		backoff:      m.backoff,
		counter:      message.NewSequenceCounter(),
		pending:      newPendingTable(),
		slots:        make(chan struct{}, m.config.MaxInFlight),
		closeCh:      make(chan struct{}),
		addrCh:       make(chan net.Addr, 1),
		addr:         addr,
		subs:         make(map[*Subscription]struct{}),
	}
}

// ID returns the target's logical identity.
func (s *SingleSp) ID() TargetID {
	return s.id
}

// Addr returns the target's current endpoint, or nil if unknown.
func (s *SingleSp) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// WatchAddr returns a channel that receives the new endpoint each time it
// changes. Only the latest change is kept.
func (s *SingleSp) WatchAddr() <-chan net.Addr {
	return s.addrCh
}

// Pending returns the number of requests awaiting a reply.
func (s *SingleSp) Pending() int {
	return s.pending.len()
}

func (s *SingleSp) setAddr(addr net.Addr) {
	s.mu.Lock()
	old := s.addr
	s.addr = addr
	s.mu.Unlock()

	if transport.EndpointKey(old) == transport.EndpointKey(addr) {
		return
	}
	if old != nil {
		s.log.Warnf("%s: address changed from %v to %v", s.id, old, addr)
	}

	select {
	case <-s.addrCh:
	default:
	}
	select {
	case s.addrCh <- addr:
	default:
	}
}

func (s *SingleSp) close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)

		s.mu.Lock()
		for sub := range s.subs {
			delete(s.subs, sub)
			close(sub.ch)
		}
		s.mu.Unlock()
	})
}

// Request sends body and waits for a reply of the expected kind.
//
// The request is sent with a fresh message id and resent byte-for-byte on
// each per-attempt deadline. It fails with:
//   - *TimeoutError after RetryPolicy.MaxAttempts sends without a reply
//   - *UnexpectedResponseError if the correlated reply has another kind
//   - *SpError if the SP answered with an error other than Busy
//   - *transport.Error if the socket refused the datagram
//   - ctx.Err() if ctx ends first
func (s *SingleSp) Request(ctx context.Context, body message.Body, expected message.Kind) (*message.Message, error) {
	return s.exchange(ctx, body, nil, expected, s.policy)
}

// RequestData is Request for kinds that carry trailing data.
func (s *SingleSp) RequestData(ctx context.Context, body message.Body, data []byte, expected message.Kind) (*message.Message, error) {
	return s.exchange(ctx, body, data, expected, s.policy)
}

func (s *SingleSp) exchange(ctx context.Context, body message.Body, data []byte, expected message.Kind, policy RetryPolicy) (*message.Message, error) {
	if body == nil {
		return nil, message.ErrNilBody
	}
	reply, attempts, err := s.roundTrip(ctx, body, data, expected, policy)
	s.metrics.ObserveRequest(body.Kind().String(), resultOf(err), attempts)
	return reply, err
}

func (s *SingleSp) roundTrip(ctx context.Context, body message.Body, data []byte, expected message.Kind, policy RetryPolicy) (*message.Message, int, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer s.release()

	id := s.counter.Next()
	buf, err := message.Encode(&message.Message{ID: id, Body: body, Data: data})
	if err != nil {
		return nil, 0, err
	}

	p := s.pending.add(id, expected)
	defer s.pending.remove(p)

	var busy backoff.BackOff
	attempts := 0
	counted := true
	for {
		if counted {
			attempts++
		}
		counted = true

		addr := s.Addr()
		if addr == nil {
			return nil, attempts, ErrNoAddress
		}
		if err := s.mgr.send(buf, addr); err != nil {
			return nil, attempts, err
		}

		timer := time.NewTimer(s.backoff.Calculate(policy, attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempts, ctx.Err()

		case <-s.closeCh:
			timer.Stop()
			return nil, attempts, ErrClosed

		case <-timer.C:
			if attempts >= policy.MaxAttempts {
				s.log.Debugf("%s: %s id %d timed out after %d attempts", s.id, body.Kind(), id, attempts)
				return nil, attempts, &TimeoutError{Kind: body.Kind(), Attempts: attempts}
			}
			s.metrics.Retransmission()
			s.log.Debugf("%s: resending %s id %d (attempt %d)", s.id, body.Kind(), id, attempts+1)

		case reply := <-p.respCh:
			timer.Stop()

			if reply.Kind() == expected {
				return reply, attempts, nil
			}
			e, ok := reply.Body.(*message.Error)
			if !ok {
				return nil, attempts, &UnexpectedResponseError{Expected: expected, Got: reply.Kind()}
			}
			if e.Code != message.ErrorCodeBusy {
				return nil, attempts, &SpError{Code: e.Code, Detail: e.Detail}
			}

			if busy == nil {
				busy = newBusyBackoff()
			}
			wait := busy.NextBackOff()
			s.metrics.BusyRetry()
			s.log.Debugf("%s: SP busy, resending %s id %d in %v", s.id, body.Kind(), id, wait)
			if err := s.sleep(ctx, wait); err != nil {
				return nil, attempts, err
			}
			counted = false
		}
	}
}

func (s *SingleSp) acquire(ctx context.Context) error {
	select {
	case <-s.closeCh:
		return ErrClosed
	default:
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return ErrClosed
	}
}

func (s *SingleSp) release() {
	<-s.slots
}

func (s *SingleSp) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return ErrClosed
	}
}

// deliver completes a pending request. It returns false if msg does not
// correlate to one.
func (s *SingleSp) deliver(msg *message.Message) (route, bool) {
	if !msg.Kind().IsResponse() {
		return routeUnrouted, false
	}
	matched, duplicate := s.pending.deliver(msg)
	if !matched {
		return routeUnrouted, false
	}
	if duplicate {
		s.log.Debugf("%s: dropping duplicate %s id %d", s.id, msg.Kind(), msg.ID)
		return routeStale, true
	}
	return routeResponse, true
}

// handleUnmatched classifies a datagram from this target that matched no
// pending request.
func (s *SingleSp) handleUnmatched(msg *message.Message, at time.Time) route {
	kind := msg.Kind()
	switch {
	case kind.IsEvent():
		if hp, ok := msg.Body.(*message.HostPhase2Request); ok {
			s.mu.Lock()
			s.hostPhase2 = &HostPhase2Request{Hash: hp.Hash, Offset: hp.Offset, ReceivedAt: at}
			s.mu.Unlock()
		}
		s.publish(msg)
		return routeEvent

	case kind.IsResponse():
		s.log.Warnf("%s: ignoring stale %s id %d", s.id, kind, msg.ID)
		return routeStale

	default:
		s.log.Warnf("%s: ignoring %s sent by SP", s.id, kind)
		return routeUnrouted
	}
}

// MostRecentHostPhase2Request returns the last recorded phase 2 request.
func (s *SingleSp) MostRecentHostPhase2Request() (HostPhase2Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostPhase2 == nil {
		return HostPhase2Request{}, false
	}
	return *s.hostPhase2, true
}

// ClearHostPhase2Request forgets the recorded phase 2 request.
func (s *SingleSp) ClearHostPhase2Request() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostPhase2 = nil
}

// ClaimConsole marks the target's serial console as attached by this host.
// It returns false if it already is.
func (s *SingleSp) ClaimConsole() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.console {
		return false
	}
	s.console = true
	return true
}

// ReleaseConsole undoes ClaimConsole.
func (s *SingleSp) ReleaseConsole() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.console = false
}

func resultOf(err error) string {
	var tErr *transport.Error
	switch {
	case err == nil:
		return telemetry.ResultOK
	case errors.Is(err, ErrTimeout):
		return telemetry.ResultTimeout
	case errors.Is(err, ErrSpError):
		return telemetry.ResultSpError
	case errors.Is(err, ErrUnexpectedResponse):
		return telemetry.ResultUnexpected
	case errors.As(err, &tErr):
		return telemetry.ResultTransport
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return telemetry.ResultCancelled
	default:
		return telemetry.ResultError
	}
}
