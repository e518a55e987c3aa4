package update

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/backkem/spcomms/pkg/exchange"
	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"golang.org/x/crypto/blake2b"
)

// State is the phase of an update session.
type State int

const (
	StateNegotiating State = iota
	StateTransferring
	StateVerifying
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateTransferring:
		return "transferring"
	case StateVerifying:
		return "verifying"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Done reports whether the session has ended.
func (s State) Done() bool {
	return s == StateComplete || s == StateAborted
}

// Status is a snapshot of a session.
type Status struct {
	Target    exchange.TargetID
	ID        uuid.UUID
	Component string
	State     State
	ChunkSize uint32
	Offset    uint32
	Total     uint32
	Started   time.Time
	Err       error
}

// Session is one transfer of an image to one target. It runs in its own
// goroutine from Start or Resume until it completes or aborts.
type Session struct {
	sp      *exchange.SingleSp
	image   Image
	id      uuid.UUID
	propose uint32
	config  *Config
	log     logging.LeveledLogger
	metrics *telemetry.Metrics
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	status Status
}

func newSession(sp *exchange.SingleSp, img Image, id uuid.UUID, offset, chunk uint32, config *Config, log logging.LeveledLogger, cancel context.CancelFunc) *Session {
	return &Session{
		sp:      sp,
		cancel:  cancel,
		image:   img,
		id:      id,
		propose: chunk,
		config:  config,
		log:     log,
		metrics: config.Metrics,
		done:    make(chan struct{}),
		status: Status{
			Target:    sp.ID(),
			ID:        id,
			Component: img.Component,
			State:     StateNegotiating,
			Offset:    offset,
			Total:     uint32(len(img.Data)),
			Started:   time.Now(),
		},
	}
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed when the session has completed or aborted.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends and returns its error: nil on
// completion, an *AbortedError otherwise.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Status().Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the session. It does not wait for it to end.
func (s *Session) Cancel() {
	s.cancel()
}

// ResumePoint returns where a new session should continue this one. After
// a checksum mismatch the received data is unusable and the resume point
// restarts the image.
func (s *Session) ResumePoint() ResumePoint {
	st := s.Status()
	rp := ResumePoint{ID: s.id, Offset: st.Offset}
	if errors.Is(st.Err, ErrChecksumMismatch) {
		rp.Offset = 0
	}
	return rp
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
	s.log.Debugf("%s: update %s %s", s.status.Target, s.id, state)
}

func (s *Session) offset() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Offset
}

// run drives the session to completion and reports the outcome to finish.
func (s *Session) run(ctx context.Context, finish func(*Session)) {
	defer close(s.done)
	defer finish(s)

	err := s.transfer(ctx)

	s.mu.Lock()
	if err != nil {
		s.status.State = StateAborted
		s.status.Err = &AbortedError{ID: s.id, Offset: s.status.Offset, Err: err}
	} else {
		s.status.State = StateComplete
	}
	st := s.status
	s.mu.Unlock()

	if err != nil {
		s.log.Warnf("%s: %v", st.Target, st.Err)
		if ctx.Err() != nil {
			s.sendAbort(ctx)
		}
		return
	}
	s.log.Infof("%s: update %s of %s complete (%d bytes in %v)", st.Target, s.id, st.Component, st.Total, time.Since(st.Started).Round(time.Millisecond))
}

// sendAbort tells the SP the session was cancelled. The SP keeps the
// received data, so a later Resume can still continue it.
func (s *Session) sendAbort(ctx context.Context) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.AbortTimeout)
	defer cancel()
	if err := s.sp.UpdateAbort(actx, s.image.Component, message.UpdateID(s.id)); err != nil {
		s.log.Debugf("%s: update abort: %v", s.status.Target, err)
	}
}

func (s *Session) transfer(ctx context.Context) error {
	chunk, err := s.negotiate(ctx)
	if err != nil {
		return err
	}

	s.setState(StateTransferring)
	if err := s.sendChunks(ctx, chunk); err != nil {
		return err
	}

	s.setState(StateVerifying)
	return s.verify(ctx)
}

// negotiate agrees on the chunk size and the resume offset.
func (s *Session) negotiate(ctx context.Context) (uint32, error) {
	offset := s.offset()
	ack, err := s.sp.UpdatePrepare(ctx, &message.UpdatePrepare{
		ID:           message.UpdateID(s.id),
		Component:    s.image.Component,
		Slot:         s.image.Slot,
		TotalSize:    uint32(len(s.image.Data)),
		ChunkSize:    s.propose,
		ResumeOffset: offset,
	})
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	if ack.ChunkSize == 0 || ack.ChunkSize > s.propose {
		return 0, fmt.Errorf("%w: chunk size %d, proposed %d", ErrBadNegotiation, ack.ChunkSize, s.propose)
	}
	if ack.ResumeOffset > offset {
		return 0, fmt.Errorf("%w: resume offset %d, requested %d", ErrBadNegotiation, ack.ResumeOffset, offset)
	}

	s.mu.Lock()
	s.status.ChunkSize = ack.ChunkSize
	s.status.Offset = ack.ResumeOffset
	s.mu.Unlock()
	return ack.ChunkSize, nil
}

// sendChunks sends the image from the current offset, one acknowledged
// chunk at a time.
func (s *Session) sendChunks(ctx context.Context, chunk uint32) error {
	total := uint32(len(s.image.Data))
	for offset := s.offset(); offset < total; {
		n := min(chunk, total-offset)
		data := s.image.Data[offset : offset+n]

		ack, err := s.sp.UpdateChunk(ctx, &message.UpdateChunk{
			ID:     message.UpdateID(s.id),
			Offset: offset,
			CRC:    crc32.ChecksumIEEE(data),
		}, data)
		if err != nil {
			return fmt.Errorf("chunk at %d: %w", offset, err)
		}
		if uuid.UUID(ack.ID) != s.id || ack.NextOffset != offset+n {
			return fmt.Errorf("%w: chunk at %d acknowledged as %d", ErrBadAck, offset, ack.NextOffset)
		}

		offset += n
		s.mu.Lock()
		s.status.Offset = offset
		s.mu.Unlock()
		s.metrics.UpdateBytes(int(n))
	}
	return nil
}

// verify compares the SP's digest of the received image with our own.
func (s *Session) verify(ctx context.Context) error {
	resp, err := s.sp.UpdateVerify(ctx, message.UpdateID(s.id))
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if uuid.UUID(resp.ID) != s.id {
		return fmt.Errorf("%w: verify answered for %s", ErrBadAck, uuid.UUID(resp.ID))
	}
	if want := blake2b.Sum256(s.image.Data); message.Digest(want) != resp.Digest {
		return ErrChecksumMismatch
	}
	return nil
}
