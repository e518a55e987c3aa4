// Package update transfers firmware images to SPs in acknowledged,
// CRC-checked chunks.
//
// A session negotiates the chunk size, sends the image one chunk at a time
// through the exchange engine's retry policy, and finally compares the
// SP's BLAKE2b-256 digest of what it received with the image's own. An
// aborted session records the acknowledged offset, and a new session
// resumed from it continues without resending those bytes.
package update

import (
	"context"
	"fmt"
	"sync"

	"github.com/backkem/spcomms/pkg/exchange"
	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Updater is the registry of update sessions of one Manager. At most one
// session per target is active at a time.
type Updater struct {
	config Config
	log    logging.LeveledLogger

	mu       sync.Mutex
	sessions map[exchange.TargetID]*Session
}

// NewUpdater creates an Updater.
func NewUpdater(config Config) (*Updater, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return &Updater{
		config:   config,
		log:      telemetry.Logger(config.LoggerFactory, "update"),
		sessions: make(map[exchange.TargetID]*Session),
	}, nil
}

// Start begins transferring img to target from offset 0. The session runs
// until it ends or ctx is cancelled; use Session.Wait for the outcome.
func (u *Updater) Start(ctx context.Context, target exchange.TargetID, img Image, opts Options) (*Session, error) {
	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return u.start(ctx, target, img, id, 0, opts.ChunkSize)
}

// Resume continues an aborted session from rp. Bytes before rp.Offset are
// not sent again.
func (u *Updater) Resume(ctx context.Context, target exchange.TargetID, img Image, rp ResumePoint) (*Session, error) {
	if rp.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: no session id", ErrInvalidResume)
	}
	if uint64(rp.Offset) > uint64(len(img.Data)) {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidResume, rp.Offset, len(img.Data))
	}
	return u.start(ctx, target, img, rp.ID, rp.Offset, 0)
}

func (u *Updater) start(ctx context.Context, target exchange.TargetID, img Image, id uuid.UUID, offset, chunk uint32) (*Session, error) {
	if err := img.validate(); err != nil {
		return nil, err
	}
	sp, err := u.config.Manager.Target(target)
	if err != nil {
		return nil, err
	}
	if chunk == 0 || chunk > u.config.ChunkSize {
		chunk = u.config.ChunkSize
	}

	runCtx, cancel := context.WithCancel(ctx)

	u.mu.Lock()
	if cur, ok := u.sessions[target]; ok && !cur.Status().State.Done() {
		u.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s (session %s)", ErrSessionConflict, target, cur.ID())
	}
	s := newSession(sp, img, id, offset, chunk, &u.config, u.log, cancel)
	u.sessions[target] = s
	u.mu.Unlock()

	u.log.Infof("%s: starting update %s of %s (%d bytes from offset %d)", target, id, img.Component, len(img.Data), offset)
	go s.run(runCtx, func(*Session) { cancel() })

	return s, nil
}

// Session returns the most recent session of target, finished or not.
func (u *Updater) Session(target exchange.TargetID) (*Session, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.sessions[target]
	return s, ok
}

// Status returns a snapshot of the most recent session of target.
func (u *Updater) Status(target exchange.TargetID) (Status, bool) {
	s, ok := u.Session(target)
	if !ok {
		return Status{}, false
	}
	return s.Status(), true
}

// Active returns the targets with a session still running.
func (u *Updater) Active() []exchange.TargetID {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []exchange.TargetID
	for id, s := range u.sessions {
		if !s.Status().State.Done() {
			out = append(out, id)
		}
	}
	return out
}
