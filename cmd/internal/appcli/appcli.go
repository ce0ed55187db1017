// Package appcli holds the runtime shared by podsync commands: it owns the
// data directory lock, opens the local store and wires the sync engine to a
// session source.
package appcli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/solgood44/podcastlibrary-sub000/internal/pocketbase"
	"github.com/solgood44/podcastlibrary-sub000/userstate"
)

// ErrLocked is returned when another podsync process owns the data directory.
var ErrLocked = errors.New("data directory is in use by another podsync process")

// Options wires optional runtime pieces.
type Options struct {
	// Sessions overrides the session source. Nil uses the credentials file
	// as it is at open time.
	Sessions userstate.SessionSource
	// Auth refreshes expired tokens; nil disables refresh.
	Auth   pocketbase.Client
	Events *userstate.SyncEvents
	Logger *zap.Logger
}

// Runtime is an open data directory.
type Runtime struct {
	Config Config
	Store  *userstate.Store
	Engine *userstate.Engine

	sessions userstate.SessionSource
	log      *zap.Logger
	lock     *flock.Flock
	started  bool
}

// Open locks cfg.DataDir and opens the store and engine. The engine is not
// started; call Sync or Start.
func Open(ctx context.Context, cfg Config, opts Options) (*Runtime, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrLocked, cfg.DataDir)
	}

	store, err := userstate.OpenStore(cfg.StorePath(), userstate.StoreConfig{}, log.Named("store"))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	sessions := opts.Sessions
	if sessions == nil {
		sess, err := ResolveSession(ctx, cfg.SessionPath(), opts.Auth)
		if err != nil {
			log.Warn("session unavailable; staying local", zap.Error(err))
			sess = nil
		}
		sessions = userstate.NewSessionHub(sess)
	}

	engine := userstate.NewEngine(store, sessions, cfg.SyncConfig(), log, opts.Events)
	return &Runtime{
		Config: cfg,
		Store:  store,
		Engine: engine,

		sessions: sessions,
		log:      log,
		lock:     lock,
	}, nil
}

// Library returns the mutation surface.
func (r *Runtime) Library() *userstate.Library { return r.Engine.Library }

// Session returns the current session, or nil when signed out.
func (r *Runtime) Session() *userstate.Session { return r.sessions.Current() }

// SignedIn reports whether the session source has a usable session.
func (r *Runtime) SignedIn() bool { return r.sessions.Current().Valid() }

// Start subscribes the engine to sessions; a current session triggers the
// sign-in sync (push then pull).
// Later calls are no-ops.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started {
		return nil
	}
	r.started = true
	return r.Engine.Start(ctx)
}

// Sync starts the engine if needed and flushes pending work. Being signed
// out is not an error: local changes stay pending.
func (r *Runtime) Sync(ctx context.Context) error {
	if !r.started {
		// The sign-in sync already pushes and pulls.
		return r.Start(ctx)
	}
	if !r.SignedIn() {
		return nil
	}
	return r.Engine.Scheduler.Flush(ctx)
}

// Close stops the engine, closes the store and releases the lock.
func (r *Runtime) Close() error {
	r.Engine.Close()
	err := r.Store.Close()
	if uerr := r.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
