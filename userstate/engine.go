package userstate

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Engine wires the local store, remote gateway, scheduler and mutation surface
// to a session source.
type Engine struct {
	Store     *Store
	Gateway   *Gateway
	Scheduler *Scheduler
	Library   *Library

	sessions SessionSource
	log      *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel func()
}

// NewEngine builds an engine over an open store. Sync stays disabled until Start sees a session.
func NewEngine(store *Store, sessions SessionSource, cfg SyncConfig, log *zap.Logger, events *SyncEvents) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	gw := NewGateway(cfg, log.Named("gateway"))
	sched := NewScheduler(store, gw, cfg.GetDebounce(), log.Named("scheduler"), events)
	return &Engine{
		Store:     store,
		Gateway:   gw,
		Scheduler: sched,
		Library:   NewLibrary(store, sched, log.Named("library")),
		sessions:  sessions,
		log:       log,
	}
}

// Start subscribes to session changes and, if already signed in, runs the sign-in sync.
// The returned error is that sync's error; the engine stays subscribed either way.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.cancel = e.sessions.Subscribe(e.handleSession)
	e.mu.Unlock()

	if sess := e.sessions.Current(); sess.Valid() {
		return e.Scheduler.SignIn(ctx, sess)
	}
	return nil
}

func (e *Engine) handleSession(ev SessionEvent) {
	switch ev.Type {
	case SignedIn:
		e.mu.Lock()
		ctx := e.ctx
		e.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		e.log.Info("session signed in", zap.String("user_id", userIDOf(ev.Session)))
		if err := e.Scheduler.SignIn(ctx, ev.Session); err != nil {
			e.log.Warn("sign-in sync failed", zap.Error(err))
		}
	case SignedOut:
		e.log.Info("session signed out; local data kept")
		e.Scheduler.SignOut()
	}
}

// Close unsubscribes from sessions and stops the scheduler.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.Scheduler.Close()
}

func userIDOf(s *Session) string {
	if s == nil {
		return ""
	}
	return s.UserID
}
