// ABOUTME: Debounced sync scheduler with one in-flight run and a single-slot rerun.
// ABOUTME: Sign-in runs push then pull synchronously; sign-out disables network sync.
package userstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sync metadata keys kept in the local store.
const (
	stateKeyPending    = "pending_changes"
	stateKeyLastSynced = "last_synced_at"
	stateKeyLastError  = "last_error"
)

// LocalStore is the part of Store the scheduler needs.
type LocalStore interface {
	Snapshot() UserState
	Update(ctx context.Context, fn func(UserState) UserState) error
}

// RemoteStore is the part of Gateway the scheduler needs.
type RemoteStore interface {
	Fetch(ctx context.Context, sess *Session) (UserState, bool, error)
	Upsert(ctx context.Context, sess *Session, state UserState) error
}

// metaStore persists scheduler metadata when the local store supports it.
type metaStore interface {
	GetState(ctx context.Context, key, def string) (string, error)
	SetState(ctx context.Context, key, val string) error
}

// State is the coarse scheduler state shown to users.
type State string

const (
	StateIdle     State = "idle"
	StatePending  State = "pending"
	StateSyncing  State = "syncing"
	StateError    State = "error"
	StateDisabled State = "disabled"
)

// Status is a point-in-time view of the scheduler.
type Status struct {
	State          State
	PendingChanges bool // local changes not yet confirmed by the data service
	LastError      error
	LastSyncedAt   time.Time
	UserID         string
}

// SyncEvents provides hooks for observability during sync operations.
type SyncEvents struct {
	OnStart    func(op string)            // Called when a run begins
	OnPush     func()                     // Called after the remote upsert succeeds
	OnPull     func()                     // Called after the local merge is written
	OnComplete func(op string, err error) // Called when a run finishes
	OnStatus   func(Status)               // Called on every status change
}

// Scheduler coalesces sync requests and owns all coordination state.
type Scheduler struct {
	local    LocalStore
	remote   RemoteStore
	debounce time.Duration
	log      *zap.Logger
	events   *SyncEvents
	now      func() time.Time

	bg     context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	enabled    bool
	closed     bool
	session    *Session
	timer      *time.Timer
	busy       bool
	done       chan struct{} // closed when the current run ends
	rerun      bool
	pending    bool
	state      State
	lastErr    error
	lastSynced time.Time
}

// NewScheduler builds a disabled scheduler. It becomes active on SignIn.
func NewScheduler(local LocalStore, remote RemoteStore, debounce time.Duration, log *zap.Logger, events *SyncEvents) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	bg, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		local:    local,
		remote:   remote,
		debounce: debounce,
		log:      log,
		events:   events,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		bg:       bg,
		cancel:   cancel,
		state:    StateDisabled,
	}
	s.loadMeta()
	return s
}

func (s *Scheduler) loadMeta() {
	ms, ok := s.local.(metaStore)
	if !ok {
		return
	}
	ctx := context.Background()
	if v, err := ms.GetState(ctx, stateKeyPending, "0"); err == nil {
		s.pending = v == "1"
	}
	if v, err := ms.GetState(ctx, stateKeyLastSynced, ""); err == nil && v != "" {
		if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			s.lastSynced = t
		}
	}
}

func (s *Scheduler) saveMeta(st Status) {
	ms, ok := s.local.(metaStore)
	if !ok {
		return
	}
	ctx := context.Background()
	pending := "0"
	if st.PendingChanges {
		pending = "1"
	}
	lastErr := ""
	if st.LastError != nil {
		lastErr = st.LastError.Error()
	}
	for k, v := range map[string]string{stateKeyPending: pending, stateKeyLastError: lastErr} {
		if err := ms.SetState(ctx, k, v); err != nil {
			s.log.Warn("persist sync metadata", zap.String("key", k), zap.Error(err))
		}
	}
	if !st.LastSyncedAt.IsZero() {
		if err := ms.SetState(ctx, stateKeyLastSynced, st.LastSyncedAt.Format(time.RFC3339Nano)); err != nil {
			s.log.Warn("persist sync metadata", zap.String("key", stateKeyLastSynced), zap.Error(err))
		}
	}
}

// Status returns the current scheduler status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() Status {
	st := Status{
		State:          s.state,
		PendingChanges: s.pending,
		LastError:      s.lastErr,
		LastSyncedAt:   s.lastSynced,
	}
	if s.session != nil {
		st.UserID = s.session.UserID
	}
	return st
}

func (s *Scheduler) emitStatus(st Status) {
	s.saveMeta(st)
	if s.events != nil && s.events.OnStatus != nil {
		s.events.OnStatus(st)
	}
}

// RequestSync asks for a sync after the debounce window.
// Calls while signed out only mark local changes as pending.
func (s *Scheduler) RequestSync() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = true
	if !s.enabled {
		st := s.statusLocked()
		s.mu.Unlock()
		s.emitStatus(st)
		return
	}
	if s.busy {
		s.rerun = true
		st := s.statusLocked()
		s.mu.Unlock()
		s.emitStatus(st)
		return
	}
	s.state = StatePending
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.fire)
	st := s.statusLocked()
	s.mu.Unlock()
	s.emitStatus(st)
}

func (s *Scheduler) fire() {
	if err := s.exec(s.bg, false, "push", s.push); err != nil {
		s.log.Warn("background sync failed", zap.Error(err))
	}
}

// SignIn enables sync for sess and runs push then pull before returning.
// It waits for any in-flight run to finish first.
func (s *Scheduler) SignIn(ctx context.Context, sess *Session) error {
	if !sess.Valid() {
		return &SyncError{Op: "sign-in", Err: ErrAuthRequired}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("scheduler closed")
	}
	s.session = sess
	s.enabled = true
	s.mu.Unlock()
	return s.exec(ctx, true, "sign-in", s.pushThenPull)
}

// SignOut disables network sync. Local data is left untouched.
func (s *Scheduler) SignOut() {
	s.mu.Lock()
	s.enabled = false
	s.session = nil
	s.rerun = false
	s.stopTimerLocked()
	s.state = StateDisabled
	st := s.statusLocked()
	s.mu.Unlock()
	s.emitStatus(st)
}

// SyncNow runs push then pull immediately for the current session.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	return s.exec(ctx, true, "sync", s.pushThenPull)
}

// Flush runs a pending debounced sync now and waits for it.
// It is a no-op while signed out or when nothing is pending.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return nil
	}
	due := s.pending || s.timer != nil || s.rerun
	s.mu.Unlock()
	if !due {
		return s.waitIdle(ctx)
	}
	return s.exec(ctx, true, "push", s.push)
}

// closeWait bounds how long Close waits for an in-flight run.
const closeWait = 5 * time.Second

// Close stops timers, cancels background runs and waits for a run that
// already started to record its final status.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.enabled = false
	s.rerun = false
	s.stopTimerLocked()
	s.mu.Unlock()
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()
	if err := s.waitIdle(ctx); err != nil {
		s.log.Warn("sync run still in flight at close", zap.Error(err))
	}
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) waitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.busy {
			s.mu.Unlock()
			return nil
		}
		done := s.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// exec runs fn as the only in-flight sync. When another run is active it
// either waits (wait=true) or claims the rerun slot and returns.
func (s *Scheduler) exec(ctx context.Context, wait bool, op string, fn func(context.Context, *Session) error) error {
	for {
		s.mu.Lock()
		if !s.enabled {
			s.mu.Unlock()
			if wait {
				return &SyncError{Op: op, Err: ErrAuthRequired}
			}
			return nil
		}
		if !s.busy {
			break
		}
		if !wait {
			s.rerun = true
			s.mu.Unlock()
			return nil
		}
		done := s.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Holding s.mu.
	s.stopTimerLocked()
	s.busy = true
	s.done = make(chan struct{})
	s.rerun = false
	s.pending = false
	s.state = StateSyncing
	sess := s.session
	st := s.statusLocked()
	s.mu.Unlock()
	s.emitStatus(st)
	if s.events != nil && s.events.OnStart != nil {
		s.events.OnStart(op)
	}

	err := fn(ctx, sess)

	s.mu.Lock()
	if err != nil {
		s.pending = true
		s.lastErr = err
		s.state = StateError
	} else {
		s.lastErr = nil
		s.lastSynced = s.now()
		s.state = StateIdle
		if s.pending {
			s.state = StatePending
		}
	}
	if !s.enabled {
		s.state = StateDisabled
	}
	st = s.statusLocked()
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("sync run failed", zap.String("op", op), zap.Error(err))
	} else {
		s.log.Debug("sync run complete", zap.String("op", op))
	}
	s.emitStatus(st)
	if s.events != nil && s.events.OnComplete != nil {
		s.events.OnComplete(op, err)
	}

	// The run stays busy until its final status is persisted, so Close
	// never returns while a metadata write is outstanding.
	s.mu.Lock()
	again := s.rerun && s.enabled && !s.closed
	s.rerun = false
	s.busy = false
	close(s.done)
	s.mu.Unlock()

	if again {
		go s.fire()
	}
	return err
}

func (s *Scheduler) pushThenPull(ctx context.Context, sess *Session) error {
	if err := s.push(ctx, sess); err != nil {
		return err
	}
	return s.pull(ctx, sess)
}

// push merges the remote copy into a snapshot of local and writes the result remotely.
// The local store is not modified.
func (s *Scheduler) push(ctx context.Context, sess *Session) error {
	remote, found, err := s.remote.Fetch(ctx, sess)
	if err != nil {
		return err
	}
	var rp *UserState
	if found {
		rp = &remote
	}
	merged := Merge(s.local.Snapshot(), rp)
	merged.UpdatedAt = s.now()
	if err := s.remote.Upsert(ctx, sess, merged); err != nil {
		return err
	}
	if s.events != nil && s.events.OnPush != nil {
		s.events.OnPush()
	}
	return nil
}

// pull merges the remote copy into the current local state under the store lock.
func (s *Scheduler) pull(ctx context.Context, sess *Session) error {
	remote, found, err := s.remote.Fetch(ctx, sess)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	err = s.local.Update(ctx, func(cur UserState) UserState {
		return Merge(cur, &remote)
	})
	// A rejected local write is already logged and memory holds the merge.
	if err != nil && !errors.Is(err, ErrStorageWrite) {
		return err
	}
	if s.events != nil && s.events.OnPull != nil {
		s.events.OnPull()
	}
	return nil
}
