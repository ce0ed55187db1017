// ABOUTME: Tests for the debounced sync scheduler.
// ABOUTME: Covers coalescing, the single rerun slot, sign-in ordering, sign-out and failure status.
package userstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/oauth2"
)

type memRemote struct {
	mu      sync.Mutex
	row     *UserState
	fetches int
	upserts int
	err     error
	block   chan struct{} // upserts wait on it when set
	entered chan struct{} // signalled when an upsert starts
	ops     []string
}

func (m *memRemote) Fetch(ctx context.Context, sess *Session) (UserState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	m.ops = append(m.ops, "fetch")
	if m.err != nil {
		return UserState{}, false, m.err
	}
	if m.row == nil {
		return UserState{}, false, nil
	}
	return m.row.Clone(), true, nil
}

func (m *memRemote) Upsert(ctx context.Context, sess *Session, s UserState) error {
	m.mu.Lock()
	block, entered := m.block, m.entered
	m.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	m.ops = append(m.ops, "upsert")
	if m.err != nil {
		return m.err
	}
	c := s.Clone()
	m.row = &c
	return nil
}

func (m *memRemote) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches, m.upserts
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func validSession(userID string) *Session {
	return &Session{UserID: userID, Token: &oauth2.Token{AccessToken: "tok-" + userID, Expiry: time.Now().Add(time.Hour)}}
}

func TestSchedulerDebounceCoalesces(t *testing.T) {
	store, _ := openTestStore(t, StoreConfig{}, nil)
	remote := &memRemote{}
	s := NewScheduler(store, remote, 30*time.Millisecond, nil, nil)
	defer s.Close()

	if err := s.SignIn(context.Background(), validSession("u1")); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	_, baseUpserts := remote.counts()

	for i := 0; i < 5; i++ {
		s.RequestSync()
		time.Sleep(5 * time.Millisecond)
	}
	if st := s.Status(); st.State != StatePending || !st.PendingChanges {
		t.Fatalf("status = %+v, want pending", st)
	}

	waitFor(t, "debounced upsert", func() bool {
		_, u := remote.counts()
		return u == baseUpserts+1
	})
	time.Sleep(60 * time.Millisecond)
	if _, u := remote.counts(); u != baseUpserts+1 {
		t.Fatalf("upserts = %d, want exactly one debounced run", u-baseUpserts)
	}
	waitFor(t, "idle", func() bool { return s.Status().State == StateIdle })
	if s.Status().PendingChanges {
		t.Fatal("pending flag not cleared after successful sync")
	}
}

func TestSchedulerSingleRerunSlot(t *testing.T) {
	store, _ := openTestStore(t, StoreConfig{}, nil)
	remote := &memRemote{}
	s := NewScheduler(store, remote, time.Hour, nil, nil)
	defer s.Close()
	if err := s.SignIn(context.Background(), validSession("u1")); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	_, baseUpserts := remote.counts()

	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	remote.mu.Lock()
	remote.block, remote.entered = release, entered
	remote.mu.Unlock()

	s.RequestSync()
	flushed := make(chan error, 1)
	go func() { flushed <- s.Flush(context.Background()) }()
	<-entered

	// Requests during the in-flight run collapse into one rerun.
	for i := 0; i < 10; i++ {
		s.RequestSync()
	}
	if st := s.Status(); st.State != StateSyncing || !st.PendingChanges {
		t.Fatalf("status = %+v, want syncing with pending changes", st)
	}

	close(release)
	if err := <-flushed; err != nil {
		t.Fatalf("flush: %v", err)
	}
	waitFor(t, "rerun", func() bool {
		_, u := remote.counts()
		return u == baseUpserts+2
	})
	time.Sleep(30 * time.Millisecond)
	if _, u := remote.counts(); u != baseUpserts+2 {
		t.Fatalf("upserts = %d, want 2 (one run plus one rerun)", u-baseUpserts)
	}
}

func TestSchedulerSignInPushesThenPulls(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, StoreConfig{}, nil)
	_ = store.Update(ctx, func(s UserState) UserState {
		s.Favorites.Podcasts = []string{"LOCAL"}
		return s
	})
	remote := &memRemote{row: &UserState{Favorites: Favorites{Podcasts: []string{"REMOTE"}}}}

	var events []string
	s := NewScheduler(store, remote, time.Hour, nil, &SyncEvents{
		OnStart:    func(op string) { events = append(events, "start:"+op) },
		OnPush:     func() { events = append(events, "push") },
		OnPull:     func() { events = append(events, "pull") },
		OnComplete: func(op string, err error) { events = append(events, "complete:"+op) },
	})
	defer s.Close()

	if err := s.SignIn(ctx, validSession("u1")); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	want := []string{"fetch", "upsert", "fetch"}
	if len(remote.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", remote.ops, want)
	}
	for i := range want {
		if remote.ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", remote.ops, want)
		}
	}
	if got := remote.row.Favorites.Podcasts; len(got) != 2 {
		t.Fatalf("remote podcasts = %v, want union", got)
	}
	if !store.Favorites().HasPodcast("REMOTE") || !store.Favorites().HasPodcast("LOCAL") {
		t.Fatalf("local favorites = %+v, want union", store.Favorites())
	}
	if remote.row.UpdatedAt.IsZero() {
		t.Fatal("upsert did not stamp updated_at")
	}
	wantEvents := []string{"start:sign-in", "push", "pull", "complete:sign-in"}
	if len(events) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", events, wantEvents)
	}
}

func TestSchedulerSignOutDisablesSync(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, StoreConfig{}, nil)
	remote := &memRemote{}
	s := NewScheduler(store, remote, 10*time.Millisecond, nil, nil)
	defer s.Close()

	if err := s.SignIn(ctx, validSession("u1")); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	_ = store.Update(ctx, func(st UserState) UserState {
		st.Favorites.Authors = []string{"Amy"}
		return st
	})
	s.SignOut()
	f, u := remote.counts()

	s.RequestSync()
	time.Sleep(50 * time.Millisecond)
	if f2, u2 := remote.counts(); f2 != f || u2 != u {
		t.Fatalf("network calls after sign-out: fetches %d->%d upserts %d->%d", f, f2, u, u2)
	}
	st := s.Status()
	if st.State != StateDisabled || !st.PendingChanges {
		t.Fatalf("status = %+v, want disabled with pending changes", st)
	}
	if !store.Favorites().HasAuthor("Amy") {
		t.Fatal("sign-out removed local data")
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush while signed out: %v", err)
	}
	if err := s.SyncNow(ctx); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("SyncNow while signed out = %v, want ErrAuthRequired", err)
	}
}

func TestSchedulerFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, StoreConfig{}, nil)
	remote := &memRemote{}
	s := NewScheduler(store, remote, time.Hour, nil, nil)
	defer s.Close()
	if err := s.SignIn(ctx, validSession("u1")); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	remote.mu.Lock()
	remote.err = &SyncError{Op: "upsert", Err: ErrServerError, Retries: 3}
	remote.mu.Unlock()

	s.RequestSync()
	if err := s.Flush(ctx); !errors.Is(err, ErrServerError) {
		t.Fatalf("flush = %v, want ErrServerError", err)
	}
	st := s.Status()
	if st.State != StateError || !st.PendingChanges || st.LastError == nil {
		t.Fatalf("status = %+v, want error with pending changes", st)
	}
	if v, _ := store.GetState(ctx, stateKeyPending, ""); v != "1" {
		t.Fatalf("persisted pending = %q, want 1", v)
	}

	remote.mu.Lock()
	remote.err = nil
	remote.mu.Unlock()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	st = s.Status()
	if st.State != StateIdle || st.PendingChanges || st.LastError != nil {
		t.Fatalf("status = %+v, want idle", st)
	}
}

func TestSchedulerSignInRejectsInvalidSession(t *testing.T) {
	store, _ := openTestStore(t, StoreConfig{}, nil)
	s := NewScheduler(store, &memRemote{}, time.Hour, nil, nil)
	defer s.Close()

	if err := s.SignIn(context.Background(), &Session{UserID: "u1"}); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}
	if s.Status().State != StateDisabled {
		t.Fatalf("state = %s, want disabled", s.Status().State)
	}
}

func TestSchedulerCloseWaitsForRunningSync(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, StoreConfig{}, nil)
	remote := &memRemote{}
	s := NewScheduler(store, remote, time.Millisecond, nil, nil)
	if err := s.SignIn(ctx, validSession("u1")); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	remote.mu.Lock()
	remote.block, remote.entered = block, entered
	remote.mu.Unlock()

	s.RequestSync()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("debounced run never reached the data service")
	}
	remote.mu.Lock()
	remote.err = &SyncError{Op: "upsert", Err: ErrServerError}
	remote.mu.Unlock()

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return after the run finished")
	}

	if v, _ := store.GetState(ctx, stateKeyLastError, ""); v == "" {
		t.Fatal("last error not persisted before Close returned")
	}
	if v, _ := store.GetState(ctx, stateKeyPending, ""); v != "1" {
		t.Fatalf("persisted pending = %q, want 1", v)
	}
}

// failingMeta is a local store whose metadata writes always fail.
type failingMeta struct {
	*Store
}

func (failingMeta) SetState(context.Context, string, string) error {
	return errors.New("disk full")
}

func TestSchedulerLogsMetadataWriteFailures(t *testing.T) {
	store, _ := openTestStore(t, StoreConfig{}, nil)
	core, logs := observer.New(zapcore.WarnLevel)
	s := NewScheduler(failingMeta{store}, &memRemote{}, time.Hour, zap.New(core), nil)
	defer s.Close()

	if err := s.SignIn(context.Background(), validSession("u1")); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	keys := map[string]bool{}
	for _, e := range logs.FilterMessage("persist sync metadata").All() {
		keys[e.ContextMap()["key"].(string)] = true
	}
	for _, k := range []string{stateKeyPending, stateKeyLastError, stateKeyLastSynced} {
		if !keys[k] {
			t.Errorf("no warning logged for %s (logged %v)", k, keys)
		}
	}
}
