package appcli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/solgood44/podcastlibrary-sub000/internal/pocketbase"
	"github.com/solgood44/podcastlibrary-sub000/userstate"
)

// StoredSession is the credentials file written by login.
type StoredSession struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// StoredFromCredentials converts a login result for persistence.
func StoredFromCredentials(c pocketbase.Credentials) StoredSession {
	s := StoredSession{UserID: c.UserID, Email: c.Email}
	if c.Token != nil {
		s.AccessToken = c.Token.AccessToken
		s.RefreshToken = c.Token.RefreshToken
		s.Expiry = c.Token.Expiry
	}
	return s
}

// Token returns the oauth2 form of the stored tokens.
func (s StoredSession) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: s.RefreshToken,
		Expiry:       s.Expiry,
	}
}

// Session returns the engine session; it may be expired.
func (s StoredSession) Session() *userstate.Session {
	return &userstate.Session{UserID: s.UserID, Token: s.Token()}
}

// SaveSession writes the credentials file with owner-only permissions.
func SaveSession(path string, s StoredSession) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	// Write then rename so watchers never see a half-written file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSession reads the credentials file. A missing file returns os.ErrNotExist.
func LoadSession(path string) (StoredSession, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is derived from the data dir.
	if err != nil {
		return StoredSession{}, err
	}
	var s StoredSession
	if err := json.Unmarshal(data, &s); err != nil {
		return StoredSession{}, fmt.Errorf("decode session %s: %w", path, err)
	}
	if s.UserID == "" || s.AccessToken == "" {
		return StoredSession{}, fmt.Errorf("session %s missing user_id or token", path)
	}
	return s, nil
}

// RemoveSession deletes the credentials file; a missing file is not an error.
func RemoveSession(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ResolveSession loads the credentials file and refreshes an expired access
// token through auth when a refresh token is available. The refreshed pair
// is written back. Returns nil when there is no usable session.
func ResolveSession(ctx context.Context, path string, auth pocketbase.Client) (*userstate.Session, error) {
	stored, err := LoadSession(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess := stored.Session()
	if sess.Valid() || stored.RefreshToken == "" || auth == nil {
		return sess, nil
	}

	var saveErr error
	ts := pocketbase.RefreshingTokenSource(ctx, auth, stored.Token(), func(c pocketbase.Credentials) {
		next := StoredFromCredentials(c)
		next.Email = stored.Email
		if next.UserID == "" {
			next.UserID = stored.UserID
		}
		saveErr = SaveSession(path, next)
	})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if saveErr != nil {
		return nil, fmt.Errorf("save refreshed session: %w", saveErr)
	}
	return &userstate.Session{UserID: stored.UserID, Token: tok}, nil
}

// FileSessionSource publishes sign-in and sign-out as the credentials file
// appears, changes, or disappears. It implements userstate.SessionSource.
type FileSessionSource struct {
	path string
	auth pocketbase.Client
	log  *zap.Logger
	hub  *userstate.SessionHub

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileSessionSource reads the current file state. auth, when set,
// refreshes expired tokens.
func NewFileSessionSource(ctx context.Context, path string, auth pocketbase.Client, log *zap.Logger) (*FileSessionSource, error) {
	if log == nil {
		log = zap.NewNop()
	}
	initial, err := ResolveSession(ctx, path, auth)
	if err != nil {
		log.Warn("ignoring unreadable session file", zap.String("path", path), zap.Error(err))
		initial = nil
	}
	return &FileSessionSource{
		path: path,
		auth: auth,
		log:  log,
		hub:  userstate.NewSessionHub(initial),
		done: make(chan struct{}),
	}, nil
}

// Current returns the active session, if any.
func (f *FileSessionSource) Current() *userstate.Session { return f.hub.Current() }

// Subscribe registers fn for session events.
func (f *FileSessionSource) Subscribe(fn func(userstate.SessionEvent)) func() {
	return f.hub.Subscribe(fn)
}

// Start watches the credentials file's directory until Close or ctx ends.
func (f *FileSessionSource) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		_ = w.Close()
		return err
	}
	// The file is replaced by rename on save, so watch the directory.
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	f.watcher = w
	f.wg.Add(1)
	go f.loop(ctx)
	return nil
}

// Close stops watching.
func (f *FileSessionSource) Close() error {
	if f.watcher == nil {
		return nil
	}
	close(f.done)
	err := f.watcher.Close()
	f.wg.Wait()
	f.watcher = nil
	return err
}

func (f *FileSessionSource) loop(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
				continue
			}
			f.reload(ctx)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("session watcher error", zap.Error(err))
		}
	}
}

func (f *FileSessionSource) reload(ctx context.Context) {
	sess, err := ResolveSession(ctx, f.path, f.auth)
	if err != nil {
		f.log.Warn("reload session", zap.Error(err))
		return
	}
	cur := f.hub.Current()
	switch {
	case !sess.Valid():
		if cur != nil {
			f.hub.SignOut()
		}
	case cur == nil || cur.UserID != sess.UserID || cur.Token.AccessToken != sess.Token.AccessToken:
		f.hub.SignIn(sess)
	}
}
