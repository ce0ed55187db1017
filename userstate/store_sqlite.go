// ABOUTME: Device-local document store backed by SQLite.
// ABOUTME: An in-memory copy is authoritative for reads; SQLite persists each document kind.
package userstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DocumentKind names one independently persisted part of the user state.
type DocumentKind string

const (
	DocProgress         DocumentKind = "progress"
	DocHistory          DocumentKind = "history"
	DocFavorites        DocumentKind = "favorites"
	DocSortPreferences  DocumentKind = "sort_preferences"
	DocHistoryClearedAt DocumentKind = "history_cleared_at"
)

// DocumentKinds lists every kind in persistence order.
var DocumentKinds = []DocumentKind{DocProgress, DocHistory, DocFavorites, DocSortPreferences, DocHistoryClearedAt}

var errCapacity = errors.New("document exceeds storage capacity")

// Store keeps the user state in memory and mirrors it to SQLite.
type Store struct {
	db  *sql.DB
	cfg StoreConfig
	log *zap.Logger

	mu    sync.Mutex
	state UserState

	lmu       sync.Mutex
	listeners map[int]func(DocumentKind)
	nextID    int
}

// OpenStore opens/creates a SQLite database, runs migrations and loads all documents.
func OpenStore(path string, cfg StoreConfig, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, cfg: cfg, log: log, listeners: make(map[int]func(DocumentKind))}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS documents (
  kind TEXT PRIMARY KEY,
  body TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
  k TEXT PRIMARY KEY,
  v TEXT NOT NULL
);
`)
	return err
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, body FROM documents`)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var kind, body string
		if err := rows.Scan(&kind, &body); err != nil {
			return err
		}
		if err := decodeKind(&s.state, DocumentKind(kind), []byte(body)); err != nil {
			// An unreadable document starts over empty rather than blocking the device.
			s.log.Warn("discarding unreadable local document", zap.String("kind", kind), zap.Error(err))
		}
	}
	return rows.Err()
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() UserState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Progress returns a copy of the progress map.
func (s *Store) Progress() map[string]ProgressRecord { return s.Snapshot().Progress }

// History returns a copy of the history, newest first.
func (s *Store) History() []HistoryEntry { return s.Snapshot().History }

// Favorites returns a copy of the favorites.
func (s *Store) Favorites() Favorites { return s.Snapshot().Favorites }

// SortPreferences returns a copy of the sort preferences.
func (s *Store) SortPreferences() SortPreferences { return s.Snapshot().SortPreferences }

// Read returns the JSON encoding of one document kind.
func (s *Store) Read(kind DocumentKind) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeKind(s.state, kind)
}

// Write replaces one document kind from its JSON encoding.
// Invalid JSON is rejected before any state changes.
func (s *Store) Write(ctx context.Context, kind DocumentKind, body []byte) error {
	var scratch UserState
	if err := decodeKind(&scratch, kind, body); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return s.Update(ctx, func(cur UserState) UserState {
		_ = decodeKind(&cur, kind, body)
		return cur
	})
}

// Update atomically replaces the state with fn(current).
//
// Only document kinds whose encoding changed are persisted and announced.
// If the medium rejects a write the error is logged and returned, but the
// in-memory copy keeps the new value.
func (s *Store) Update(ctx context.Context, fn func(UserState) UserState) error {
	s.mu.Lock()
	prev := s.state
	next := fn(prev.Clone())

	var changed []DocumentKind
	var errs []error
	for _, kind := range DocumentKinds {
		before, _ := encodeKind(prev, kind)
		after, err := encodeKind(next, kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", kind, err))
			continue
		}
		if string(before) == string(after) {
			continue
		}
		changed = append(changed, kind)
		if err := s.persist(ctx, kind, after); err != nil {
			s.log.Warn("local write rejected; keeping in-memory copy",
				zap.String("kind", string(kind)), zap.Int("bytes", len(after)), zap.Error(err))
			errs = append(errs, err)
		}
	}
	s.state = next
	s.mu.Unlock()

	for _, kind := range changed {
		s.notify(kind)
	}
	return errors.Join(errs...)
}

func (s *Store) persist(ctx context.Context, kind DocumentKind, body []byte) error {
	if s.cfg.MaxDocumentBytes > 0 && len(body) > s.cfg.MaxDocumentBytes {
		return &StorageWriteError{Kind: kind, Size: len(body), Cause: errCapacity}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO documents(kind, body, updated_at) VALUES(?,?,?)
ON CONFLICT(kind) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		string(kind), string(body), time.Now().UnixMilli())
	if err != nil {
		return &StorageWriteError{Kind: kind, Size: len(body), Cause: err}
	}
	return nil
}

// OnChange registers fn to run after each write of a document kind.
// Listeners run synchronously on the writing goroutine. The returned func unregisters.
func (s *Store) OnChange(fn func(DocumentKind)) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) notify(kind DocumentKind) {
	s.lmu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(DocumentKind), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn(kind)
	}
}

// DocumentInfo describes one persisted row.
type DocumentInfo struct {
	Kind      DocumentKind
	Bytes     int
	UpdatedAt time.Time
}

// Documents lists what is persisted on disk, which may lag memory after a rejected write.
func (s *Store) Documents(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, length(body), updated_at FROM documents ORDER BY kind`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []DocumentInfo
	for rows.Next() {
		var kind string
		var size int
		var ms int64
		if err := rows.Scan(&kind, &size, &ms); err != nil {
			return nil, err
		}
		out = append(out, DocumentInfo{Kind: DocumentKind(kind), Bytes: size, UpdatedAt: time.UnixMilli(ms).UTC()})
	}
	return out, rows.Err()
}

// GetState fetches sync metadata with default fallback.
func (s *Store) GetState(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM sync_state WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	return v, err
}

// SetState updates sync metadata.
func (s *Store) SetState(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_state(k,v) VALUES(?,?)
ON CONFLICT(k) DO UPDATE SET v=excluded.v`, key, val)
	return err
}

func encodeKind(s UserState, kind DocumentKind) ([]byte, error) {
	switch kind {
	case DocProgress:
		if s.Progress == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(s.Progress)
	case DocHistory:
		if s.History == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(s.History)
	case DocFavorites:
		return json.Marshal(normalizeFavorites(s.Favorites))
	case DocSortPreferences:
		return json.Marshal(s.SortPreferences)
	case DocHistoryClearedAt:
		return json.Marshal(s.HistoryClearedAt)
	}
	return nil, fmt.Errorf("unknown document kind %q", kind)
}

func decodeKind(s *UserState, kind DocumentKind, body []byte) error {
	switch kind {
	case DocProgress:
		var v map[string]ProgressRecord
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		s.Progress = v
	case DocHistory:
		var v []HistoryEntry
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		s.History = v
	case DocFavorites:
		var v Favorites
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		s.Favorites = v
	case DocSortPreferences:
		var v SortPreferences
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		s.SortPreferences = v
	case DocHistoryClearedAt:
		var v *time.Time
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		if v != nil {
			t := v.UTC()
			v = &t
		}
		s.HistoryClearedAt = v
	default:
		return fmt.Errorf("unknown document kind %q", kind)
	}
	return nil
}

// normalizeFavorites replaces nil slices so the wire never carries null collections.
func normalizeFavorites(f Favorites) Favorites {
	if f.Podcasts == nil {
		f.Podcasts = []string{}
	}
	if f.Episodes == nil {
		f.Episodes = []EpisodeFavorite{}
	}
	if f.Authors == nil {
		f.Authors = []string{}
	}
	return f
}
