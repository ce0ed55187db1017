// ABOUTME: Server-side storage for the one-row-per-user document consumed by podsync clients.
// ABOUTME: Defines the Row shape and the Repo contract shared by the PocketBase and Postgres backends.
package userdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Table is the collection/table name used by both backends.
const Table = "user_data"

var (
	// ErrNotFound is returned when no row exists for the user.
	ErrNotFound = errors.New("user data not found")
	// ErrConflict is returned by Insert when the user already has a row.
	ErrConflict = errors.New("user data already exists")
	// ErrInvalidRow is returned when a row fails validation.
	ErrInvalidRow = errors.New("invalid user data row")
)

var (
	emptyObject    = json.RawMessage(`{}`)
	emptyArray     = json.RawMessage(`[]`)
	emptyFavorites = json.RawMessage(`{"podcasts":[],"episodes":[],"authors":[]}`)
)

// Row is the wire and storage shape of one user's data. Document columns are
// kept as raw JSON: the service stores what clients merged and never
// interprets it beyond validity.
type Row struct {
	UserID           string          `json:"user_id"`
	Progress         json.RawMessage `json:"progress"`
	History          json.RawMessage `json:"history"`
	HistoryClearedAt *time.Time      `json:"history_cleared_at"`
	Favorites        json.RawMessage `json:"favorites"`
	SortPreferences  json.RawMessage `json:"sort_preferences"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// WithDefaults fills missing documents with their empty values and stamps
// UpdatedAt when it is zero.
func (r Row) WithDefaults(now time.Time) Row {
	if isNull(r.Progress) {
		r.Progress = emptyObject
	}
	if isNull(r.History) {
		r.History = emptyArray
	}
	if isNull(r.Favorites) {
		r.Favorites = emptyFavorites
	}
	if isNull(r.SortPreferences) {
		r.SortPreferences = emptyObject
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now.UTC()
	}
	return r
}

// Validate checks the user id and that every present document is JSON of
// the expected kind.
func (r Row) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user_id required", ErrInvalidRow)
	}
	checks := []struct {
		name string
		raw  json.RawMessage
		want byte
	}{
		{"progress", r.Progress, '{'},
		{"history", r.History, '['},
		{"favorites", r.Favorites, '{'},
		{"sort_preferences", r.SortPreferences, '{'},
	}
	for _, c := range checks {
		if isNull(c.raw) {
			continue
		}
		if !json.Valid(c.raw) {
			return fmt.Errorf("%w: %s is not valid JSON", ErrInvalidRow, c.name)
		}
		if first := firstByte(c.raw); first != c.want {
			return fmt.Errorf("%w: %s has the wrong shape", ErrInvalidRow, c.name)
		}
	}
	return nil
}

// Repo stores user rows. Implementations must make Upsert atomic per user.
type Repo interface {
	// Get returns the user's row or ErrNotFound.
	Get(ctx context.Context, userID string) (Row, error)
	// Insert creates a row, failing with ErrConflict if one exists.
	Insert(ctx context.Context, row Row) error
	// Update replaces the documents present in row and leaves nil ones
	// untouched. Returns ErrNotFound when the row is missing.
	Update(ctx context.Context, row Row) error
	// Upsert inserts or fully replaces the row in one step.
	Upsert(ctx context.Context, row Row) error
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func firstByte(raw json.RawMessage) byte {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return 0
	}
	return s[0]
}
