package inspect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// Inspector provides read-only access to the local user-state store.
// It does not take the data directory lock, so it works next to a running daemon.
type Inspector struct {
	db *sql.DB
}

// Open opens the SQLite database located at path in read-only mode.
func Open(path string) (*Inspector, error) {
	if path == "" {
		return nil, errors.New("store path required")
	}
	db, err := sql.Open("sqlite", "file:"+(&url.URL{Path: path}).EscapedPath()+"?mode=ro")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Inspector{db: db}, nil
}

// Close releases resources held by Inspector.
func (i *Inspector) Close() error {
	if i == nil || i.db == nil {
		return nil
	}
	return i.db.Close()
}

// SummaryRow describes one persisted document.
type SummaryRow struct {
	Kind      string
	Bytes     int
	UpdatedAt time.Time
}

// Summary returns every document kind with its size and last write time.
func (i *Inspector) Summary(ctx context.Context) ([]SummaryRow, error) {
	rows, err := i.db.QueryContext(ctx, `SELECT kind, length(body), updated_at FROM documents ORDER BY kind`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		var ms int64
		if err := rows.Scan(&r.Kind, &r.Bytes, &ms); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ErrNoDocument is returned by Document for a kind that was never written.
var ErrNoDocument = errors.New("document not found")

// Document returns the raw JSON body stored for kind.
func (i *Inspector) Document(ctx context.Context, kind string) (string, error) {
	if kind == "" {
		return "", errors.New("kind required")
	}
	var body string
	err := i.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE kind = ?`, kind).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNoDocument, kind)
	}
	return body, err
}

// StateRow is one sync metadata entry.
type StateRow struct {
	Key   string
	Value string
}

// SyncState returns the scheduler metadata ordered by key.
func (i *Inspector) SyncState(ctx context.Context) ([]StateRow, error) {
	rows, err := i.db.QueryContext(ctx, `SELECT k, v FROM sync_state ORDER BY k`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []StateRow
	for rows.Next() {
		var r StateRow
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
