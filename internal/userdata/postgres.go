package userdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PostgresRepo stores rows in a Postgres table.
type PostgresRepo struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresRepo wraps db.
func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// InitSchema creates the table if needed.
func (r *PostgresRepo) InitSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_data (
			user_id TEXT PRIMARY KEY,
			progress JSONB NOT NULL DEFAULT '{}',
			history JSONB NOT NULL DEFAULT '[]',
			history_cleared_at TIMESTAMPTZ,
			favorites JSONB NOT NULL DEFAULT '{"podcasts":[],"episodes":[],"authors":[]}',
			sort_preferences JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// Get returns the user's row.
func (r *PostgresRepo) Get(ctx context.Context, userID string) (Row, error) {
	query := `
		SELECT user_id, progress, history, history_cleared_at, favorites, sort_preferences, updated_at
		FROM user_data
		WHERE user_id = $1
	`
	var (
		row                                   Row
		progress, history, favorites, sortPrf []byte
		cleared                               sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&row.UserID, &progress, &history, &cleared, &favorites, &sortPrf, &row.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, err
	}
	row.Progress = json.RawMessage(progress)
	row.History = json.RawMessage(history)
	row.Favorites = json.RawMessage(favorites)
	row.SortPreferences = json.RawMessage(sortPrf)
	if cleared.Valid {
		ts := cleared.Time.UTC()
		row.HistoryClearedAt = &ts
	}
	row.UpdatedAt = row.UpdatedAt.UTC()
	return row, nil
}

// Insert creates the row or fails with ErrConflict.
func (r *PostgresRepo) Insert(ctx context.Context, row Row) error {
	row = row.WithDefaults(time.Now())
	query := `
		INSERT INTO user_data (user_id, progress, history, history_cleared_at, favorites, sort_preferences, updated_at)
		VALUES ($1, $2::jsonb, $3::jsonb, $4, $5::jsonb, $6::jsonb, $7)
	`
	_, err := r.db.ExecContext(ctx, query, rowArgs(row)...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return ErrConflict
	}
	return err
}

// Update changes the documents present in row; NULL parameters keep the
// stored column.
func (r *PostgresRepo) Update(ctx context.Context, row Row) error {
	query := `
		UPDATE user_data SET
			progress = COALESCE($2::jsonb, progress),
			history = COALESCE($3::jsonb, history),
			history_cleared_at = COALESCE($4, history_cleared_at),
			favorites = COALESCE($5::jsonb, favorites),
			sort_preferences = COALESCE($6::jsonb, sort_preferences),
			updated_at = COALESCE($7, updated_at)
		WHERE user_id = $1
	`
	var updated any
	if !row.UpdatedAt.IsZero() {
		updated = row.UpdatedAt.UTC()
	}
	res, err := r.db.ExecContext(ctx, query,
		row.UserID,
		jsonArg(row.Progress),
		jsonArg(row.History),
		timeArg(row.HistoryClearedAt),
		jsonArg(row.Favorites),
		jsonArg(row.SortPreferences),
		updated,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Upsert inserts or replaces the row with a single statement.
func (r *PostgresRepo) Upsert(ctx context.Context, row Row) error {
	row = row.WithDefaults(time.Now())
	query := `
		INSERT INTO user_data (user_id, progress, history, history_cleared_at, favorites, sort_preferences, updated_at)
		VALUES ($1, $2::jsonb, $3::jsonb, $4, $5::jsonb, $6::jsonb, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			progress = EXCLUDED.progress,
			history = EXCLUDED.history,
			history_cleared_at = EXCLUDED.history_cleared_at,
			favorites = EXCLUDED.favorites,
			sort_preferences = EXCLUDED.sort_preferences,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := r.db.ExecContext(ctx, query, rowArgs(row)...)
	return err
}

func rowArgs(row Row) []any {
	return []any{
		row.UserID,
		jsonArg(row.Progress),
		jsonArg(row.History),
		timeArg(row.HistoryClearedAt),
		jsonArg(row.Favorites),
		jsonArg(row.SortPreferences),
		row.UpdatedAt.UTC(),
	}
}

func jsonArg(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func timeArg(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.UTC()
}
