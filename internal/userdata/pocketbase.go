package userdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
)

// maxDocumentBytes bounds each JSON column; history is capped at 50 entries
// client-side so this is generous.
const maxDocumentBytes = 2 << 20

// EnsureCollection creates the user_data collection if it does not exist.
// The unique index on user_id is what makes concurrent inserts for one user
// collapse to a single row.
func EnsureCollection(app core.App) error {
	if _, err := app.FindCollectionByNameOrId(Table); err == nil {
		return nil
	}
	col := core.NewBaseCollection(Table)
	col.Fields.Add(
		&core.TextField{
			Name:     "user_id",
			Required: true,
			Max:      255,
		},
		&core.JSONField{Name: "progress", MaxSize: maxDocumentBytes},
		&core.JSONField{Name: "history", MaxSize: maxDocumentBytes},
		&core.JSONField{Name: "favorites", MaxSize: maxDocumentBytes},
		&core.JSONField{Name: "sort_preferences", MaxSize: maxDocumentBytes},
		&core.TextField{Name: "history_cleared_at"},
		&core.TextField{Name: "updated_at"},
	)
	col.AddIndex("idx_user_data_user_id", true, "user_id", "")
	return app.Save(col)
}

// PocketBaseRepo stores rows in a PocketBase collection.
type PocketBaseRepo struct {
	app core.App
}

// NewPocketBaseRepo wraps app. The collection must exist (see EnsureCollection).
func NewPocketBaseRepo(app core.App) *PocketBaseRepo {
	return &PocketBaseRepo{app: app}
}

// Get returns the user's row.
func (r *PocketBaseRepo) Get(ctx context.Context, userID string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	rec, err := findRow(r.app, userID)
	if err != nil {
		return Row{}, err
	}
	return recordToRow(rec), nil
}

// Insert creates the row or fails with ErrConflict.
func (r *PocketBaseRepo) Insert(ctx context.Context, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.app.RunInTransaction(func(txApp core.App) error {
		if _, err := findRow(txApp, row.UserID); err == nil {
			return ErrConflict
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		col, err := txApp.FindCollectionByNameOrId(Table)
		if err != nil {
			return fmt.Errorf("user_data collection: %w", err)
		}
		rec := core.NewRecord(col)
		applyRow(rec, row.WithDefaults(time.Now()), false)
		return txApp.Save(rec)
	})
}

// Update changes the documents present in row.
func (r *PocketBaseRepo) Update(ctx context.Context, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.app.RunInTransaction(func(txApp core.App) error {
		rec, err := findRow(txApp, row.UserID)
		if err != nil {
			return err
		}
		applyRow(rec, row, true)
		return txApp.Save(rec)
	})
}

// Upsert inserts or replaces the row inside one transaction.
func (r *PocketBaseRepo) Upsert(ctx context.Context, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	row = row.WithDefaults(time.Now())
	return r.app.RunInTransaction(func(txApp core.App) error {
		rec, err := findRow(txApp, row.UserID)
		switch {
		case errors.Is(err, ErrNotFound):
			col, cerr := txApp.FindCollectionByNameOrId(Table)
			if cerr != nil {
				return fmt.Errorf("user_data collection: %w", cerr)
			}
			rec = core.NewRecord(col)
		case err != nil:
			return err
		}
		applyRow(rec, row, false)
		return txApp.Save(rec)
	})
}

func findRow(app core.App, userID string) (*core.Record, error) {
	rec, err := app.FindFirstRecordByFilter(Table, "user_id = {:user_id}", map[string]any{"user_id": userID})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// applyRow copies row into rec. With partial set, nil documents and a nil
// clear timestamp leave the stored values alone.
func applyRow(rec *core.Record, row Row, partial bool) {
	rec.Set("user_id", row.UserID)
	setJSON := func(name string, raw json.RawMessage) {
		if partial && raw == nil {
			return
		}
		rec.Set(name, types.JSONRaw(raw))
	}
	setJSON("progress", row.Progress)
	setJSON("history", row.History)
	setJSON("favorites", row.Favorites)
	setJSON("sort_preferences", row.SortPreferences)

	switch {
	case row.HistoryClearedAt != nil:
		rec.Set("history_cleared_at", row.HistoryClearedAt.UTC().Format(time.RFC3339Nano))
	case !partial:
		rec.Set("history_cleared_at", "")
	}
	if !row.UpdatedAt.IsZero() {
		rec.Set("updated_at", row.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
}

func recordToRow(rec *core.Record) Row {
	row := Row{
		UserID:          rec.GetString("user_id"),
		Progress:        jsonColumn(rec, "progress"),
		History:         jsonColumn(rec, "history"),
		Favorites:       jsonColumn(rec, "favorites"),
		SortPreferences: jsonColumn(rec, "sort_preferences"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, rec.GetString("history_cleared_at")); err == nil {
		row.HistoryClearedAt = &ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, rec.GetString("updated_at")); err == nil {
		row.UpdatedAt = ts
	}
	return row.WithDefaults(time.Time{})
}

func jsonColumn(rec *core.Record, name string) json.RawMessage {
	switch v := rec.Get(name).(type) {
	case types.JSONRaw:
		if len(v) == 0 {
			return nil
		}
		return json.RawMessage(v)
	case nil:
		return nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return data
	}
}
