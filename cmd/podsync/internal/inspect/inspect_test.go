package inspect

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/solgood44/podcastlibrary-sub000/userstate"
)

func TestSummaryDocumentAndState(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "userstate.db")

	store, err := userstate.OpenStore(dbPath, userstate.StoreConfig{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	err = store.Update(ctx, func(s userstate.UserState) userstate.UserState {
		s.Favorites.Podcasts = append(s.Favorites.Podcasts, "pod-1")
		return s
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.SetState(ctx, "pending_changes", "1"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	_ = store.Close()

	insp, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open inspector: %v", err)
	}
	defer func() {
		if cerr := insp.Close(); cerr != nil {
			t.Fatalf("close inspector: %v", cerr)
		}
	}()

	summary, err := insp.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	var found bool
	for _, row := range summary {
		if row.Kind == string(userstate.DocFavorites) {
			found = true
			if row.Bytes == 0 || row.UpdatedAt.IsZero() {
				t.Fatalf("unexpected row %+v", row)
			}
		}
	}
	if !found {
		t.Fatalf("favorites missing from summary %+v", summary)
	}

	body, err := insp.Document(ctx, string(userstate.DocFavorites))
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if !strings.Contains(body, "pod-1") {
		t.Fatalf("favorites body = %s", body)
	}
	if _, err := insp.Document(ctx, "nope"); !errors.Is(err, ErrNoDocument) {
		t.Fatalf("missing document err = %v", err)
	}

	state, err := insp.SyncState(ctx)
	if err != nil {
		t.Fatalf("sync state: %v", err)
	}
	if len(state) != 1 || state[0].Key != "pending_changes" || state[0].Value != "1" {
		t.Fatalf("sync state = %+v", state)
	}
}

func TestOpenMissingStore(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "absent.db")); err == nil {
		t.Fatal("expected error opening a missing store read-only")
	}
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
