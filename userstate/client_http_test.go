package userstate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

func testSyncConfig(baseURL string) SyncConfig {
	cfg := DefaultSyncConfig(baseURL)
	cfg.Retry = RetryConfig{MaxAttempts: 3, InitialWait: time.Millisecond, Multiplier: 1.0}
	return cfg
}

func TestGatewayFetchNotFound(t *testing.T) {
	fake, srv := newFakeDataService(t)
	gw := NewGateway(testSyncConfig(srv.URL), nil)

	_, found, err := gw.Fetch(context.Background(), fake.session("u1"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if found {
		t.Fatal("expected no row")
	}
}

func TestGatewayAtomicUpsert(t *testing.T) {
	fake, srv := newFakeDataService(t)
	cfg := testSyncConfig(srv.URL)
	cfg.APIKey = "anon-key"
	gw := NewGateway(cfg, nil)
	sess := fake.session("u1")
	ctx := context.Background()

	state := UserState{Favorites: Favorites{Podcasts: []string{"P1"}}}
	if err := gw.Upsert(ctx, sess, state); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	state.Favorites.Podcasts = append(state.Favorites.Podcasts, "P2")
	if err := gw.Upsert(ctx, sess, state); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if fake.count(http.MethodPost) != 2 || fake.count(http.MethodGet) != 0 || fake.count(http.MethodPatch) != 0 {
		t.Fatalf("calls = %v, want two POSTs only", fake.calls)
	}
	row, ok := fake.row("u1")
	if !ok || len(row.Favorites.Podcasts) != 2 {
		t.Fatalf("row = %+v", row)
	}

	h := fake.headers[0]
	if h.Get("apikey") != "anon-key" {
		t.Errorf("apikey = %q", h.Get("apikey"))
	}
	if _, err := uuid.Parse(h.Get("X-Request-ID")); err != nil {
		t.Errorf("X-Request-ID %q is not a uuid", h.Get("X-Request-ID"))
	}
	if h.Get("Authorization") != "Bearer tok-u1" {
		t.Errorf("Authorization = %q", h.Get("Authorization"))
	}
}

func TestGatewayCheckThenAct(t *testing.T) {
	fake, srv := newFakeDataService(t)
	cfg := testSyncConfig(srv.URL)
	cfg.UpsertMode = UpsertCheckThenAct
	gw := NewGateway(cfg, nil)
	sess := fake.session("u1")
	ctx := context.Background()

	if err := gw.Upsert(ctx, sess, UserState{}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if fake.count(http.MethodPost) != 1 || fake.count(http.MethodPatch) != 0 {
		t.Fatalf("calls after insert = %v", fake.calls)
	}
	if err := gw.Upsert(ctx, sess, UserState{}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if fake.count(http.MethodPost) != 1 || fake.count(http.MethodPatch) != 1 || fake.count(http.MethodGet) != 2 {
		t.Fatalf("calls after update = %v", fake.calls)
	}
}

func TestGatewayCheckThenActRecoversFromInsertRace(t *testing.T) {
	fake, srv := newFakeDataService(t)
	cfg := testSyncConfig(srv.URL)
	cfg.UpsertMode = UpsertCheckThenAct
	gw := NewGateway(cfg, nil)
	sess := fake.session("u1")

	// Another device inserts between our read and our insert.
	fake.mu.Lock()
	fake.raceRow = &RemoteRow{UserID: "u1", UserState: UserState{Favorites: Favorites{Podcasts: []string{"OTHER"}}}}
	fake.mu.Unlock()

	mine := UserState{Favorites: Favorites{Podcasts: []string{"MINE"}}}
	if err := gw.Upsert(context.Background(), sess, mine); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if fake.count(http.MethodGet) != 2 || fake.count(http.MethodPost) != 1 || fake.count(http.MethodPatch) != 1 {
		t.Fatalf("calls = %v, want GET, POST (409), GET, PATCH", fake.calls)
	}
	row, _ := fake.row("u1")
	if fmt.Sprint(row.Favorites.Podcasts) != "[MINE]" {
		t.Fatalf("row favorites = %v, want the retried write", row.Favorites.Podcasts)
	}
}

func TestGatewayErrors(t *testing.T) {
	fake, srv := newFakeDataService(t)
	gw := NewGateway(testSyncConfig(srv.URL), nil)
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		_, _, err := gw.Fetch(ctx, nil)
		if !errors.Is(err, ErrAuthRequired) {
			t.Fatalf("err = %v, want ErrAuthRequired", err)
		}
		expired := &Session{UserID: "u1", Token: &oauth2.Token{AccessToken: "x", Expiry: time.Now().Add(-time.Minute)}}
		if err := gw.Upsert(ctx, expired, UserState{}); !errors.Is(err, ErrAuthRequired) {
			t.Fatalf("err = %v, want ErrAuthRequired for expired token", err)
		}
	})

	t.Run("unauthorized is not retried", func(t *testing.T) {
		before := fake.count(http.MethodGet)
		bad := &Session{UserID: "u1", Token: &oauth2.Token{AccessToken: "unknown"}}
		_, _, err := gw.Fetch(ctx, bad)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("err = %v, want ErrUnauthorized", err)
		}
		if got := fake.count(http.MethodGet) - before; got != 1 {
			t.Fatalf("GETs = %d, want 1", got)
		}
	})

	t.Run("server error is retried", func(t *testing.T) {
		before := fake.count(http.MethodGet)
		fake.failNext(http.StatusServiceUnavailable, http.StatusBadGateway)
		_, _, err := gw.Fetch(ctx, fake.session("u1"))
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if got := fake.count(http.MethodGet) - before; got != 3 {
			t.Fatalf("GETs = %d, want 3", got)
		}
	})

	t.Run("exhausted retries carry detail", func(t *testing.T) {
		fake.failNext(500, 500, 500)
		_, _, err := gw.Fetch(ctx, fake.session("u1"))
		var se *SyncError
		if !errors.As(err, &se) || !errors.Is(err, ErrServerError) {
			t.Fatalf("err = %v", err)
		}
		if se.Retries != 3 || se.Detail == "" {
			t.Fatalf("SyncError = %+v", se)
		}
	})

	t.Run("network failure", func(t *testing.T) {
		cfg := testSyncConfig("http://127.0.0.1:1")
		cfg.Retry.MaxAttempts = 1
		_, _, err := NewGateway(cfg, nil).Fetch(ctx, fake.session("u1"))
		if !errors.Is(err, ErrNetworkFailure) {
			t.Fatalf("err = %v, want ErrNetworkFailure", err)
		}
	})
}

func TestGatewayRoundTripsState(t *testing.T) {
	fake, srv := newFakeDataService(t)
	gw := NewGateway(testSyncConfig(srv.URL), nil)
	sess := fake.session("u1")
	ctx := context.Background()

	cleared := at(-5)
	in := UserState{
		Progress:         map[string]ProgressRecord{"E1": {Percent: 33, UpdatedAt: at(0)}},
		History:          []HistoryEntry{episodeEntry("E1", 1), podcastEntry("P1", 0)},
		HistoryClearedAt: &cleared,
		Favorites:        Favorites{Episodes: []EpisodeFavorite{{EpisodeID: "E1", PodcastID: "P1", AddedAt: at(0)}}},
		SortPreferences:  SortPreferences{VisibleCategories: &CategoryFilter{All: true}},
		UpdatedAt:        at(2),
	}
	if err := gw.Upsert(ctx, sess, in); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	out, found, err := gw.Fetch(ctx, sess)
	if err != nil || !found {
		t.Fatalf("fetch: found=%v err=%v", found, err)
	}
	if out.Progress["E1"].Percent != 33 || len(out.History) != 2 || out.History[1].Kind != KindPodcast {
		t.Fatalf("state = %+v", out)
	}
	if out.HistoryClearedAt == nil || !out.HistoryClearedAt.Equal(cleared) {
		t.Fatalf("clearedAt = %v", out.HistoryClearedAt)
	}
	if out.SortPreferences.VisibleCategories == nil || !out.SortPreferences.VisibleCategories.All {
		t.Fatalf("visibleCategories = %+v", out.SortPreferences.VisibleCategories)
	}
}
