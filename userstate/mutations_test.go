package userstate

import (
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"
)

type countingRequester struct{ n int }

func (c *countingRequester) RequestSync() { c.n++ }

func newTestLibrary(t *testing.T) (*Library, *countingRequester) {
	t.Helper()
	store, _ := openTestStore(t, StoreConfig{}, nil)
	req := &countingRequester{}
	lib := NewLibrary(store, req, nil)
	clock := base
	lib.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return lib, req
}

func TestLibraryToggleFavorites(t *testing.T) {
	lib, req := newTestLibrary(t)

	if !lib.ToggleFavoritePodcast("P1") || !lib.IsFavoritePodcast("P1") {
		t.Fatal("podcast not added")
	}
	if lib.ToggleFavoritePodcast("P1") || lib.IsFavoritePodcast("P1") {
		t.Fatal("podcast not removed")
	}
	if !lib.ToggleFavoriteAuthor(" Amy ") || !lib.IsFavoriteAuthor("Amy") {
		t.Fatal("author not added")
	}
	if !lib.ToggleFavoriteEpisode("E1", "P1") || !lib.IsFavoriteEpisode("E1") {
		t.Fatal("episode not added")
	}
	if lib.ToggleFavoriteEpisode("E1", "P1") || lib.IsFavoriteEpisode("E1") {
		t.Fatal("episode not removed")
	}
	if req.n != 5 {
		t.Fatalf("sync requests = %d, want one per mutation", req.n)
	}
}

func TestLibraryRecordProgressClamps(t *testing.T) {
	lib, _ := newTestLibrary(t)

	tests := []struct {
		in, want float64
	}{
		{-5, 0},
		{42.5, 42.5},
		{150, 100},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		lib.RecordProgress("E1", tt.in)
		got, ok := lib.Progress("E1")
		if !ok || got.Percent != tt.want {
			t.Errorf("RecordProgress(%v) stored %v, want %v", tt.in, got.Percent, tt.want)
		}
	}
}

func TestLibraryAppendHistory(t *testing.T) {
	lib, _ := newTestLibrary(t)

	lib.AppendHistory(HistoryEntry{Kind: KindEpisode, SubjectID: "E1", PodcastID: "P1"})
	lib.AppendHistory(HistoryEntry{Kind: KindPodcast, SubjectID: "P1"})
	lib.AppendHistory(HistoryEntry{Kind: KindEpisode, SubjectID: "E1", PodcastID: "P1"})

	h := lib.Snapshot().History
	if len(h) != 2 {
		t.Fatalf("history = %+v, want 2 entries", h)
	}
	if h[0].Key() != "episode:E1" || h[1].Key() != "podcast:P1" {
		t.Fatalf("order = %s, %s", h[0].Key(), h[1].Key())
	}

	for i := 0; i < 60; i++ {
		lib.AppendHistory(HistoryEntry{Kind: KindSound, SubjectID: fmt.Sprintf("S%d", i)})
	}
	h = lib.Snapshot().History
	if len(h) != MaxHistory {
		t.Fatalf("history len = %d, want %d", len(h), MaxHistory)
	}
	if h[0].SubjectID != "S59" {
		t.Fatalf("newest = %s, want S59", h[0].SubjectID)
	}

	lib.AppendHistory(HistoryEntry{Kind: "video", SubjectID: "x"})
	if lib.Snapshot().History[0].SubjectID != "S59" {
		t.Fatal("invalid entry was recorded")
	}
}

func TestLibraryClearHistorySetsTombstone(t *testing.T) {
	lib, _ := newTestLibrary(t)

	lib.AppendHistory(HistoryEntry{Kind: KindEpisode, SubjectID: "E1"})
	lib.ClearHistory()

	s := lib.Snapshot()
	if len(s.History) != 0 || s.HistoryClearedAt == nil {
		t.Fatalf("state = %+v, want empty history with tombstone", s)
	}

	// A late entry stamped before the clear stays out.
	lib.AppendHistory(HistoryEntry{Kind: KindEpisode, SubjectID: "E0", Timestamp: base})
	if len(lib.Snapshot().History) != 0 {
		t.Fatal("entry older than the clear was recorded")
	}
	lib.AppendHistory(HistoryEntry{Kind: KindEpisode, SubjectID: "E2"})
	if len(lib.Snapshot().History) != 1 {
		t.Fatal("entry after the clear was dropped")
	}
}

func TestLibraryHistoryInSameMillisecondAsClear(t *testing.T) {
	lib, _ := newTestLibrary(t)
	lib.now = func() time.Time { return base }

	lib.AppendHistory(HistoryEntry{Kind: KindEpisode, SubjectID: "E0"})
	lib.ClearHistory()
	lib.AppendHistory(HistoryEntry{Kind: KindEpisode, SubjectID: "E1"})

	s := lib.Snapshot()
	if len(s.History) != 1 || s.History[0].SubjectID != "E1" {
		t.Fatalf("history = %+v, want only E1", s.History)
	}
	if !s.HistoryClearedAt.Before(base) {
		t.Fatalf("clearedAt = %v, want before %v", s.HistoryClearedAt, base)
	}
	if got := Merge(s, &s).History; len(got) != 1 {
		t.Fatalf("merged history = %+v, want E1 kept", got)
	}
}

func TestLibraryFavoritesStaySorted(t *testing.T) {
	lib, _ := newTestLibrary(t)

	for _, id := range []string{"P3", "P1", "P2"} {
		lib.ToggleFavoritePodcast(id)
	}
	lib.ToggleFavoriteAuthor("Zoe")
	lib.ToggleFavoriteAuthor("Amy")
	lib.ToggleFavoritePodcast("P2")

	f := lib.Snapshot().Favorites
	if fmt.Sprint(f.Podcasts) != "[P1 P3]" || fmt.Sprint(f.Authors) != "[Amy Zoe]" {
		t.Fatalf("favorites = %v %v, want sorted", f.Podcasts, f.Authors)
	}
}

func TestMergeWithSelfIsIdentity(t *testing.T) {
	lib, _ := newTestLibrary(t)

	lib.AppendHistory(HistoryEntry{Kind: KindEpisode, SubjectID: "OLD"})
	lib.ClearHistory()
	lib.ToggleFavoritePodcast("b")
	lib.ToggleFavoritePodcast("a")
	lib.ToggleFavoriteAuthor("Zoe")
	lib.ToggleFavoriteAuthor("Amy")
	lib.ToggleFavoriteEpisode("E2", "P2")
	lib.ToggleFavoriteEpisode("E1", "P1")
	lib.RecordProgress("E1", 42)
	lib.AppendHistory(HistoryEntry{Kind: KindEpisode, SubjectID: "E1", PodcastID: "P1"})
	lib.AppendHistory(HistoryEntry{Kind: KindPodcast, SubjectID: "P2"})
	lib.SetSortPreference("P1", SortOldest)
	lib.SetVisibleCategories([]string{"news", "comedy"})

	s := lib.Snapshot()
	merged := Merge(s, &s)
	if !reflect.DeepEqual(merged, s) {
		t.Fatalf("merge with self changed the state:\nstored %+v\nmerged %+v", s, merged)
	}
}

func TestLibrarySortPreferences(t *testing.T) {
	lib, _ := newTestLibrary(t)

	if lib.SortMode("P1") != SortNewest {
		t.Fatal("default sort mode should be newest")
	}
	lib.SetSortPreference("P1", SortOldest)
	if lib.SortMode("P1") != SortOldest {
		t.Fatal("sort mode not stored")
	}

	lib.SetVisibleCategories([]string{"news", "comedy"})
	vc := lib.Snapshot().SortPreferences.VisibleCategories
	if vc == nil || vc.All || len(vc.Names) != 2 {
		t.Fatalf("visibleCategories = %+v", vc)
	}
	lib.SetVisibleCategories(nil)
	if vc := lib.Snapshot().SortPreferences.VisibleCategories; vc == nil || !vc.All {
		t.Fatalf("visibleCategories = %+v, want show all", vc)
	}
	lib.ClearVisibleCategories()
	if vc := lib.Snapshot().SortPreferences.VisibleCategories; vc != nil {
		t.Fatalf("visibleCategories = %+v, want absent", vc)
	}
}
