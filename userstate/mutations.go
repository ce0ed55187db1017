// ABOUTME: Mutation surface used by the rendering layer.
// ABOUTME: Every mutation writes locally first, then asks the scheduler for a sync.
package userstate

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SyncRequester is notified after each local mutation.
type SyncRequester interface {
	RequestSync()
}

// Library exposes reads and user-driven mutations of the local state.
// Mutations never fail from the caller's point of view; storage errors are logged.
type Library struct {
	store *Store
	sync  SyncRequester
	log   *zap.Logger
	now   func() time.Time
}

// NewLibrary wires a library to its store and sync requester (which may be nil).
func NewLibrary(store *Store, sync SyncRequester, log *zap.Logger) *Library {
	if log == nil {
		log = zap.NewNop()
	}
	return &Library{
		store: store,
		sync:  sync,
		log:   log,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func (l *Library) mutate(op string, fn func(UserState) UserState) {
	if err := l.store.Update(context.Background(), fn); err != nil {
		l.log.Debug("mutation stored in memory only", zap.String("op", op), zap.Error(err))
	}
	if l.sync != nil {
		l.sync.RequestSync()
	}
}

// Snapshot returns the full local state.
func (l *Library) Snapshot() UserState { return l.store.Snapshot() }

// IsFavoritePodcast reports whether podcastID is a favorite.
func (l *Library) IsFavoritePodcast(podcastID string) bool {
	return l.store.Favorites().HasPodcast(podcastID)
}

// IsFavoriteEpisode reports whether episodeID is a favorite.
func (l *Library) IsFavoriteEpisode(episodeID string) bool {
	return l.store.Favorites().HasEpisode(episodeID)
}

// IsFavoriteAuthor reports whether author is a favorite.
func (l *Library) IsFavoriteAuthor(author string) bool {
	return l.store.Favorites().HasAuthor(author)
}

// Progress returns the progress for episodeID, if any.
func (l *Library) Progress(episodeID string) (ProgressRecord, bool) {
	p, ok := l.store.Progress()[episodeID]
	return p, ok
}

// SortMode returns the sort mode for podcastID, defaulting to newest first.
func (l *Library) SortMode(podcastID string) SortMode {
	if m, ok := l.store.SortPreferences().Modes[podcastID]; ok {
		return m
	}
	return SortNewest
}

// ToggleFavoritePodcast adds or removes a podcast favorite and returns the new membership.
func (l *Library) ToggleFavoritePodcast(podcastID string) bool {
	var added bool
	l.mutate("toggle_favorite_podcast", func(s UserState) UserState {
		s.Favorites.Podcasts, added = toggleString(s.Favorites.Podcasts, podcastID)
		return s
	})
	return added
}

// ToggleFavoriteAuthor adds or removes an author favorite and returns the new membership.
func (l *Library) ToggleFavoriteAuthor(author string) bool {
	author = strings.TrimSpace(author)
	var added bool
	l.mutate("toggle_favorite_author", func(s UserState) UserState {
		s.Favorites.Authors, added = toggleString(s.Favorites.Authors, author)
		return s
	})
	return added
}

// ToggleFavoriteEpisode adds or removes an episode favorite and returns the new membership.
func (l *Library) ToggleFavoriteEpisode(episodeID, podcastID string) bool {
	var added bool
	l.mutate("toggle_favorite_episode", func(s UserState) UserState {
		kept := make([]EpisodeFavorite, 0, len(s.Favorites.Episodes)+1)
		for _, e := range s.Favorites.Episodes {
			if e.EpisodeID != episodeID {
				kept = append(kept, e)
			}
		}
		added = len(kept) == len(s.Favorites.Episodes)
		if added {
			kept = append(kept, EpisodeFavorite{EpisodeID: episodeID, PodcastID: podcastID, AddedAt: l.now()})
		}
		s.Favorites.Episodes = kept
		return s
	})
	return added
}

// RecordProgress stores the listening position, clamped to [0, 100].
func (l *Library) RecordProgress(episodeID string, percent float64) {
	switch {
	case percent < 0 || math.IsNaN(percent):
		percent = 0
	case percent > 100:
		percent = 100
	}
	l.mutate("record_progress", func(s UserState) UserState {
		if s.Progress == nil {
			s.Progress = make(map[string]ProgressRecord)
		}
		s.Progress[episodeID] = ProgressRecord{Percent: percent, UpdatedAt: l.now()}
		return s
	})
}

// AppendHistory moves the subject to the front of the history.
// A zero timestamp means now. Entries at or before the last clear are ignored.
func (l *Library) AppendHistory(entry HistoryEntry) {
	if !entry.Kind.Valid() || entry.SubjectID == "" {
		l.log.Warn("ignoring invalid history entry", zap.String("kind", string(entry.Kind)), zap.String("id", entry.SubjectID))
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	if entry.Kind == KindPodcast {
		entry.PodcastID = entry.SubjectID
	}
	l.mutate("append_history", func(s UserState) UserState {
		if s.HistoryClearedAt != nil && !entry.Timestamp.After(*s.HistoryClearedAt) {
			return s
		}
		out := make([]HistoryEntry, 0, len(s.History)+1)
		out = append(out, entry)
		for _, e := range s.History {
			if e.Key() != entry.Key() {
				out = append(out, e)
			}
		}
		sortHistory(out)
		if len(out) > MaxHistory {
			out = out[:MaxHistory]
		}
		s.History = out
		return s
	})
}

// ClearHistory empties the history and records the clear so other devices drop older entries.
// The tombstone sits one clock tick before now so a play recorded in the
// same millisecond as the clear is kept.
func (l *Library) ClearHistory() {
	cleared := l.now().Add(-time.Millisecond)
	l.mutate("clear_history", func(s UserState) UserState {
		s.History = []HistoryEntry{}
		s.HistoryClearedAt = &cleared
		return s
	})
}

// SetSortPreference stores the sort mode for podcastID.
func (l *Library) SetSortPreference(podcastID string, mode SortMode) {
	l.mutate("set_sort_preference", func(s UserState) UserState {
		if s.SortPreferences.Modes == nil {
			s.SortPreferences.Modes = make(map[string]SortMode)
		}
		s.SortPreferences.Modes[podcastID] = mode
		return s
	})
}

// SetVisibleCategories restricts visible categories; nil means show all.
func (l *Library) SetVisibleCategories(names []string) {
	filter := &CategoryFilter{All: true}
	if names != nil {
		filter = &CategoryFilter{Names: uniqueSorted(names)}
	}
	l.mutate("set_visible_categories", func(s UserState) UserState {
		s.SortPreferences.VisibleCategories = filter
		return s
	})
}

// ClearVisibleCategories removes the category filter key entirely.
func (l *Library) ClearVisibleCategories() {
	l.mutate("clear_visible_categories", func(s UserState) UserState {
		s.SortPreferences.VisibleCategories = nil
		return s
	})
}

// toggleString adds or removes v and returns the list sorted, which is the
// order Merge produces.
func toggleString(list []string, v string) ([]string, bool) {
	out := make([]string, 0, len(list)+1)
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	added := len(out) == len(list)
	if added {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, added
}
