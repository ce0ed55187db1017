// ABOUTME: Data model for the per-user listening state document.
// ABOUTME: Progress, history, favorites and sort preferences plus their wire encoding.
package userstate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MaxHistory bounds the number of history entries kept in a document.
const MaxHistory = 50

// visibleCategoriesKey is the reserved sort_preferences key holding the category filter.
const visibleCategoriesKey = "visibleCategories"

// SubjectKind identifies what a history entry points at.
type SubjectKind string

const (
	KindEpisode SubjectKind = "episode"
	KindPodcast SubjectKind = "podcast"
	KindSound   SubjectKind = "sound"
)

// Valid reports whether k is a known subject kind.
func (k SubjectKind) Valid() bool {
	switch k {
	case KindEpisode, KindPodcast, KindSound:
		return true
	}
	return false
}

// SortMode is the per-podcast episode ordering.
type SortMode string

const (
	SortNewest SortMode = "newest"
	SortOldest SortMode = "oldest"
)

// ProgressRecord is the listening position within one episode.
type ProgressRecord struct {
	Percent   float64   `json:"percent"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HistoryEntry records that a subject was played.
type HistoryEntry struct {
	Kind      SubjectKind
	SubjectID string
	PodcastID string // optional for episodes, implied for podcast entries
	Timestamp time.Time
}

// Key is the identity used for history deduplication.
// An episode entry and a podcast entry for the same podcast never collide.
func (h HistoryEntry) Key() string {
	return string(h.Kind) + ":" + h.SubjectID
}

type historyWire struct {
	EpisodeID string    `json:"episodeId,omitempty"`
	PodcastID string    `json:"podcastId,omitempty"`
	SoundID   string    `json:"soundId,omitempty"`
	Type      string    `json:"type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON encodes the entry with exactly one identifying field set.
func (h HistoryEntry) MarshalJSON() ([]byte, error) {
	w := historyWire{Timestamp: h.Timestamp, Type: string(h.Kind)}
	switch h.Kind {
	case KindEpisode:
		w.EpisodeID = h.SubjectID
		w.PodcastID = h.PodcastID
	case KindPodcast:
		w.PodcastID = h.SubjectID
	case KindSound:
		w.SoundID = h.SubjectID
	default:
		return nil, fmt.Errorf("history entry: unknown kind %q", h.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON infers the kind from whichever identifier is present.
func (h *HistoryEntry) UnmarshalJSON(data []byte) error {
	var w historyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.EpisodeID != "":
		*h = HistoryEntry{Kind: KindEpisode, SubjectID: w.EpisodeID, PodcastID: w.PodcastID}
	case w.SoundID != "":
		*h = HistoryEntry{Kind: KindSound, SubjectID: w.SoundID}
	case w.PodcastID != "":
		*h = HistoryEntry{Kind: KindPodcast, SubjectID: w.PodcastID, PodcastID: w.PodcastID}
	default:
		return fmt.Errorf("history entry: no subject identifier")
	}
	h.Timestamp = w.Timestamp.UTC()
	return nil
}

// EpisodeFavorite is a favorited episode. Identity is EpisodeID alone.
type EpisodeFavorite struct {
	EpisodeID string    `json:"episodeId"`
	PodcastID string    `json:"podcastId"`
	AddedAt   time.Time `json:"addedAt"`
}

// Favorites holds the three independent favorite collections.
type Favorites struct {
	Podcasts []string          `json:"podcasts"`
	Episodes []EpisodeFavorite `json:"episodes"`
	Authors  []string          `json:"authors"`
}

// HasPodcast reports whether podcastID is a favorite.
func (f Favorites) HasPodcast(podcastID string) bool {
	return containsString(f.Podcasts, podcastID)
}

// HasAuthor reports whether author is a favorite.
func (f Favorites) HasAuthor(author string) bool {
	return containsString(f.Authors, author)
}

// HasEpisode reports whether episodeID is a favorite.
func (f Favorites) HasEpisode(episodeID string) bool {
	for _, e := range f.Episodes {
		if e.EpisodeID == episodeID {
			return true
		}
	}
	return false
}

// CategoryFilter is the value of the reserved visibleCategories key.
// All means "show all" and is encoded as JSON null.
type CategoryFilter struct {
	All   bool
	Names []string
}

// SortPreferences maps podcast IDs to sort modes and carries the category filter.
// VisibleCategories is nil when the key is absent from the document.
type SortPreferences struct {
	Modes             map[string]SortMode
	VisibleCategories *CategoryFilter
}

// MarshalJSON flattens the modes and the reserved key into one object.
func (p SortPreferences) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Modes)+1)
	for k, v := range p.Modes {
		out[k] = v
	}
	if p.VisibleCategories != nil {
		if p.VisibleCategories.All {
			out[visibleCategoriesKey] = nil
		} else {
			names := p.VisibleCategories.Names
			if names == nil {
				names = []string{}
			}
			out[visibleCategoriesKey] = names
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON separates the reserved key from podcast sort modes.
func (p *SortPreferences) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = SortPreferences{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := SortPreferences{}
	for k, v := range raw {
		if k == visibleCategoriesKey {
			if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
				out.VisibleCategories = &CategoryFilter{All: true}
				continue
			}
			var names []string
			if err := json.Unmarshal(v, &names); err != nil {
				return fmt.Errorf("sort preferences %s: %w", k, err)
			}
			out.VisibleCategories = &CategoryFilter{Names: uniqueSorted(names)}
			continue
		}
		var mode SortMode
		if err := json.Unmarshal(v, &mode); err != nil {
			return fmt.Errorf("sort preferences %s: %w", k, err)
		}
		if out.Modes == nil {
			out.Modes = make(map[string]SortMode)
		}
		out.Modes[k] = mode
	}
	*p = out
	return nil
}

// UserState is the reconciled per-user document.
type UserState struct {
	Progress         map[string]ProgressRecord `json:"progress"`
	History          []HistoryEntry            `json:"history"`
	HistoryClearedAt *time.Time                `json:"history_cleared_at"`
	Favorites        Favorites                 `json:"favorites"`
	SortPreferences  SortPreferences           `json:"sort_preferences"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// IsEmpty reports whether the document carries no user data at all.
func (s UserState) IsEmpty() bool {
	return len(s.Progress) == 0 &&
		len(s.History) == 0 &&
		s.HistoryClearedAt == nil &&
		len(s.Favorites.Podcasts) == 0 &&
		len(s.Favorites.Episodes) == 0 &&
		len(s.Favorites.Authors) == 0 &&
		len(s.SortPreferences.Modes) == 0 &&
		s.SortPreferences.VisibleCategories == nil
}

// Clone returns a deep copy of s.
func (s UserState) Clone() UserState {
	out := UserState{UpdatedAt: s.UpdatedAt}
	if s.Progress != nil {
		out.Progress = make(map[string]ProgressRecord, len(s.Progress))
		for k, v := range s.Progress {
			out.Progress[k] = v
		}
	}
	if s.History != nil {
		out.History = append([]HistoryEntry{}, s.History...)
	}
	if s.HistoryClearedAt != nil {
		t := *s.HistoryClearedAt
		out.HistoryClearedAt = &t
	}
	out.Favorites = s.Favorites.clone()
	out.SortPreferences = s.SortPreferences.clone()
	return out
}

func (f Favorites) clone() Favorites {
	out := Favorites{}
	if f.Podcasts != nil {
		out.Podcasts = append([]string{}, f.Podcasts...)
	}
	if f.Episodes != nil {
		out.Episodes = append([]EpisodeFavorite{}, f.Episodes...)
	}
	if f.Authors != nil {
		out.Authors = append([]string{}, f.Authors...)
	}
	return out
}

func (p SortPreferences) clone() SortPreferences {
	out := SortPreferences{}
	if p.Modes != nil {
		out.Modes = make(map[string]SortMode, len(p.Modes))
		for k, v := range p.Modes {
			out.Modes[k] = v
		}
	}
	if p.VisibleCategories != nil {
		vc := CategoryFilter{All: p.VisibleCategories.All}
		if p.VisibleCategories.Names != nil {
			vc.Names = append([]string{}, p.VisibleCategories.Names...)
		}
		out.VisibleCategories = &vc
	}
	return out
}

// sortHistory orders entries newest first; ties fall back to the identity key.
func sortHistory(entries []HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].Key() < entries[j].Key()
	})
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
