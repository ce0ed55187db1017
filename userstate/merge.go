// ABOUTME: Pure merge of a local and a remote user-state document.
// ABOUTME: Used in both sync directions; neither side ever loses a key it alone holds.
package userstate

import (
	"sort"
	"time"
)

// Merge combines local and remote into one document.
//
// A nil or empty remote yields local unchanged. Otherwise progress and sort
// preferences take the remote value per key, history is a deduplicated
// union bounded to MaxHistory and filtered by the newer clear tombstone,
// and favorites are unions.
func Merge(local UserState, remote *UserState) UserState {
	if remote == nil || remote.IsEmpty() {
		return local.Clone()
	}

	out := UserState{
		Progress:        mergeProgress(local.Progress, remote.Progress),
		Favorites:       mergeFavorites(local.Favorites, remote.Favorites),
		SortPreferences: mergeSortPreferences(local.SortPreferences, remote.SortPreferences),
		UpdatedAt:       laterTime(local.UpdatedAt, remote.UpdatedAt),
	}
	out.HistoryClearedAt = laterClear(local.HistoryClearedAt, remote.HistoryClearedAt)
	out.History = mergeHistory(local.History, remote.History, out.HistoryClearedAt)
	return out
}

func mergeProgress(local, remote map[string]ProgressRecord) map[string]ProgressRecord {
	out := make(map[string]ProgressRecord, len(local)+len(remote))
	for k, v := range local {
		out[k] = v
	}
	for k, v := range remote {
		out[k] = v
	}
	return out
}

// mergeHistory keeps the newest timestamp per subject. On equal timestamps
// the local entry is kept.
func mergeHistory(local, remote []HistoryEntry, clearedAt *time.Time) []HistoryEntry {
	byKey := make(map[string]HistoryEntry, len(local)+len(remote))
	order := make([]string, 0, len(local)+len(remote))
	for _, list := range [][]HistoryEntry{local, remote} {
		for _, e := range list {
			if clearedAt != nil && !e.Timestamp.After(*clearedAt) {
				continue
			}
			k := e.Key()
			prev, ok := byKey[k]
			if !ok {
				order = append(order, k)
				byKey[k] = e
				continue
			}
			if e.Timestamp.After(prev.Timestamp) {
				byKey[k] = e
			}
		}
	}

	out := make([]HistoryEntry, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	sortHistory(out)
	if len(out) > MaxHistory {
		out = out[:MaxHistory]
	}
	return out
}

func mergeFavorites(local, remote Favorites) Favorites {
	return Favorites{
		Podcasts: unionSorted(local.Podcasts, remote.Podcasts),
		Episodes: mergeEpisodes(local.Episodes, remote.Episodes),
		Authors:  unionSorted(local.Authors, remote.Authors),
	}
}

// mergeEpisodes keeps the first occurrence of each episode ID, local first.
func mergeEpisodes(local, remote []EpisodeFavorite) []EpisodeFavorite {
	seen := make(map[string]struct{}, len(local)+len(remote))
	out := make([]EpisodeFavorite, 0, len(local)+len(remote))
	for _, list := range [][]EpisodeFavorite{local, remote} {
		for _, e := range list {
			if _, ok := seen[e.EpisodeID]; ok {
				continue
			}
			seen[e.EpisodeID] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}

func mergeSortPreferences(local, remote SortPreferences) SortPreferences {
	out := SortPreferences{Modes: make(map[string]SortMode, len(local.Modes)+len(remote.Modes))}
	for k, v := range local.Modes {
		out.Modes[k] = v
	}
	for k, v := range remote.Modes {
		out.Modes[k] = v
	}
	// Absent on the remote side keeps the local filter; null or a list overwrites.
	switch {
	case remote.VisibleCategories != nil:
		out.VisibleCategories = remote.clone().VisibleCategories
	case local.VisibleCategories != nil:
		out.VisibleCategories = local.clone().VisibleCategories
	}
	return out
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func laterClear(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		t := *b
		return &t
	case b == nil:
		t := *a
		return &t
	}
	t := laterTime(*a, *b)
	return &t
}

func laterTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
