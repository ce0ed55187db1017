package userstate

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSortPreferencesJSONTriState(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantVC  *CategoryFilter
		wantOut string
	}{
		{"absent", `{"P1":"oldest"}`, nil, `{"P1":"oldest"}`},
		{"null", `{"P1":"oldest","visibleCategories":null}`, &CategoryFilter{All: true}, `{"P1":"oldest","visibleCategories":null}`},
		{"list", `{"visibleCategories":["news","comedy","news"]}`, &CategoryFilter{Names: []string{"comedy", "news"}}, `{"visibleCategories":["comedy","news"]}`},
		{"empty list", `{"visibleCategories":[]}`, &CategoryFilter{Names: []string{}}, `{"visibleCategories":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p SortPreferences
			if err := json.Unmarshal([]byte(tt.in), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			switch {
			case tt.wantVC == nil && p.VisibleCategories != nil:
				t.Fatalf("visibleCategories = %+v, want absent", p.VisibleCategories)
			case tt.wantVC != nil && p.VisibleCategories == nil:
				t.Fatal("visibleCategories absent")
			case tt.wantVC != nil:
				if p.VisibleCategories.All != tt.wantVC.All ||
					strings.Join(p.VisibleCategories.Names, ",") != strings.Join(tt.wantVC.Names, ",") {
					t.Fatalf("visibleCategories = %+v, want %+v", p.VisibleCategories, tt.wantVC)
				}
			}

			out, err := json.Marshal(p)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(out) != tt.wantOut {
				t.Fatalf("marshal = %s, want %s", out, tt.wantOut)
			}
		})
	}
}

func TestSortPreferencesRejectsBadValues(t *testing.T) {
	var p SortPreferences
	if err := json.Unmarshal([]byte(`{"visibleCategories":"news"}`), &p); err == nil {
		t.Fatal("expected error for non-list category filter")
	}
	if err := json.Unmarshal([]byte(`{"P1":7}`), &p); err == nil {
		t.Fatal("expected error for non-string sort mode")
	}
}

func TestHistoryEntryJSON(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantKind SubjectKind
		wantID   string
	}{
		{"episode", `{"episodeId":"E1","podcastId":"P1","timestamp":"2025-03-01T12:00:00Z"}`, KindEpisode, "E1"},
		{"podcast", `{"podcastId":"P1","type":"podcast","timestamp":"2025-03-01T12:00:00Z"}`, KindPodcast, "P1"},
		{"sound", `{"soundId":"rain","timestamp":"2025-03-01T12:00:00Z"}`, KindSound, "rain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h HistoryEntry
			if err := json.Unmarshal([]byte(tt.in), &h); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if h.Kind != tt.wantKind || h.SubjectID != tt.wantID {
				t.Fatalf("entry = %+v", h)
			}
			if !h.Timestamp.Equal(base) {
				t.Fatalf("timestamp = %v, want %v", h.Timestamp, base)
			}
		})
	}

	var h HistoryEntry
	if err := json.Unmarshal([]byte(`{"timestamp":"2025-03-01T12:00:00Z"}`), &h); err == nil {
		t.Fatal("expected error for entry without subject")
	}
	if _, err := json.Marshal(HistoryEntry{Kind: "video", SubjectID: "x"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRemoteRowShape(t *testing.T) {
	sess := &Session{UserID: "u1"}
	row := rowFor(sess, UserState{})

	b, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for field, want := range map[string]string{
		"user_id":            `"u1"`,
		"progress":           `{}`,
		"history":            `[]`,
		"favorites":          `{"podcasts":[],"episodes":[],"authors":[]}`,
		"sort_preferences":   `{}`,
		"history_cleared_at": `null`,
	} {
		if string(got[field]) != want {
			t.Errorf("%s = %s, want %s", field, got[field], want)
		}
	}
	if _, ok := got["updated_at"]; !ok {
		t.Error("updated_at missing")
	}
}

func TestUserStateIsEmpty(t *testing.T) {
	if !(UserState{}).IsEmpty() {
		t.Fatal("zero state should be empty")
	}
	cleared := base
	if (UserState{HistoryClearedAt: &cleared}).IsEmpty() {
		t.Fatal("a clear tombstone is data")
	}
	if (UserState{SortPreferences: SortPreferences{VisibleCategories: &CategoryFilter{All: true}}}).IsEmpty() {
		t.Fatal("an explicit category filter is data")
	}
}
