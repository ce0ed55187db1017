package userstate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// fakeDataService mimics the /user_data REST table with bearer auth and row-level access.
type fakeDataService struct {
	t *testing.T

	mu       sync.Mutex
	tokens   map[string]string // bearer token -> user id
	rows     map[string]RemoteRow
	calls    map[string]int // method -> count
	failures []int          // status codes returned (in order) before normal handling
	headers  []http.Header
	block    chan struct{} // when set, upserts wait on it
	raceRow  *RemoteRow    // stored just before the next plain insert, which then conflicts
}

func newFakeDataService(t *testing.T) (*fakeDataService, *httptest.Server) {
	t.Helper()
	f := &fakeDataService{
		t:      t,
		tokens: make(map[string]string),
		rows:   make(map[string]RemoteRow),
		calls:  make(map[string]int),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeDataService) session(userID string) *Session {
	token := "tok-" + userID
	f.mu.Lock()
	f.tokens[token] = userID
	f.mu.Unlock()
	return &Session{UserID: userID, Token: &oauth2.Token{AccessToken: token, Expiry: time.Now().Add(time.Hour)}}
}

func (f *fakeDataService) row(userID string) (RemoteRow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[userID]
	return r, ok
}

func (f *fakeDataService) seed(userID string, s UserState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[userID] = RemoteRow{UserID: userID, UserState: s}
}

func (f *fakeDataService) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeDataService) failNext(codes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, codes...)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeDataService) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls[r.Method]++
	f.headers = append(f.headers, r.Header.Clone())
	if len(f.failures) > 0 {
		code := f.failures[0]
		f.failures = f.failures[1:]
		f.mu.Unlock()
		writeJSON(w, code, map[string]string{"message": "injected failure"})
		return
	}
	uid, ok := f.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	block := f.block
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
		return
	}
	if r.URL.Path != "/user_data" {
		http.NotFound(w, r)
		return
	}
	filter := strings.TrimPrefix(r.URL.Query().Get("user_id"), "eq.")

	switch r.Method {
	case http.MethodGet:
		if filter != uid {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "row belongs to another user"})
			return
		}
		f.mu.Lock()
		row, found := f.rows[uid]
		f.mu.Unlock()
		out := []RemoteRow{}
		if found {
			out = append(out, row)
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost, http.MethodPatch:
		if block != nil {
			<-block
		}
		var row RemoteRow
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		if row.UserID != uid || (r.Method == http.MethodPatch && filter != uid) {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "row belongs to another user"})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.raceRow != nil && r.Method == http.MethodPost &&
			!strings.Contains(r.Header.Get("Prefer"), "resolution=merge-duplicates") {
			f.rows[f.raceRow.UserID] = *f.raceRow
			f.raceRow = nil
		}
		_, exists := f.rows[uid]
		switch {
		case r.Method == http.MethodPatch && !exists:
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "no row"})
			return
		case r.Method == http.MethodPost && exists &&
			!strings.Contains(r.Header.Get("Prefer"), "resolution=merge-duplicates"):
			writeJSON(w, http.StatusConflict, map[string]string{"message": "duplicate key value violates unique constraint"})
			return
		}
		f.rows[uid] = row
		w.WriteHeader(http.StatusCreated)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
