// ABOUTME: Session lifecycle contract between the auth layer and the sync engine.
// ABOUTME: SessionHub is an in-memory publisher of sign-in and sign-out events.
package userstate

import (
	"sort"
	"sync"

	"golang.org/x/oauth2"
)

// Session identifies the signed-in user and carries the bearer credential.
type Session struct {
	UserID string
	Token  *oauth2.Token
}

// Valid reports whether the session can authorize remote calls.
// Expired or missing tokens count as no session.
func (s *Session) Valid() bool {
	return s != nil && s.UserID != "" && s.Token.Valid()
}

// SessionEventType distinguishes sign-in from sign-out.
type SessionEventType int

const (
	SignedIn SessionEventType = iota + 1
	SignedOut
)

func (t SessionEventType) String() string {
	switch t {
	case SignedIn:
		return "signed_in"
	case SignedOut:
		return "signed_out"
	}
	return "unknown"
}

// SessionEvent is published on every session transition.
type SessionEvent struct {
	Type    SessionEventType
	Session *Session // nil for SignedOut
}

// SessionSource is what the engine needs from an auth provider.
type SessionSource interface {
	Current() *Session
	Subscribe(fn func(SessionEvent)) (cancel func())
}

// SessionHub is an in-memory SessionSource.
type SessionHub struct {
	mu      sync.Mutex
	current *Session
	subs    map[int]func(SessionEvent)
	nextID  int
}

// NewSessionHub creates a hub, optionally starting signed in.
func NewSessionHub(initial *Session) *SessionHub {
	return &SessionHub{current: initial, subs: make(map[int]func(SessionEvent))}
}

// Current returns the active session or nil.
func (h *SessionHub) Current() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Subscribe registers fn for future events.
func (h *SessionHub) Subscribe(fn func(SessionEvent)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// SignIn sets the current session and notifies subscribers.
func (h *SessionHub) SignIn(s *Session) {
	h.mu.Lock()
	h.current = s
	h.mu.Unlock()
	h.publish(SessionEvent{Type: SignedIn, Session: s})
}

// SignOut clears the current session and notifies subscribers.
func (h *SessionHub) SignOut() {
	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()
	h.publish(SessionEvent{Type: SignedOut})
}

func (h *SessionHub) publish(ev SessionEvent) {
	h.mu.Lock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(SessionEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
