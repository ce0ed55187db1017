// Package statusfeed broadcasts sync status and local document changes to
// WebSocket clients, so a local UI can re-render without polling.
package statusfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/solgood44/podcastlibrary-sub000/userstate"
)

// Message types.
const (
	TypeStatus  = "status"
	TypeChanged = "changed"
)

// Message is one broadcast frame.
type Message struct {
	Type           string    `json:"type"`
	State          string    `json:"state,omitempty"`
	PendingChanges bool      `json:"pending_changes,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastSyncedAt   time.Time `json:"last_synced_at,omitzero"`
	UserID         string    `json:"user_id,omitempty"`
	Kind           string    `json:"kind,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// StatusMessage converts a scheduler status into a frame.
func StatusMessage(st userstate.Status) Message {
	m := Message{
		Type:           TypeStatus,
		State:          string(st.State),
		PendingChanges: st.PendingChanges,
		LastSyncedAt:   st.LastSyncedAt,
		UserID:         st.UserID,
	}
	if st.LastError != nil {
		m.LastError = st.LastError.Error()
	}
	return m
}

// Feed is an http.Handler that upgrades to WebSocket and fans out messages.
type Feed struct {
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	last    *Message // replayed to new clients

	broadcast chan Message
}

// New starts a feed. Call Close to disconnect clients and stop it.
func New(log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, 64),
	}
	f.wg.Add(1)
	go f.loop()
	return f
}

// PublishStatus broadcasts a scheduler status and remembers it for new clients.
func (f *Feed) PublishStatus(st userstate.Status) {
	m := StatusMessage(st)
	f.mu.Lock()
	f.last = &m
	f.mu.Unlock()
	f.publish(m)
}

// PublishChange broadcasts that a local document kind changed.
func (f *Feed) PublishChange(kind userstate.DocumentKind) {
	f.publish(Message{Type: TypeChanged, Kind: string(kind)})
}

func (f *Feed) publish(m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	select {
	case f.broadcast <- m:
	case <-f.ctx.Done():
	default:
		f.log.Warn("status feed backlog full, dropping message", zap.String("type", m.Type))
	}
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close disconnects all clients and stops broadcasting.
func (f *Feed) Close() {
	f.cancel()
	f.wg.Wait()
	f.mu.Lock()
	for conn := range f.clients {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(f.clients, conn)
	}
	f.mu.Unlock()
}

func (f *Feed) loop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case m := <-f.broadcast:
			data, err := json.Marshal(m)
			if err != nil {
				f.log.Warn("marshal status message", zap.Error(err))
				continue
			}
			f.mu.Lock()
			conns := make([]*websocket.Conn, 0, len(f.clients))
			for c := range f.clients {
				conns = append(conns, c)
			}
			f.mu.Unlock()
			for _, c := range conns {
				if err := f.write(c, data); err != nil {
					f.log.Debug("dropping status client", zap.Error(err))
					f.remove(c)
				}
			}
		}
	}
}

func (f *Feed) write(c *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP upgrades the request and registers the client.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Local UIs only; the daemon binds to loopback by default.
		InsecureSkipVerify: true,
	})
	if err != nil {
		f.log.Warn("status feed upgrade failed", zap.Error(err))
		return
	}

	f.mu.Lock()
	f.clients[conn] = struct{}{}
	last := f.last
	f.mu.Unlock()

	if last != nil {
		if data, err := json.Marshal(last); err == nil {
			_ = f.write(conn, data)
		}
	}

	// Read until the client goes away; inbound frames are ignored.
	defer f.remove(conn)
	for {
		if _, _, err := conn.Read(f.ctx); err != nil {
			return
		}
	}
}

func (f *Feed) remove(c *websocket.Conn) {
	f.mu.Lock()
	_, ok := f.clients[c]
	delete(f.clients, c)
	f.mu.Unlock()
	if ok {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}
}
