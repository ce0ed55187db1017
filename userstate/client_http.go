package userstate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxErrorBody = 4 << 10

// Gateway reads and writes the remote per-user document over the data service's REST table API.
type Gateway struct {
	cfg SyncConfig
	hc  *http.Client
	log *zap.Logger
}

// NewGateway builds a gateway with the configured timeout.
func NewGateway(cfg SyncConfig, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.GetTimeout()},
		log: log,
	}
}

// RemoteRow is the wire shape of one row in the user data table.
type RemoteRow struct {
	UserID string `json:"user_id"`
	UserState
}

// Fetch returns the remote document for the session's user.
// found is false when the table has no row for the user.
func (g *Gateway) Fetch(ctx context.Context, sess *Session) (UserState, bool, error) {
	if !sess.Valid() {
		return UserState{}, false, &SyncError{Op: "fetch", Err: ErrAuthRequired}
	}
	type result struct {
		state UserState
		found bool
	}
	r, err := WithRetry(ctx, g.retryConfig(), "fetch", func() (result, error) {
		st, found, err := g.fetch(ctx, sess)
		return result{st, found}, err
	})
	return r.state, r.found, err
}

// Upsert writes state as the user's row, inserting it on first sync.
func (g *Gateway) Upsert(ctx context.Context, sess *Session, state UserState) error {
	if !sess.Valid() {
		return &SyncError{Op: "upsert", Err: ErrAuthRequired}
	}
	_, err := WithRetry(ctx, g.retryConfig(), "upsert", func() (struct{}, error) {
		if g.cfg.GetUpsertMode() == UpsertCheckThenAct {
			return struct{}{}, g.checkThenAct(ctx, sess, state)
		}
		return struct{}{}, g.atomicUpsert(ctx, sess, state)
	})
	return err
}

func (g *Gateway) retryConfig() RetryConfig {
	cfg := g.cfg.GetRetryConfig()
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(op string, attempt int, wait time.Duration, err error) {
			g.log.Warn("retrying data service call",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}
	}
	return cfg
}

func (g *Gateway) fetch(ctx context.Context, sess *Session) (UserState, bool, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+sess.UserID)
	q.Set("select", "*")

	body, err := g.do(ctx, sess, http.MethodGet, g.tableURL(q), nil, nil)
	if err != nil {
		return UserState{}, false, err
	}

	var rows []RemoteRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return UserState{}, false, fmt.Errorf("%w: decode rows: %v", ErrServerError, err)
	}
	if len(rows) == 0 {
		return UserState{}, false, nil
	}
	return rows[0].UserState, true, nil
}

func (g *Gateway) atomicUpsert(ctx context.Context, sess *Session, state UserState) error {
	q := url.Values{}
	q.Set("on_conflict", "user_id")
	headers := map[string]string{"Prefer": "resolution=merge-duplicates,return=minimal"}
	_, err := g.do(ctx, sess, http.MethodPost, g.tableURL(q), rowFor(sess, state), headers)
	return err
}

// checkThenAct updates an existing row or inserts a new one.
// Two devices inserting concurrently can race; the atomic mode closes that window.
func (g *Gateway) checkThenAct(ctx context.Context, sess *Session, state UserState) error {
	_, found, err := g.fetch(ctx, sess)
	if err != nil {
		return err
	}
	if found {
		q := url.Values{}
		q.Set("user_id", "eq."+sess.UserID)
		_, err = g.do(ctx, sess, http.MethodPatch, g.tableURL(q), rowFor(sess, state), nil)
		return err
	}
	_, err = g.do(ctx, sess, http.MethodPost, g.tableURL(nil), rowFor(sess, state), nil)
	return err
}

func (g *Gateway) tableURL(q url.Values) string {
	u := strings.TrimRight(g.cfg.BaseURL, "/") + "/" + g.cfg.GetTable()
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do performs one request and maps failures onto the sentinel errors.
func (g *Gateway) do(ctx context.Context, sess *Session, method, target string, payload any, headers map[string]string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, err
	}
	reqID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+sess.Token.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.cfg.APIKey != "" {
		req.Header.Set("apikey", g.cfg.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := g.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetworkFailure, err)
	}
	g.log.Debug("data service call",
		zap.String("method", method), zap.Int("status", resp.StatusCode), zap.String("request_id", reqID))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// rowFor builds the wire row; collections are never sent as null.
func rowFor(sess *Session, state UserState) RemoteRow {
	s := state.Clone()
	if s.Progress == nil {
		s.Progress = map[string]ProgressRecord{}
	}
	if s.History == nil {
		s.History = []HistoryEntry{}
	}
	s.Favorites = normalizeFavorites(s.Favorites)
	return RemoteRow{UserID: sess.UserID, UserState: s}
}
