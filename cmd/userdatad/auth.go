// ABOUTME: Password login, refresh-token rotation and bearer token verification.
// ABOUTME: Accepts PocketBase auth tokens and, when configured, OIDC tokens.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pocketbase/pocketbase/core"
	"go.uber.org/zap"
)

const refreshTokenTTL = 30 * 24 * time.Hour

// tokenVerifier resolves a bearer token issued by an external provider to a user id.
type tokenVerifier interface {
	Verify(ctx context.Context, raw string) (string, error)
}

type oidcVerifier struct {
	v *oidc.IDTokenVerifier
}

// newOIDCVerifier discovers the provider. Access tokens often carry an
// audience other than the client id, so the client id check is skipped
// when no client id is configured.
func newOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*oidcVerifier, error) {
	provider, err := oidc.NewProvider(ctx, cfg.ProviderURL)
	if err != nil {
		return nil, err
	}
	return &oidcVerifier{v: provider.Verifier(&oidc.Config{
		ClientID:          cfg.ClientID,
		SkipClientIDCheck: cfg.ClientID == "",
	})}, nil
}

func (o *oidcVerifier) Verify(ctx context.Context, raw string) (string, error) {
	tok, err := o.v.Verify(ctx, raw)
	if err != nil {
		return "", err
	}
	if tok.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return tok.Subject, nil
}

type ctxUserIDKey struct{}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserIDKey{}).(string)
	return id
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authUser(r)
		if err != nil {
			fail(w, http.StatusUnauthorized, err.Error())
			return
		}

		if s.limiters != nil && !s.limiters.get(userID).Allow() {
			fail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserIDKey{}, userID)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) authUser(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" || !strings.HasPrefix(h, "Bearer ") {
		return "", errors.New("missing bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	if raw == "" {
		return "", errors.New("missing bearer token")
	}

	if rec, err := s.app.FindAuthRecordByToken(raw, core.TokenTypeAuth); err == nil {
		return rec.Id, nil
	}
	if s.verifier != nil {
		if sub, err := s.verifier.Verify(r.Context(), raw); err == nil {
			return sub, nil
		}
	}
	return "", errors.New("invalid token")
}

// withIPRateLimit applies per-IP rate limiting for unauthenticated endpoints.
func (s *Server) withIPRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authLimiters != nil && !s.authLimiters.get(getClientIP(r, s.cfg.TrustedProxy)).Allow() {
			fail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// POST /v1/auth/login.
type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResp struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email,omitempty"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresUnix  int64  `json:"expires_unix"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		fail(w, http.StatusBadRequest, "email and password required")
		return
	}

	usersCol, err := s.app.FindCollectionByNameOrId(s.usersCollection)
	if err != nil {
		fail(w, http.StatusInternalServerError, "auth not configured")
		return
	}
	user, err := s.app.FindAuthRecordByEmail(usersCol, req.Email)
	if err != nil || !user.ValidatePassword(req.Password) {
		fail(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if !user.Verified() {
		fail(w, http.StatusForbidden, "please verify your email first")
		return
	}

	resp, err := s.issueTokens(user)
	if err != nil {
		s.log.Error("issue tokens", zap.String("user_id", user.Id), zap.Error(err))
		fail(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	resp.Email = user.Email()
	s.log.Info("user logged in", zap.String("user_id", user.Id))
	ok(w, resp)
}

// POST /v1/auth/refresh.
type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RefreshToken == "" {
		fail(w, http.StatusBadRequest, "refresh_token required")
		return
	}

	var user *core.Record
	// Single use: the lookup and delete share a transaction so a token
	// cannot be redeemed twice. Expired tokens are deleted too.
	err := s.app.RunInTransaction(func(txApp core.App) error {
		rec, err := txApp.FindFirstRecordByFilter("refresh_tokens", "token_hash = {:hash}",
			map[string]any{"hash": hashToken(req.RefreshToken)})
		if err != nil {
			return errInvalidRefresh
		}
		if err := txApp.Delete(rec); err != nil {
			return err
		}
		if rec.GetDateTime("expires").Time().Before(s.now()) {
			return nil
		}
		user, err = txApp.FindRecordById(s.usersCollection, rec.GetString("user"))
		if err != nil {
			user = nil
		}
		return nil
	})
	if errors.Is(err, errInvalidRefresh) || (err == nil && user == nil) {
		fail(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	if err != nil {
		s.log.Error("refresh token lookup", zap.Error(err))
		fail(w, http.StatusInternalServerError, "refresh failed")
		return
	}

	resp, err := s.issueTokens(user)
	if err != nil {
		s.log.Error("issue tokens", zap.String("user_id", user.Id), zap.Error(err))
		fail(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	ok(w, resp)
}

var errInvalidRefresh = errors.New("invalid refresh token")

// issueTokens mints an access token and stores a fresh refresh token.
func (s *Server) issueTokens(user *core.Record) (authResp, error) {
	ttl := s.cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token, err := user.NewStaticAuthToken(ttl)
	if err != nil {
		return authResp{}, err
	}

	refresh := randHex(32)
	tokensCol, err := s.app.FindCollectionByNameOrId("refresh_tokens")
	if err != nil {
		return authResp{}, err
	}
	rec := core.NewRecord(tokensCol)
	rec.Set("user", user.Id)
	rec.Set("token_hash", hashToken(refresh))
	rec.Set("expires", s.now().Add(refreshTokenTTL))
	if err := s.app.Save(rec); err != nil {
		return authResp{}, err
	}

	return authResp{
		UserID:       user.Id,
		Token:        token,
		RefreshToken: refresh,
		ExpiresUnix:  s.now().Add(ttl).Unix(),
	}, nil
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
