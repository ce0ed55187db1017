// ABOUTME: HTTP client for the data service's password login and token refresh.
// ABOUTME: Produces oauth2 tokens that back a userstate.Session.
package pocketbase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/solgood44/podcastlibrary-sub000/userstate"
)

// ErrInvalidCredentials is returned for rejected logins and refresh tokens.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Credentials is a signed-in identity.
type Credentials struct {
	UserID string
	Email  string
	Token  *oauth2.Token // AccessToken plus RefreshToken and Expiry
}

// Session converts credentials into the sync engine's session.
func (c Credentials) Session() *userstate.Session {
	return &userstate.Session{UserID: c.UserID, Token: c.Token}
}

// Client describes the auth contract used by the CLI.
type Client interface {
	Login(ctx context.Context, email, password string) (Credentials, error)
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

// HTTPClient talks to the data service's auth endpoints.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPClient constructs an HTTPClient for the given server URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}
	return &HTTPClient{BaseURL: baseURL}
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

type authResponse struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresUnix  int64  `json:"expires_unix"`
}

// Login authenticates with email/password.
func (c *HTTPClient) Login(ctx context.Context, email, password string) (Credentials, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Credentials{}, errors.New("email and password required")
	}
	req := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{Email: email, Password: password}
	return c.post(ctx, "/v1/auth/login", req)
}

// Refresh exchanges a refresh token for a new token pair.
func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	if refreshToken == "" {
		return Credentials{}, errors.New("refresh token required")
	}
	req := struct {
		RefreshToken string `json:"refresh_token"`
	}{RefreshToken: refreshToken}
	return c.post(ctx, "/v1/auth/refresh", req)
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) (Credentials, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return Credentials{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Credentials{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return Credentials{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, decodeErrorBody(resp))
	case resp.StatusCode != http.StatusOK:
		return Credentials{}, fmt.Errorf("auth %s failed: %s", path, decodeErrorBody(resp))
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credentials{}, err
	}
	if out.UserID == "" || out.Token == "" {
		return Credentials{}, errors.New("auth response missing user_id or token")
	}
	tok := &oauth2.Token{
		AccessToken:  out.Token,
		TokenType:    "Bearer",
		RefreshToken: out.RefreshToken,
	}
	if out.ExpiresUnix > 0 {
		tok.Expiry = time.Unix(out.ExpiresUnix, 0).UTC()
	}
	return Credentials{UserID: out.UserID, Email: out.Email, Token: tok}, nil
}

func decodeErrorBody(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return resp.Status
}

// RefreshingTokenSource returns an oauth2.TokenSource that refreshes through c
// when tok expires. onRefresh, when set, receives each new token pair.
func RefreshingTokenSource(ctx context.Context, c Client, tok *oauth2.Token, onRefresh func(Credentials)) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(tok, &refresher{ctx: ctx, c: c, refresh: tok.RefreshToken, onRefresh: onRefresh})
}

type refresher struct {
	ctx       context.Context
	c         Client
	refresh   string
	onRefresh func(Credentials)
}

func (r *refresher) Token() (*oauth2.Token, error) {
	creds, err := r.c.Refresh(r.ctx, r.refresh)
	if err != nil {
		return nil, err
	}
	if creds.Token.RefreshToken != "" {
		r.refresh = creds.Token.RefreshToken
	}
	if r.onRefresh != nil {
		r.onRefresh(creds)
	}
	return creds.Token, nil
}
