// ABOUTME: userdatad is the data service podsync devices reconcile against.
// ABOUTME: One row per user on PocketBase (or Postgres), password and OIDC auth, per-user rate limits.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"go.uber.org/zap"

	"github.com/solgood44/podcastlibrary-sub000/internal/logging"
	"github.com/solgood44/podcastlibrary-sub000/internal/userdata"

	_ "github.com/solgood44/podcastlibrary-sub000/cmd/userdatad/migrations" // Import migrations
)

// Server bundles state for userdatad handlers.
type Server struct {
	app          core.App
	repo         userdata.Repo
	verifier     tokenVerifier
	cfg          Config
	log          *zap.Logger
	limiters     *rateLimiterStore // Per-user rate limiting for data endpoints
	authLimiters *rateLimiterStore // Per-IP rate limiting for auth endpoints
	now          func() time.Time

	// usersCollection is the auth collection password logins check.
	usersCollection string
}

// NewServer wires handlers around app. repo defaults to the PocketBase collection.
func NewServer(app core.App, repo userdata.Repo, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if repo == nil {
		repo = userdata.NewPocketBaseRepo(app)
	}
	return &Server{
		app:             app,
		repo:            repo,
		cfg:             cfg,
		log:             log,
		limiters:        newRateLimiterStore(cfg.RateLimit),
		authLimiters:    newRateLimiterStore(cfg.AuthRateLimit),
		now:             time.Now,
		usersCollection: "users",
	}
}

func main() {
	cfg, err := LoadConfig(os.Getenv("USERDATAD_CONFIG"))
	if err != nil {
		_, _ = os.Stderr.WriteString("userdatad: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		_, _ = os.Stderr.WriteString("userdatad: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	app := pocketbase.New()

	var repo userdata.Repo
	if cfg.DatabaseURL != "" {
		db, err := userdata.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		pg := userdata.NewPostgresRepo(db)
		if err := pg.InitSchema(context.Background()); err != nil {
			logger.Fatal("init postgres schema", zap.Error(err))
		}
		repo = pg
		logger.Info("storing user data in postgres")
	}

	srv := NewServer(app, repo, cfg, logger.Named("userdatad"))
	if cfg.OIDC.ProviderURL != "" {
		v, err := newOIDCVerifier(context.Background(), cfg.OIDC)
		if err != nil {
			// Password auth still works; OIDC tokens will be rejected.
			logger.Warn("query OIDC provider", zap.String("provider", cfg.OIDC.ProviderURL), zap.Error(err))
		} else {
			srv.verifier = v
		}
	}

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		srv.registerRoutes(se.Router)
		srv.startCleanupRoutine(cleanupCtx)
		return se.Next()
	})
	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		stopCleanup()
		return e.Next()
	})

	if err := app.Start(); err != nil {
		logger.Fatal("userdatad stopped", zap.Error(err))
	}
}

func (s *Server) registerRoutes(r *router.Router[*core.RequestEvent]) {
	r.GET("/healthz", func(e *core.RequestEvent) error {
		return e.NoContent(http.StatusOK)
	})

	r.POST("/v1/auth/login", s.wrapHandler(s.withIPRateLimit(s.handleLogin)))
	r.POST("/v1/auth/refresh", s.wrapHandler(s.withIPRateLimit(s.handleRefresh)))

	r.GET("/user_data", s.wrapHandler(s.withAuth(s.handleGetUserData)))
	r.PATCH("/user_data", s.wrapHandler(s.withAuth(s.handlePatchUserData)))
	r.POST("/user_data", s.wrapHandler(s.withAuth(s.handlePostUserData)))
}

// routes exposes the same handlers on a plain mux for tests and embedding.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/auth/login", s.withIPRateLimit(s.handleLogin))
	mux.HandleFunc("POST /v1/auth/refresh", s.withIPRateLimit(s.handleRefresh))
	mux.HandleFunc("GET /user_data", s.withAuth(s.handleGetUserData))
	mux.HandleFunc("PATCH /user_data", s.withAuth(s.handlePatchUserData))
	mux.HandleFunc("POST /user_data", s.withAuth(s.handlePostUserData))
	return mux
}

// wrapHandler converts http.HandlerFunc to PocketBase RequestHandler.
func (s *Server) wrapHandler(h http.HandlerFunc) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		h(e.Response, e.Request)
		return nil
	}
}

func ok(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errchkjson // Response encoding errors are not recoverable.
}

func fail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg}) //nolint:errchkjson // Response encoding errors are not recoverable.
}
