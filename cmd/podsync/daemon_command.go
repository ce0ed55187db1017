package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solgood44/podcastlibrary-sub000/cmd/internal/appcli"
	"github.com/solgood44/podcastlibrary-sub000/internal/statusfeed"
	"github.com/solgood44/podcastlibrary-sub000/userstate"
)

const shutdownTimeout = 10 * time.Second

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	var statusAddr string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Own the data directory and keep it in sync until interrupted",
		Long: `Run in the foreground, holding the data directory lock. The daemon follows
login and logout through the credentials file, runs debounced syncs, and
serves sync status on --status-addr:

  GET  /status  current status as JSON
  GET  /ws      status and document-change stream (WebSocket)
  POST /sync    push and pull now`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log, err := ctx.logger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return runDaemon(cmd.Context(), cmd, ctx, cfg, statusAddr, log)
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status-addr", defaultStatusAddr, "Address for the status endpoint")
	return cmd
}

func runDaemon(runCtx context.Context, cmd *cobra.Command, ctx *commandContext, cfg appcli.Config, addr string, log *zap.Logger) error {
	feed := statusfeed.New(log.Named("feed"))
	defer feed.Close()

	auth := ctx.authClient()
	sessions, err := appcli.NewFileSessionSource(runCtx, cfg.SessionPath(), auth, log.Named("session"))
	if err != nil {
		return err
	}
	rt, err := appcli.Open(runCtx, cfg, appcli.Options{
		Sessions: sessions,
		Auth:     auth,
		Events:   &userstate.SyncEvents{OnStatus: feed.PublishStatus},
		Logger:   log,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	stopChanges := rt.Store.OnChange(feed.PublishChange)
	defer stopChanges()

	if err := sessions.Start(runCtx); err != nil {
		return err
	}
	defer func() { _ = sessions.Close() }()

	if err := rt.Start(runCtx); err != nil {
		log.Warn("initial sync failed; will retry on the next change", zap.Error(err))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           newDaemonHandler(rt, feed, log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info("podsync daemon running",
		zap.String("addr", ln.Addr().String()),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("signed_in", rt.SignedIn()))
	fmt.Fprintf(cmd.OutOrStdout(), "podsync daemon listening on %s\n", ln.Addr())

	var serveErr error
	select {
	case <-runCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Engine.Scheduler.Flush(shutdownCtx); err != nil {
		log.Warn("final sync failed; changes stay pending", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("status server shutdown", zap.Error(err))
	}
	log.Info("podsync daemon stopped")
	return serveErr
}

// newDaemonHandler serves the daemon's local status API.
func newDaemonHandler(rt *appcli.Runtime, feed *statusfeed.Feed, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /ws", feed)
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, rt.Engine.Scheduler.Status())
	})
	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		if !rt.SignedIn() {
			writeError(w, http.StatusUnauthorized, errNotSignedIn.Error())
			return
		}
		if err := rt.Engine.Scheduler.SyncNow(r.Context()); err != nil {
			log.Warn("requested sync failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeStatus(w, http.StatusOK, rt.Engine.Scheduler.Status())
	})
	return mux
}

func writeStatus(w http.ResponseWriter, code int, st userstate.Status) {
	msg := statusfeed.StatusMessage(st)
	msg.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(msg) //nolint:errchkjson // Response encoding errors are not recoverable.
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errchkjson // Response encoding errors are not recoverable.
}
