package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/solgood44/podcastlibrary-sub000/cmd/internal/appcli"
	"github.com/solgood44/podcastlibrary-sub000/internal/statusfeed"
)

const defaultStatusAddr = "127.0.0.1:7788"

var errNotSignedIn = errors.New("not signed in; run `podsync login`")

func newSyncCommand(ctx *commandContext) *cobra.Command {
	var statusAddr string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and merge the account's state now",
		Long: `Push local changes and merge the account's state now. When a daemon owns
the data directory the request is forwarded to it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.openRuntime(cmd)
			if errors.Is(err, appcli.ErrLocked) {
				return syncViaDaemon(cmd, statusAddr)
			}
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if !rt.SignedIn() {
				return errNotSignedIn
			}
			if err := rt.Sync(cmd.Context()); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Synced."))
			return nil
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status-addr", defaultStatusAddr, "Daemon address used when the daemon owns the data directory")
	return cmd
}

func syncViaDaemon(cmd *cobra.Command, addr string) error {
	target := "http://" + strings.TrimPrefix(addr, "http://") + "/sync"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("data directory is owned by a daemon that is not reachable at %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("daemon sync: %s", e.Error)
		}
		return fmt.Errorf("daemon sync: %s", resp.Status)
	}
	var msg statusfeed.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode daemon status: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Synced by daemon")+dimStyle.Render(" ("+msg.State+")"))
	return nil
}
