package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/solgood44/podcastlibrary-sub000/cmd/internal/appcli"
	"github.com/solgood44/podcastlibrary-sub000/cmd/podsync/internal/inspect"
)

// Metadata keys the scheduler persists in the store's sync_state table.
const (
	metaPending    = "pending_changes"
	metaLastSynced = "last_synced_at"
	metaLastError  = "last_error"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account, device and sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, field("Server", cfg.Server))
			fmt.Fprintln(out, field("Device", firstNonEmpty(cfg.DeviceID, dimStyle.Render("not initialized"))))
			fmt.Fprintln(out, field("Data dir", cfg.DataDir))
			fmt.Fprintln(out, field("Upsert mode", cfg.UpsertMode))
			fmt.Fprintln(out, field("Session", sessionLine(cfg)))

			meta, err := readSyncMeta(cmd, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, field("Sync", syncLine(meta)))
			fmt.Fprintln(out, field("Pending", yesNo(meta[metaPending] == "1")))
			last := dimStyle.Render("never")
			if ts, err := time.Parse(time.RFC3339Nano, meta[metaLastSynced]); err == nil {
				last = ts.Local().Format(time.DateTime)
			}
			fmt.Fprintln(out, field("Last synced", last))
			return nil
		},
	}
}

func sessionLine(cfg appcli.Config) string {
	stored, err := appcli.LoadSession(cfg.SessionPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		return warnStyle.Render("signed out")
	case err != nil:
		return errStyle.Render(err.Error())
	}
	who := fmt.Sprintf("%s (%s)", firstNonEmpty(stored.Email, stored.UserID), stored.UserID)
	if stored.Session().Valid() {
		return okStyle.Render("signed in as " + who)
	}
	if stored.RefreshToken != "" {
		return warnStyle.Render("token expired for " + who + "; refreshed on next sync")
	}
	return errStyle.Render("session expired for " + who + "; run podsync login")
}

func syncLine(meta map[string]string) string {
	switch {
	case meta[metaLastError] != "":
		return errStyle.Render("error: " + meta[metaLastError])
	case meta[metaPending] == "1":
		return warnStyle.Render("changes waiting to sync")
	case meta[metaLastSynced] != "":
		return okStyle.Render("up to date")
	default:
		return dimStyle.Render("never synced")
	}
}

// readSyncMeta reads the scheduler metadata read-only, so it works while a
// daemon owns the data directory.
func readSyncMeta(cmd *cobra.Command, cfg appcli.Config) (map[string]string, error) {
	meta := map[string]string{}
	if _, err := os.Stat(cfg.StorePath()); errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	insp, err := inspect.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	defer func() { _ = insp.Close() }()
	rows, err := insp.SyncState(cmd.Context())
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		meta[r.Key] = r.Value
	}
	return meta, nil
}
