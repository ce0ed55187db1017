package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/solgood44/podcastlibrary-sub000/cmd/podsync/internal/inspect"
)

func newInspectCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [kind]",
		Short: "Show what the local store holds on disk",
		Long: `Without arguments, list the stored documents and sync metadata. With a
document kind (progress, history, favorites, sort_preferences,
history_cleared_at), print that document's raw JSON. Reads the store
read-only, so it works while a daemon is running.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.StorePath()); errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no local store at %s", cfg.StorePath())
			}
			insp, err := inspect.Open(cfg.StorePath())
			if err != nil {
				return err
			}
			defer func() { _ = insp.Close() }()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				body, err := insp.Document(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(out, indentJSON(body))
				return nil
			}

			docs, err := insp.Summary(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(docs))
			for _, d := range docs {
				rows = append(rows, []string{d.Kind, strconv.Itoa(d.Bytes), d.UpdatedAt.Local().Format(time.DateTime)})
			}
			printTable(out, []string{"Document", "Bytes", "Written"}, rows, []columnAlignment{alignLeft, alignRight})

			state, err := insp.SyncState(cmd.Context())
			if err != nil {
				return err
			}
			rows = make([][]string, 0, len(state))
			for _, s := range state {
				rows = append(rows, []string{s.Key, s.Value})
			}
			fmt.Fprintln(out)
			printTable(out, []string{"Sync key", "Value"}, rows, nil)
			return nil
		},
	}
}

func indentJSON(raw string) string {
	if raw == "" {
		return "<empty>"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(raw), "", "  "); err != nil {
		return raw
	}
	return buf.String()
}
