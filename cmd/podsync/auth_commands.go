package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/solgood44/podcastlibrary-sub000/cmd/internal/appcli"
)

func newLoginCommand(ctx *commandContext) *cobra.Command {
	var email string
	var password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and reconcile this device with your account",
		Long: `Sign in with email and password. The password is read from --password,
then PODSYNC_PASSWORD, then one line of stdin.

After signing in, local changes are pushed and the account's state is merged
back into this device.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if password == "" {
				password = os.Getenv("PODSYNC_PASSWORD")
			}
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("password required (--password, PODSYNC_PASSWORD or stdin)")
				}
				password = strings.TrimRight(line, "\r\n")
			}

			creds, err := ctx.authClient().Login(cmd.Context(), email, password)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			if err := appcli.SaveSession(cfg.SessionPath(), appcli.StoredFromCredentials(creds)); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", firstNonEmpty(creds.Email, email), creds.UserID)

			if ctx.offline() {
				return nil
			}
			rt, err := ctx.openRuntime(cmd)
			if errors.Is(err, appcli.ErrLocked) {
				// A running daemon picks up the new session file itself.
				fmt.Fprintln(cmd.OutOrStdout(), "The running daemon will sync this device.")
				return nil
			}
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			if err := rt.Sync(cmd.Context()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: first sync failed, local changes stay pending: %v\n", err)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Library synced.")
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the session; local data stays on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := appcli.RemoveSession(cfg.SessionPath()); err != nil {
				return fmt.Errorf("remove session: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out. Local data was kept.")
			return nil
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return "unknown"
}
