package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/solgood44/podcastlibrary-sub000/cmd/internal/appcli"
	"github.com/solgood44/podcastlibrary-sub000/userstate"
)

func newFavoriteCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "favorite",
		Short: "Toggle a favorite podcast, episode or author",
	}

	toggled := func(cmd *cobra.Command, what, id string, added bool) {
		if added {
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s %s to favorites\n", what, id)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s %s from favorites\n", what, id)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "podcast <podcast-id>",
		Short: "Toggle a favorite podcast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *appcli.Runtime) error {
				toggled(cmd, "podcast", args[0], rt.Library().ToggleFavoritePodcast(args[0]))
				return nil
			})
		},
	})

	var podcastID string
	episode := &cobra.Command{
		Use:   "episode <episode-id>",
		Short: "Toggle a favorite episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *appcli.Runtime) error {
				toggled(cmd, "episode", args[0], rt.Library().ToggleFavoriteEpisode(args[0], podcastID))
				return nil
			})
		},
	}
	episode.Flags().StringVar(&podcastID, "podcast", "", "Podcast the episode belongs to")
	cmd.AddCommand(episode)

	cmd.AddCommand(&cobra.Command{
		Use:   "author <name>",
		Short: "Toggle a favorite author",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.Join(args, " ")
			return ctx.withRuntime(cmd, func(rt *appcli.Runtime) error {
				toggled(cmd, "author", strconv.Quote(name), rt.Library().ToggleFavoriteAuthor(name))
				return nil
			})
		},
	})
	return cmd
}

func newProgressCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <episode-id> <percent>",
		Short: "Record the listening position within an episode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			percent, err := strconv.ParseFloat(strings.TrimSuffix(args[1], "%"), 64)
			if err != nil {
				return fmt.Errorf("percent must be a number: %w", err)
			}
			return ctx.withRuntime(cmd, func(rt *appcli.Runtime) error {
				rt.Library().RecordProgress(args[0], percent)
				rec, _ := rt.Library().Progress(args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "%s at %.1f%%\n", args[0], rec.Percent)
				return nil
			})
		},
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Record or clear listening history",
	}

	var kind, id, podcastID, at string
	add := &cobra.Command{
		Use:   "add",
		Short: "Move a subject to the front of the history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entry := userstate.HistoryEntry{
				Kind:      userstate.SubjectKind(kind),
				SubjectID: id,
				PodcastID: podcastID,
			}
			if !entry.Kind.Valid() {
				return fmt.Errorf("unknown kind %q (episode, podcast or sound)", kind)
			}
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				entry.Timestamp = ts.UTC()
			}
			return ctx.withRuntime(cmd, func(rt *appcli.Runtime) error {
				rt.Library().AppendHistory(entry)
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s %s\n", entry.Kind, entry.SubjectID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&kind, "kind", string(userstate.KindEpisode), "Subject kind: episode, podcast or sound")
	add.Flags().StringVar(&id, "id", "", "Subject ID")
	add.Flags().StringVar(&podcastID, "podcast", "", "Podcast ID for episode entries")
	add.Flags().StringVar(&at, "at", "", "Play time (RFC 3339, default now)")
	_ = add.MarkFlagRequired("id")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Clear history on every device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *appcli.Runtime) error {
				rt.Library().ClearHistory()
				fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
				return nil
			})
		},
	})
	return cmd
}

func newSortCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sort <podcast-id> <newest|oldest>",
		Short: "Set a podcast's episode order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := userstate.SortMode(strings.ToLower(args[1]))
			if mode != userstate.SortNewest && mode != userstate.SortOldest {
				return fmt.Errorf("sort mode must be %q or %q", userstate.SortNewest, userstate.SortOldest)
			}
			return ctx.withRuntime(cmd, func(rt *appcli.Runtime) error {
				rt.Library().SetSortPreference(args[0], mode)
				fmt.Fprintf(cmd.OutOrStdout(), "%s sorted %s first\n", args[0], mode)
				return nil
			})
		},
	}
}

func newCategoriesCommand(ctx *commandContext) *cobra.Command {
	var all, unset bool
	cmd := &cobra.Command{
		Use:   "categories [name...]",
		Short: "Choose which categories are visible",
		Long: `With names, only those categories are shown. --all shows every category on
every device. --unset forgets the choice so each device keeps its own.
Without arguments the current choice is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && unset {
				return errors.New("--all and --unset are exclusive")
			}
			if (all || unset) && len(args) > 0 {
				return errors.New("category names cannot be combined with --all or --unset")
			}
			if !all && !unset && len(args) == 0 {
				rt, err := ctx.openRuntime(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = rt.Close() }()
				fmt.Fprintln(cmd.OutOrStdout(), describeCategories(rt.Library().Snapshot().SortPreferences.VisibleCategories))
				return nil
			}
			return ctx.withRuntime(cmd, func(rt *appcli.Runtime) error {
				switch {
				case all:
					rt.Library().SetVisibleCategories(nil)
				case unset:
					rt.Library().ClearVisibleCategories()
				default:
					rt.Library().SetVisibleCategories(args)
				}
				fmt.Fprintln(cmd.OutOrStdout(), describeCategories(rt.Library().Snapshot().SortPreferences.VisibleCategories))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Show every category")
	cmd.Flags().BoolVar(&unset, "unset", false, "Forget the category choice")
	return cmd
}

func describeCategories(f *userstate.CategoryFilter) string {
	switch {
	case f == nil:
		return "Categories: not set"
	case f.All:
		return "Categories: all"
	case len(f.Names) == 0:
		return "Categories: none"
	default:
		return "Categories: " + strings.Join(f.Names, ", ")
	}
}
