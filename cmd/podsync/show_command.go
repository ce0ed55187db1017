package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/solgood44/podcastlibrary-sub000/userstate"
)

var showSections = []string{"progress", "history", "favorites", "sort"}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "show [progress|history|favorites|sort]",
		Short:     "Show the library state on this device",
		Long:      "Show the library state. Unless --offline is set, the account's state is pulled first.",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: showSections,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.openRuntime(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			ctx.syncAfter(cmd, rt)

			sections := showSections
			if len(args) == 1 {
				sections = args
			}
			state := rt.Library().Snapshot()
			out := cmd.OutOrStdout()
			for i, section := range sections {
				if len(sections) > 1 {
					if i > 0 {
						fmt.Fprintln(out)
					}
					fmt.Fprintln(out, labelStyle.Render(section))
				}
				renderSection(out, section, state)
			}
			return nil
		},
	}
}

func renderSection(out io.Writer, section string, state userstate.UserState) {
	switch section {
	case "progress":
		ids := make([]string, 0, len(state.Progress))
		for id := range state.Progress {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			rec := state.Progress[id]
			rows = append(rows, []string{id, strconv.FormatFloat(rec.Percent, 'f', 1, 64) + "%", formatTime(rec.UpdatedAt)})
		}
		printTable(out, []string{"Episode", "Progress", "Updated"}, rows, []columnAlignment{alignLeft, alignRight, alignLeft})

	case "history":
		rows := make([][]string, 0, len(state.History))
		for i, h := range state.History {
			rows = append(rows, []string{strconv.Itoa(i + 1), string(h.Kind), h.SubjectID, h.PodcastID, formatTime(h.Timestamp)})
		}
		printTable(out, []string{"#", "Kind", "Subject", "Podcast", "Played"}, rows, []columnAlignment{alignRight})
		if state.HistoryClearedAt != nil {
			fmt.Fprintln(out, dimStyle.Render("Cleared "+formatTime(*state.HistoryClearedAt)))
		}

	case "favorites":
		var rows [][]string
		for _, id := range state.Favorites.Podcasts {
			rows = append(rows, []string{"podcast", id, "", ""})
		}
		for _, e := range state.Favorites.Episodes {
			rows = append(rows, []string{"episode", e.EpisodeID, e.PodcastID, formatTime(e.AddedAt)})
		}
		for _, name := range state.Favorites.Authors {
			rows = append(rows, []string{"author", name, "", ""})
		}
		printTable(out, []string{"Type", "ID", "Podcast", "Added"}, rows, nil)

	case "sort":
		ids := make([]string, 0, len(state.SortPreferences.Modes))
		for id := range state.SortPreferences.Modes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, []string{id, string(state.SortPreferences.Modes[id])})
		}
		printTable(out, []string{"Podcast", "Order"}, rows, nil)
		fmt.Fprintln(out, describeCategories(state.SortPreferences.VisibleCategories))
	}
}

func printTable(out io.Writer, headers []string, rows [][]string, aligns []columnAlignment) {
	if len(rows) == 0 {
		fmt.Fprintln(out, dimStyle.Render("(empty)"))
		return
	}
	fmt.Fprintln(out, renderTable(headers, rows, aligns))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.DateTime)
}
