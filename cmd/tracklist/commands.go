package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mmcdole/tracklist/internal/config"
	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/lineup"
	"github.com/mmcdole/tracklist/internal/queue"
)

var (
	lineupPages  int
	lineupFilter string

	playStart      int
	playStartUID   string
	playCollection int64
	playShuffle    bool
	playRepeat     string
)

var configCmd = &cobra.Command{
	Use:         "config",
	Short:       "Manage the configuration file",
	Annotations: map[string]string{skipApp: ""},
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write the default configuration",
	Annotations: map[string]string{skipApp: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Save(config.DefaultConfig(), configPath); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration written")
		return nil
	},
}

var lineupsCmd = &cobra.Command{
	Use:   "lineups",
	Short: "List the lineups the backend serves",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := env.lineups.Names(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var lineupCmd = &cobra.Command{
	Use:   "lineup <name>",
	Short: "Show the entries of a lineup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := env.lineups.Load(cmd.Context(), args[0], lineupPages)
		if err != nil {
			return err
		}

		entries := l.Entries()
		if lineupFilter != "" {
			entries = l.Filter(lineupFilter)
		}
		printEntries(cmd.OutOrStdout(), l.Titles(entries), entries)

		s := l.Snapshot()
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d entries, %d deleted, %d unresolved, status %s, more: %t\n",
			len(s.Entries), s.Deleted, s.NullCount, s.Status, s.HasMore)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <lineup> <query>",
	Short: "Rank a lineup's entries against a query",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := env.lineups.Load(cmd.Context(), args[0], 0); err != nil {
			return err
		}
		results, err := env.lineups.Search(cmd.Context(), args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, r := range results {
			fmt.Fprintf(w, "%d\t%s\t%s\n", r.Score, r.Title, r.Entry.UID)
		}
		return w.Flush()
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <lineup>...",
	Short: "Refetch the first page of lineups concurrently",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range args {
			if _, err := env.lineups.Open(cmd.Context(), name); err != nil {
				return err
			}
		}
		if err := env.lineups.RefreshAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "refreshed %s\n", strings.Join(env.lineups.Opened(), ", "))
		return nil
	},
}

var playCmd = &cobra.Command{
	Use:   "play [lineup]",
	Short: "Replace the queue with a lineup or a collection",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cmd.Flags().Changed("repeat") {
			mode, err := domain.ParseRepeatMode(playRepeat)
			if err != nil {
				return err
			}
			env.playback.SetRepeat(mode)
		}
		if cmd.Flags().Changed("shuffle") {
			env.playback.SetShuffle(playShuffle)
		}

		switch {
		case playCollection > 0:
			if err := env.playback.PlayCollection(ctx, domain.ID(playCollection), domain.UID(playStartUID)); err != nil {
				return err
			}
		case len(args) == 1:
			l, err := env.lineups.Load(ctx, args[0], 0)
			if err != nil {
				return err
			}
			start, err := startUID(l)
			if err != nil {
				return err
			}
			if err := env.playback.PlayLineup(ctx, l, start); err != nil {
				return err
			}
		default:
			return errors.New("name a lineup or pass --collection")
		}

		return printNowPlaying(cmd)
	},
}

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Advance the queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !env.playback.Next() {
			return endOfQueue(env.playback.State().Overshot)
		}
		return printNowPlaying(cmd)
	},
}

var prevCmd = &cobra.Command{
	Use:   "prev",
	Short: "Go back in the queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !env.playback.Previous() {
			return endOfQueue(env.playback.State().Undershot)
		}
		return printNowPlaying(cmd)
	},
}

var seekCmd = &cobra.Command{
	Use:   "seek <uid>",
	Short: "Jump to a queued entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := env.playback.Seek(domain.UID(args[0])); err != nil {
			return err
		}
		return printNowPlaying(cmd)
	},
}

var shuffleCmd = &cobra.Command{
	Use:       "shuffle <on|off>",
	Short:     "Toggle shuffle",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseSwitch(args[0])
		if err != nil {
			return err
		}
		env.playback.SetShuffle(on)
		return printStatus(cmd.OutOrStdout(), env.playback.State())
	},
}

var repeatCmd = &cobra.Command{
	Use:       "repeat <off|all|single>",
	Short:     "Change the repeat mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"off", "all", "single"},
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := domain.ParseRepeatMode(args[0])
		if err != nil {
			return err
		}
		env.playback.SetRepeat(mode)
		return printStatus(cmd.OutOrStdout(), env.playback.State())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := env.playback.State()
		if err := printStatus(cmd.OutOrStdout(), s); err != nil {
			return err
		}
		if len(s.Order) == 0 {
			return nil
		}
		return printNowPlaying(cmd)
	},
}

func init() {
	lineupCmd.Flags().IntVarP(&lineupPages, "pages", "p", 1, "pages to load (0 loads everything)")
	lineupCmd.Flags().StringVarP(&lineupFilter, "filter", "f", "", "only show entries whose title matches")

	playCmd.Flags().IntVar(&playStart, "start", 0, "position in the lineup to start at")
	playCmd.Flags().StringVar(&playStartUID, "start-uid", "", "uid to start at")
	playCmd.Flags().Int64Var(&playCollection, "collection", 0, "play a collection by id instead of a lineup")
	playCmd.Flags().BoolVar(&playShuffle, "shuffle", false, "shuffle the queue")
	playCmd.Flags().StringVar(&playRepeat, "repeat", "", "repeat mode: off, all or single")
}

// startUID picks the uid to start a lineup at from --start-uid or --start
func startUID(l *lineup.Lineup) (domain.UID, error) {
	if playStartUID != "" {
		return domain.UID(playStartUID), nil
	}
	entries := l.Entries()
	if playStart < 0 || (playStart > 0 && playStart >= len(entries)) {
		return "", fmt.Errorf("--start %d out of range (lineup has %d entries)", playStart, len(entries))
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[playStart].UID, nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return b, nil
}

func endOfQueue(reached bool) error {
	if reached {
		return errors.New("reached the end of the queue")
	}
	return domain.ErrEmptyQueue
}

func printEntries(w io.Writer, titles []string, entries []domain.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, e := range entries {
		title := titles[i]
		var flags []string
		if e.Deleted {
			flags = append(flags, "deleted")
		}
		if e.Unresolved {
			flags = append(flags, "unresolved")
			title = fmt.Sprintf("%s %d", e.Kind, e.ID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, title, e.UID, strings.Join(flags, ","))
	}
	tw.Flush()
}

func printStatus(w io.Writer, s queue.State) error {
	_, err := fmt.Fprintf(w, "%d queued, position %d, shuffle %t, repeat %s, autoplay %t\n",
		len(s.Order), s.Index+1, s.Shuffle, s.Repeat, s.QueueAutoplay)
	return err
}

func printNowPlaying(cmd *cobra.Command) error {
	now, err := env.playback.Current(cmd.Context())
	if err != nil {
		return err
	}
	title := string(now.Item.UID)
	if now.Entity != nil && now.Entity.Title() != "" {
		title = now.Entity.Title()
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "now playing: %s (%s)\n", title, now.Item.Source)
	return err
}
