package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	// Global flags
	configPath string
	verbose    bool

	// Set up by PersistentPreRunE for commands that need it
	env *app
)

// skipApp marks commands that run without opening the store or the source
const skipApp = "skip-app"

var rootCmd = &cobra.Command{
	Use:   "tracklist",
	Short: "Browse lineups and drive a playback queue",
	Long: `tracklist pages through lineups from a catalog file or an HTTP backend,
keeps their entities in a shared cache and drives a playback queue with
shuffle and repeat. The queue and the cache persist between runs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, ok := cmd.Annotations[skipApp]; ok {
			return nil
		}
		a, err := newApp(cmd.Context(), configPath, verbose)
		if err != nil {
			return err
		}
		env = a
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if env == nil {
			return nil
		}
		err := env.Close()
		env = nil
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print the version",
	Annotations: map[string]string{skipApp: ""},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tracklist %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default is $HOME/.config/tracklist/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level to stderr")

	rootCmd.AddCommand(
		versionCmd,
		configCmd,
		lineupsCmd,
		lineupCmd,
		searchCmd,
		refreshCmd,
		playCmd,
		nextCmd,
		prevCmd,
		seekCmd,
		shuffleCmd,
		repeatCmd,
		statusCmd,
	)
	configCmd.AddCommand(configInitCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if env != nil {
			env.Close()
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
