package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chatsync/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

// cfg is loaded once before any subcommand runs.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Polling chat client with optimistic sends",
	Long: `chatsync keeps a local view of a chat channel in step with a backend
that only offers snapshot fetches and fire-and-forget sends.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		if cmd.Flags().Changed("backend") {
			cfg.BackendURL, _ = cmd.Flags().GetString("backend")
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
		}
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().String("backend", "", "backend base URL (overrides CHATSYNC_BACKEND_URL)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(clientCmd, relayCmd, channelsCmd)
}
