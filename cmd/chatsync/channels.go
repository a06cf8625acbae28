package main

import (
	"context"
	"os"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chatsync/internal/backend"
	"github.com/MikeSquared-Agency/chatsync/internal/console"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the channels the backend offers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		setupLogging(cfg.LogLevel, os.Stderr)

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.FetchTimeout)
		defer cancel()

		channels, err := backend.NewClient(cfg.BackendURL).ListChannels(ctx)
		if err != nil {
			return err
		}
		console.New(cmd.OutOrStdout(), color.SupportColor()).Channels(channels, "")
		return nil
	},
}
