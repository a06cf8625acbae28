package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chatsync/internal/hermes"
	"github.com/MikeSquared-Agency/chatsync/internal/relay"
	"github.com/MikeSquared-Agency/chatsync/internal/store"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a reference chat backend",
	Long: `Run a small HTTP chat backend that speaks the same wire protocol the
client expects. History lives in Postgres when DATABASE_URL is set and in
memory otherwise.`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().IntP("port", "p", 0, "listen port (overrides CHATSYNC_RELAY_PORT)")
	relayCmd.Flags().String("channels-file", "", "YAML file listing channels (overrides CHATSYNC_CHANNELS_FILE)")
}

func runRelay(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("port") {
		cfg.RelayPort, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("channels-file") {
		cfg.ChannelsFile, _ = cmd.Flags().GetString("channels-file")
	}
	setupLogging(cfg.LogLevel, os.Stdout)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	channels, err := relay.LoadChannels(cfg.Channels, cfg.ChannelsFile)
	if err != nil {
		return err
	}

	var st relay.Store
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		logger.Info("connected to database")
		st = db
	} else {
		logger.Warn("DATABASE_URL not set, history is kept in memory")
		st = store.NewMemory()
	}

	opts := relay.Options{
		Port:         cfg.RelayPort,
		Channels:     channels,
		Store:        st,
		HistoryLimit: cfg.HistoryLimit,
		SendRPS:      cfg.SendRPS,
		SendBurst:    cfg.SendBurst,
		Logger:       logger,
	}
	if cfg.NatsURL != "" {
		hc, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			logger.Warn("posted messages will not be announced", "error", err)
		} else {
			defer hc.Close()
			opts.Publisher = hc
		}
	}

	srv := relay.NewServer(opts)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
