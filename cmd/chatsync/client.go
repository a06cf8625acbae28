package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chatsync/internal/api"
	"github.com/MikeSquared-Agency/chatsync/internal/backend"
	"github.com/MikeSquared-Agency/chatsync/internal/chat"
	"github.com/MikeSquared-Agency/chatsync/internal/console"
	"github.com/MikeSquared-Agency/chatsync/internal/hermes"
	"github.com/MikeSquared-Agency/chatsync/internal/metrics"
	"github.com/MikeSquared-Agency/chatsync/internal/session"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session against the backend.

Lines are sent to the active channel. Commands start with a slash:
/nick, /join, /channels, /retry, /status, /help and /quit.`,
	RunE: runClient,
}

func init() {
	clientCmd.Flags().StringP("identity", "i", "", "register as this identity on start")
	clientCmd.Flags().StringP("channel", "c", "", "join this channel on start")
	clientCmd.Flags().Int("api-port", 0, "serve the local status API on this port (0 disables it)")
}

func runClient(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("identity") {
		cfg.Identity, _ = cmd.Flags().GetString("identity")
	}
	if cmd.Flags().Changed("channel") {
		cfg.Channel, _ = cmd.Flags().GetString("channel")
	}
	if cmd.Flags().Changed("api-port") {
		cfg.APIPort, _ = cmd.Flags().GetInt("api-port")
	}
	setupLogging(cfg.LogLevel, os.Stderr)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	con := console.New(os.Stdout, color.SupportColor())
	notifiers := chat.Notifiers{con}

	if cfg.NatsURL != "" {
		hc, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			logger.Warn("notices will not be published", "error", err)
		} else {
			defer hc.Close()
			notifiers = append(notifiers, hermes.NewNoticePublisher(hc, logger))
		}
	}

	sess := session.New(session.Options{
		Backend:            backend.NewClient(cfg.BackendURL),
		Renderer:           con,
		Notifier:           notifiers,
		PollInterval:       cfg.PollInterval,
		FetchTimeout:       cfg.FetchTimeout,
		SendTimeout:        cfg.SendTimeout,
		MatchWindow:        cfg.MatchWindow,
		MaxUnmatchedCycles: cfg.MaxUnmatchedCycles,
		Metrics:            m,
		Logger:             logger,
	})
	defer sess.Close()

	if cfg.APIPort > 0 {
		srv := api.NewServer(cfg.APIPort, sess, reg)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("status API stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("status API listening", "port", cfg.APIPort)
	}

	if cfg.Identity != "" {
		if err := sess.Register(ctx, cfg.Identity); err != nil {
			con.Error(err)
		} else if cfg.Channel != "" {
			if err := sess.Join(ctx, cfg.Channel); err != nil {
				con.Error(err)
			}
		}
	}
	if sess.State().Identity == "" {
		con.Println("Pick a name with /nick <name>, then /join <channel>. /help lists commands.")
	}

	return console.NewREPL(sess, con, os.Stdin).Run(ctx)
}
