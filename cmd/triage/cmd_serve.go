package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmylchreest/triage/internal/config"
	"github.com/jmylchreest/triage/internal/logging"
	"github.com/jmylchreest/triage/internal/version"
	"github.com/jmylchreest/triage/pkg/httputil"
	"github.com/jmylchreest/triage/pkg/metrics"
	"github.com/jmylchreest/triage/pkg/notify"
	"github.com/jmylchreest/triage/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (cli *CLI) newServeCmd() *cobra.Command {
	var (
		addr     string
		debounce time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve starts the HTTP API with Prometheus metrics on /metrics.

Change notifications are logged and, when notify.webhook_url is set, posted
to the webhook from a bounded worker pool. When --config names a file, user
grants are reloaded whenever it changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := logging.New(cfg.Log.Level, cfg.Log.JSON, cli.errOut)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return cli.serve(ctx, cfg, logger, debounce)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().DurationVar(&debounce, "reload-debounce", config.DefaultDebounceDelay, "delay before reloading a changed config file")
	return cmd
}

// newNotifier builds the notification pipeline: log every event, and post it
// to the webhook when one is configured.
func newNotifier(cfg config.NotifyConfig, logger zerolog.Logger) *notify.Dispatcher {
	var sink notify.Sink = notify.NewLogSink(logger)
	if cfg.WebhookURL != "" {
		client := httputil.NewClient(
			httputil.WithMaxRetries(cfg.MaxRetries),
			httputil.WithUserAgent(version.ApplicationName+"/"+version.Version),
		)
		sink = notify.Multi{sink, notify.NewWebhookSink(cfg.WebhookURL, client, logger)}
	}
	return notify.NewDispatcher(sink, notify.DispatcherConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	}, logger)
}

func (cli *CLI) serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger, debounce time.Duration) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	dispatcher := newNotifier(cfg.Notify, logger)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn().Err(err).Msg("notification dispatcher stopped with errors")
		}
	}()

	a, err := newApp(cfg, logger, dispatcher)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info().
		Str("version", version.Short()).
		Str("data_dir", cfg.DataDir).
		Str("addr", cfg.Server.Addr).
		Msg("triage server starting")

	api := server.NewWebAPI(logger, a.svc, server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(gctx) })
	if cli.configFile != "" {
		g.Go(func() error {
			return config.Watch(gctx, cli.configFile, debounce, logger, func(next *config.Config) {
				a.authz.Replace(next.Authz)
				logger.Info().Int("users", len(next.Authz.Users)).Msg("grants reloaded")
			})
		})
	}
	return g.Wait()
}
