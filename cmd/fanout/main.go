package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	fanout "github.com/glimte/fanout-go"
	"github.com/glimte/fanout-go/health"
	"github.com/glimte/fanout-go/internal/jsoncodec"
	"github.com/glimte/fanout-go/messaging"
	"github.com/glimte/fanout-go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

type options struct {
	configPath  string
	url         string
	namespace   string
	service     string
	simulated   bool
	verbose     bool
	metricsAddr string
	timeout     time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          "fanout",
		Short:        "Publish and listen to fanout events",
		Long:         "fanout connects a service to its namespace exchange, publishes events to every bound service and dispatches events from the service queue.",
		Version:      fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	flags.StringVarP(&opts.url, "url", "u", "", "broker URL, overrides the config file")
	flags.StringVarP(&opts.namespace, "namespace", "n", "", "namespace, overrides the config file")
	flags.StringVarP(&opts.service, "service", "s", "", "service name, overrides the config file")
	flags.BoolVar(&opts.simulated, "simulated", false, "log publishes instead of sending them")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics, /health, /ready and /live on this address")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait for the broker")

	rootCmd.AddCommand(newListenCommand(opts), newPublishCommand(opts))
	return rootCmd
}

func newListenCommand(opts *options) *cobra.Command {
	var events []string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Log every received event until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(events) == 0 {
				return errors.New("at least one --event is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := newLogger(opts.verbose)
			client, shutdown, err := setup(opts, logger, true)
			if err != nil {
				return err
			}
			defer shutdown()

			err = client.RegisterFunc(func(ctx context.Context, msg *messaging.Message) error {
				logger.Info("received event",
					"event", msg.Event,
					"message_id", msg.MessageID,
					"redelivered", msg.Redelivered,
					"data", json.RawMessage(msg.Data),
				)
				return nil
			}, events...)
			if err != nil {
				return err
			}

			if err := client.Start(); err != nil {
				return err
			}
			logger.Info("listening, press Ctrl+C to stop", "queue", client.Names().Queue, "events", events)

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&events, "event", "e", nil, "event name to log, repeatable")
	return cmd
}

func newPublishCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <event> [json-data]",
		Short: "Publish one event and exit",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			event := args[0]
			var data json.RawMessage
			if len(args) == 2 {
				if !jsoncodec.Valid([]byte(args[1])) {
					return fmt.Errorf("data is not valid JSON: %s", args[1])
				}
				data = json.RawMessage(args[1])
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := newLogger(opts.verbose)
			client, shutdown, err := setup(opts, logger, false)
			if err != nil {
				return err
			}
			defer shutdown()

			if err := client.Start(); err != nil {
				return err
			}

			pubCtx, cancel := context.WithTimeout(ctx, opts.timeout)
			defer cancel()
			if err := client.Publish(pubCtx, event, data); err != nil {
				return fmt.Errorf("failed to publish %s: %w", event, err)
			}
			logger.Info("published", "event", event, "exchange", client.Names().Exchange)
			return nil
		},
	}
}

// setup loads the config, builds the client and starts the optional
// metrics server. The returned func stops both.
func setup(opts *options, logger *slog.Logger, listen bool) (*fanout.Client, func(), error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	cfg.Listen = listen

	collector := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	if err := collector.Register(reg); err != nil {
		return nil, nil, err
	}

	client, err := fanout.New(cfg,
		fanout.WithLogger(logger),
		fanout.WithObserver(collector),
	)
	if err != nil {
		return nil, nil, err
	}

	var server *http.Server
	if opts.metricsAddr != "" {
		server = newMetricsServer(opts.metricsAddr, reg, client)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", opts.metricsAddr)
	}

	shutdown := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		defer cancel()
		if err := client.Stop(stopCtx); err != nil {
			logger.Warn("client did not stop cleanly", "error", err)
		}
		if server != nil {
			_ = server.Shutdown(stopCtx)
		}
	}
	return client, shutdown, nil
}

func loadConfig(opts *options) (fanout.Config, error) {
	cfg := fanout.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = fanout.LoadConfig(opts.configPath); err != nil {
			return cfg, err
		}
	}
	if opts.url != "" {
		cfg.URL = opts.url
	}
	if opts.namespace != "" {
		cfg.Namespace = opts.namespace
	}
	if opts.service != "" {
		cfg.ServiceName = opts.service
	}
	if opts.simulated {
		cfg.Simulated = true
	}
	return cfg, nil
}

func newMetricsServer(addr string, reg *prometheus.Registry, client *fanout.Client) *http.Server {
	checks := health.NewRegistry()
	checks.Register(health.NewConnectionChecker(client))
	checks.Register(health.NewMemoryChecker(500, 1000))
	checks.SetMetadata("service", client.Config().ServiceName)
	checks.SetMetadata("namespace", client.Config().Namespace)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/health", health.NewHandler(checks, 5*time.Second))
	mux.Handle("/ready", health.ReadinessHandler(checks, 5*time.Second))
	mux.Handle("/live", health.LivenessHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
