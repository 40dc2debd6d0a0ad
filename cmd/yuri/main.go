package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShuiRuTian/yuri"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "yuri",
		Short:         "Local HTTP(S) interception proxy with rewrite rules and live events",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: search ./yuri.yaml, ~/.yuri/yuri.yaml, /etc/yuri/yuri.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(newServeCmd(opts), newCACmd(opts), newGenConfigCmd())
	return root
}

func newServeCmd(opts *options) *cobra.Command {
	var (
		port      int
		autostart bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the query API and (optionally) the proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Proxy.Port = port
			}
			if cmd.Flags().Changed("autostart") {
				cfg.Proxy.Autostart = autostart
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "proxy listen port (overrides config)")
	cmd.Flags().BoolVar(&autostart, "autostart", false, "start the proxy immediately")
	return cmd
}

func newCACmd(opts *options) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Print the authority certificate, creating it on first use",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			a, err := yuri.EnsureAuthority(cfg.DataDir)
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Print(a.ExportPublicCertificate())
				return nil
			}
			if err := os.WriteFile(out, a.CertPEM, 0644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			slog.Info("authority certificate written", "path", out)
			slog.Info("add the certificate to your system/browser trust store")
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the certificate to a file instead of stdout")
	return cmd
}

func newGenConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-config [path]",
		Short: "Write an example configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "yuri.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := yuri.WriteExampleConfig(path); err != nil {
				return err
			}
			fmt.Printf("Generated %s\n", path)
			return nil
		},
	}
}

func loadConfig(opts *options) (*yuri.Config, error) {
	cfg, err := yuri.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *yuri.Config) error {
	logger, closer, err := yuri.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("%w: create data dir: %v", yuri.ErrIO, err)
	}

	authority, err := yuri.EnsureAuthority(cfg.DataDir)
	if err != nil {
		return err
	}
	logger.Info("authority ready", "cert", authority.CertPath)

	store, err := yuri.OpenStore(cfg.StoreDSN(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	metrics := yuri.NewMetrics()

	rules := yuri.NewRewriteEngine(cfg.BuildRuleLoader(store))
	rules.Logger = logger
	rules.Metrics = metrics
	if err := rules.Load(ctx); err != nil {
		logger.Warn("initial rule load failed", "error", err)
	}

	bus := yuri.NewEventBus()
	bus.Metrics = metrics
	defer bus.Close()

	pipeline := yuri.NewPipeline(rules, store, bus)
	pipeline.Logger = logger
	pipeline.Metrics = metrics
	pipeline.MaxBodySize = cfg.Body.MaxSize
	pipeline.StoreTimeout = cfg.Store.WriteTimeout
	if cfg.Logging.AccessLog {
		pipeline.AccessLog = yuri.NewAccessLogger(logger)
	}

	ctl := yuri.NewController(cfg.DataDir, pipeline)
	ctl.ListenHost = cfg.Proxy.Host
	ctl.CertCacheSize = cfg.TLS.CertCacheSize
	ctl.IdleTimeout = cfg.Proxy.IdleTimeout
	if len(cfg.Proxy.Passthrough) > 0 {
		ctl.Passthrough = yuri.NewPassthrough(cfg.Proxy.Passthrough...)
		ctl.Passthrough.Logger = logger
	}
	ctl.Transport = yuri.NewUpstreamTransport(yuri.UpstreamConfig{
		InsecureSkipVerify: cfg.TLS.InsecureUpstream,
	})
	ctl.Logger = logger
	ctl.Metrics = metrics

	health := yuri.NewHealthChecker(yuri.StoreCheck(store))
	if cfg.Proxy.Autostart {
		health.Checks = append(health.Checks, yuri.ProxyCheck(ctl))
	}
	health.SetAlive(true)

	api := yuri.NewAdminAPI(ctl, store, rules, bus)
	api.Logger = logger
	api.Metrics = metrics
	api.Health = health
	api.EventBuffer = cfg.Events.Buffer

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Rules.ReloadInterval > 0 {
		cancel := rules.StartAutoReload(ctx, cfg.Rules.ReloadInterval)
		defer cancel()
		logger.Info("rule auto-reload enabled", "interval", cfg.Rules.ReloadInterval)
	}
	reloader := yuri.WatchSIGHUP(rules, logger)
	defer reloader.Cancel()

	var apiSrv *http.Server
	apiErr := make(chan error, 1)
	if cfg.API.Addr != "" {
		apiSrv = &http.Server{
			Addr:              cfg.API.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("api listening", "addr", cfg.API.Addr)
			if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				apiErr <- fmt.Errorf("%w: api: %v", yuri.ErrNetwork, err)
			}
		}()
	}

	if cfg.Proxy.Autostart {
		msg, err := ctl.Start(cfg.Proxy.Port)
		if err != nil {
			return err
		}
		logger.Info(msg)
		logger.Info("configure your system proxy to use this address")
		logger.Info("ensure the authority certificate is trusted by your system/browser")
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err := <-apiErr:
		logger.Error("api server failed", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ctl.Stop(shutdownCtx); err != nil {
		logger.Warn("proxy shutdown", "error", err)
	}
	if apiSrv != nil {
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "error", err)
		}
	}
	return nil
}
