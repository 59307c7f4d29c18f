package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/srediag/plugin-dgram/adapter"
	"github.com/srediag/plugin-dgram/internal/logging"
	"github.com/srediag/plugin-dgram/internal/metrics"
	"github.com/srediag/plugin-dgram/pkg/config"
)

var (
	Root = &cobra.Command{
		Use:          "dgramd",
		Short:        "Datagram transport node with buffered peers, timers and an admin endpoint",
		SilenceUsage: true,
		RunE:         startRoot,
	}
	rootFlags = struct {
		Config    string
		Address   string
		AdminAddr string
		LogLevel  string
		NoAdmin   bool
		Echo      bool
		Watch     bool
	}{}
)

func init() {
	Root.PersistentFlags().StringVarP(&rootFlags.Config, "config", "c", "", "path to the configuration file (default: search ./dgramd.yaml, ./configs, ~/.dgramd)")
	Root.Flags().StringVar(&rootFlags.Address, "addr", "", "UDP address to listen on, overrides transport.address")
	Root.Flags().StringVar(&rootFlags.AdminAddr, "admin-addr", "", "admin HTTP address, overrides admin.address")
	Root.Flags().StringVar(&rootFlags.LogLevel, "log-level", "", "log level, overrides log.level")
	Root.Flags().BoolVar(&rootFlags.NoAdmin, "no-admin", false, "disable the admin HTTP server")
	Root.Flags().BoolVar(&rootFlags.Echo, "echo", true, "send every inbound datagram back to its sender")
	Root.Flags().BoolVar(&rootFlags.Watch, "watch", true, "reload the configuration file when it changes")
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(rootFlags.Config)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Transport.Address = rootFlags.Address
	}
	if flags.Changed("admin-addr") {
		cfg.Admin.Address = rootFlags.AdminAddr
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = rootFlags.LogLevel
	}
	if rootFlags.NoAdmin {
		cfg.Admin.Enabled = false
	}
	if err := config.VerifyConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func startRoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, level, err := logging.Setup(cfg.Log.Options())
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("node", cfg.NodeID))

	if err := config.CheckHostMemory(cfg); err != nil {
		log.Warn("buffer ceiling exceeds host memory", zap.Error(err))
	}

	node, err := adapter.NewNode(cfg, log)
	if err != nil {
		return err
	}
	mgr := node.Manager
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}()

	adapter.NewAuditAdapter(log).Attach(mgr)
	otelAdapter, err := adapter.NewOTelAdapter(nil)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	otelAdapter.Attach(mgr)
	if rootFlags.Echo {
		adapter.EnableEcho(mgr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if path := config.ResolvedPath(rootFlags.Config); path != "" && rootFlags.Watch {
		hot := adapter.NewHotReloadAdapter(mgr, cfg, &level, log)
		if _, err := hot.Watch(path); err != nil {
			log.Warn("configuration watch disabled", zap.String("path", path), zap.Error(err))
		} else {
			defer hot.Stop()
			log.Info("watching configuration", zap.String("path", path))
		}
	}

	adminDone := make(chan error, 1)
	if cfg.Admin.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: cfg.Admin.Namespace}),
			metrics.NewCollector(cfg.Admin.Namespace, mgr),
		)
		health := adapter.NewHealthHandler(mgr, adapter.HealthOptions{
			Registry:       reg,
			Namespace:      cfg.Admin.Namespace,
			GoroutineLimit: adapter.DefaultGoroutineLimit,
		})
		srv, err := adapter.ListenAdmin(cfg.Admin.Address, adapter.NewAdminMux(health, reg), log)
		if err != nil {
			return fmt.Errorf("admin listen: %w", err)
		}
		go func() { adminDone <- srv.Serve(ctx) }()
	} else {
		close(adminDone)
	}

	if err := mgr.Start(); err != nil {
		return err
	}
	if local, err := node.Transport.LocalAddr(); err == nil {
		log.Info("node started", zap.Stringer("addr", local), zap.Int("peers", len(mgr.Peers())))
	}

	runErr := mgr.Run(ctx, 0)
	cancel()
	if err := <-adminDone; err != nil {
		log.Warn("admin server stopped", zap.Error(err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Info("bye")
	return nil
}
