package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"heartbeatd/internal/config"
	"heartbeatd/internal/health"
	"heartbeatd/internal/logging"
	"heartbeatd/internal/metrics"
	"heartbeatd/internal/notify"
	"heartbeatd/internal/reconcile"
	"heartbeatd/internal/server"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, flags.path(), nil)
		},
	}
}

// serve runs the server until ctx is done. When ln is nil it listens on the
// configured address.
func serve(ctx context.Context, path string, ln net.Listener) error {
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logOpts, err := cfg.LoggingOptions()
	if err != nil {
		return err
	}
	logger, err := logging.New(logOpts)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)
	log := logger.WithComponent("main")

	audit, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer audit.Close()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	longest, err := st.LongestAbsence(ctx)
	if err != nil {
		return fmt.Errorf("seed watermark: %w", err)
	}
	wm := reconcile.NewWatermark(longest)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil, cfg.Metrics.Namespace, wm.Load)
	}

	checker := health.NewChecker()
	checker.RegisterFunc("database", true, health.DatabaseCheck(st.Ping))

	var pub notify.Publisher = notify.NopPublisher{}
	if cfg.MQTT.Enabled {
		mp, err := notify.NewMQTTPublisher(cfg.MQTTOptions())
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		pub = mp
		checker.RegisterFunc("mqtt", false, health.BrokerCheck(mp.IsConnected))
	}
	defer pub.Close()

	observers := []reconcile.Observer{notify.NewNotifier(pub, logger)}
	if m != nil {
		observers = append(observers, m)
	}
	rec := reconcile.New(st, wm,
		reconcile.WithLogger(logger),
		reconcile.WithObservers(observers...),
	)

	srv := server.New(cfg, server.Deps{
		Store:     st,
		Recorder:  rec,
		Watermark: wm,
		Metrics:   m,
		Health:    checker,
		Audit:     audit,
		Logger:    logger,
	})

	loader.OnChange(func(old, cur *config.Config) {
		applyReload(ctx, old, cur, logger, srv, audit)
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config hot reload disabled", "path", loader.Path(), "error", err)
	}

	if ln == nil {
		ln, err = net.Listen("tcp", srv.Addr())
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		checker.SetReady(false)
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-loader.Errors():
				log.Warn("config reload rejected", "error", err)
			}
		}
	})

	checker.SetReady(true)
	_ = audit.LogStartup(ctx, version, ln.Addr().String())
	log.Info("heartbeatd started",
		"version", version,
		"addr", ln.Addr().String(),
		"database", cfg.Storage.Path,
		"longest_absence", longest,
	)

	err = g.Wait()
	reason := "signal"
	if err != nil {
		reason = err.Error()
	}
	_ = audit.LogShutdown(context.Background(), reason)
	log.Info("heartbeatd stopped", "reason", reason)
	return err
}

// applyReload applies the settings that can change without a restart.
func applyReload(ctx context.Context, old, cur *config.Config, logger *logging.Logger, srv *server.Server, audit *logging.AuditLogger) {
	if old.Logging.Level != cur.Logging.Level {
		if level, err := logging.ParseLevel(cur.Logging.Level); err == nil {
			logger.SetLevel(level)
			_ = audit.LogConfigChange(ctx, "logging.level", old.Logging.Level, cur.Logging.Level)
		}
	}
	if old.Status != cur.Status {
		srv.SetStatusConfig(cur.Status)
		_ = audit.LogConfigChange(ctx, "status", fmt.Sprintf("%+v", old.Status), fmt.Sprintf("%+v", cur.Status))
	}

	if old.Server.Addr != cur.Server.Addr ||
		old.Storage.Path != cur.Storage.Path ||
		old.MQTT.Enabled != cur.MQTT.Enabled ||
		old.MQTT.Broker != cur.MQTT.Broker {
		logger.Warn("listener, storage and broker changes take effect after a restart")
	}
	logger.Info("configuration reloaded")
}
