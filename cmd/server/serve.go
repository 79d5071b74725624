package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/net/netutil"

	"safetypatrol/internal/adapters/guarded"
	httpadapter "safetypatrol/internal/adapters/http"
	"safetypatrol/internal/config"
	"safetypatrol/internal/metrics"
	"safetypatrol/internal/services/derivation"
	"safetypatrol/internal/services/lifecycle"
	"safetypatrol/internal/services/patrol"
	"safetypatrol/internal/services/rollups"
	"safetypatrol/internal/workers/syncrunner"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(v)
			if err != nil {
				return err
			}
			log, err := config.NewLogger(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().String("listen-addr", "", "HTTP listen address (LISTEN_ADDR)")
	_ = v.BindPFlag(config.KeyListenAddr, cmd.Flags().Lookup("listen-addr"))
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	raw, release, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer release()
	store := guarded.New(raw, cfg.StoreTimeout, m)

	syncer := syncrunner.New(store,
		syncrunner.WithLogger(log.WithField("component", "sync")),
		syncrunner.WithMetrics(m),
		syncrunner.WithBackoff(0, cfg.ResubscribeMaxBackoff),
	)
	if err := syncer.Start(ctx); err != nil {
		return err
	}
	defer syncer.Close()

	ro := rollups.NewEngine(cfg.RollupCacheTTL, m)
	go ro.Follow(syncer.Watch(ctx))

	svc := patrol.New(store, syncer,
		derivation.New(store,
			derivation.WithConcurrency(cfg.DerivationConcurrency),
			derivation.WithLogger(log.WithField("component", "derivation")),
			derivation.WithMetrics(m),
		),
		lifecycle.New(store, log.WithField("component", "lifecycle")),
		ro,
		log,
	)
	srv := &http.Server{
		Handler:           httpadapter.New(svc, m.Handler(), log.WithField("component", "http")).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	if cfg.HTTPMaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.HTTPMaxConns)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.WithFields(logrus.Fields{"addr": cfg.ListenAddr, "store": cfg.StoreDriver}).Info("listening")

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}
