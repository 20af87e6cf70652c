package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_bpe/internal/config"
	"github.com/austindbirch/harbor_bpe/internal/health"
	"github.com/austindbirch/harbor_bpe/internal/logging"
	"github.com/austindbirch/harbor_bpe/internal/metrics"
	"github.com/austindbirch/harbor_bpe/internal/tracing"
)

const serviceName = "harborbpe-subscriber"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "bpe-subscriber",
		Short: "Deliver repository Task subscriptions to the process engine",
		Long: `bpe-subscriber keeps a live subscription channel to a FHIR repository for
each configured subscription search, backfills what was missed since the last
bookmark and starts or correlates process instances for every requested Task.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile, v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, v.GetStringSlice("definitions"))
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json) layered over the environment")
	cmd.Flags().String("http-port", "", "address of the health and metrics server, e.g. :8080")
	cmd.Flags().String("bookmark-backend", "", "bookmark store: file, postgres, redis or memory")
	cmd.Flags().StringSlice("definition", nil, "process definition key|versionTag deployed to the in-memory engine (repeatable)")

	bindFlags(cmd, v)
	return cmd
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	_ = v.BindPFlag("http_port", cmd.Flags().Lookup("http-port"))
	_ = v.BindPFlag("bookmark.backend", cmd.Flags().Lookup("bookmark-backend"))
	_ = v.BindPFlag("definitions", cmd.Flags().Lookup("definition"))
}

// loadConfig reads env and the optional config file, then applies flags that were set
func loadConfig(path string, flags *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if p := flags.GetString("http_port"); p != "" {
		cfg.HTTPPort = p
	}
	if b := flags.GetString("bookmark.backend"); b != "" {
		cfg.Bookmark.Backend = b
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, definitions []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)
	defer logger.Sync()

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Warn("tracing disabled")
	} else {
		defer shutdownTracing()
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	svc, err := buildService(ctx, cfg, definitions, logger)
	if err != nil {
		logger.Plain().WithError(err).Error("startup failed")
		return err
	}
	defer svc.close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(svc.pinger(), svc.manager.States))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := svc.manager.Start(ctx); err != nil {
		return err
	}
	logger.Plain().WithFields(map[string]any{
		"connections": len(cfg.Subscriptions.SearchParams),
		"bookmarks":   cfg.Bookmark.Backend,
		"engine":      svc.engineKind,
	}).Info("subscriber started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Plain().Info("shutdown signal received")
	case runErr = <-serveErr:
		logger.Plain().WithError(runErr).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := svc.manager.Close(shutdownCtx); cerr != nil {
		logger.Plain().WithError(cerr).Warn("subscription shutdown incomplete")
	}
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Plain().WithError(serr).Warn("HTTP server shutdown failed")
	}
	logger.Plain().Info("subscriber stopped")
	return runErr
}
