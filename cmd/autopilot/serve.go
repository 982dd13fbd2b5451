package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-autopilot/internal/analysis"
	"github.com/miradorstack/mirador-autopilot/internal/api"
	"github.com/miradorstack/mirador-autopilot/internal/cache"
	"github.com/miradorstack/mirador-autopilot/internal/config"
	"github.com/miradorstack/mirador-autopilot/internal/device"
	"github.com/miradorstack/mirador-autopilot/internal/ingest"
	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/notify"
	"github.com/miradorstack/mirador-autopilot/internal/remediation"
	"github.com/miradorstack/mirador-autopilot/internal/services"
	"github.com/miradorstack/mirador-autopilot/internal/store"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the alert engine, scheduler and remediation pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-autopilot", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close", slog.Any("error", err))
		}
	}()

	var l2 cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Valkey.Enabled {
		provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
			Addr:      cfg.Cache.Valkey.Addr,
			Username:  cfg.Cache.Valkey.Username,
			Password:  cfg.Cache.Valkey.Password,
			DB:        cfg.Cache.Valkey.DB,
			KeyPrefix: cfg.Cache.Valkey.KeyPrefix,
			Timeout:   cfg.Cache.Valkey.Timeout,
			TLS:       cfg.Cache.Valkey.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			l2 = provider
		}
	}
	defer l2.Close()

	templates, err := remediation.LoadTemplates(cfg.Remediation.TemplatesPath, logger)
	if err != nil {
		return err
	}

	executor := device.NewHTTPExecutor(device.HTTPConfig{
		BaseURL:     cfg.Device.BaseURL,
		ExecutePath: cfg.Device.ExecutePath,
		Token:       cfg.Device.Token,
		Timeout:     cfg.Device.Timeout,
	}, logger.With(slog.String("component", "device")))

	analyzer := analysis.New(analysis.Config{
		APIKey:           cfg.Analysis.APIKey,
		BaseURL:          cfg.Analysis.BaseURL,
		Model:            cfg.Analysis.Model,
		Timeout:          cfg.Analysis.Timeout,
		MaxTokens:        cfg.Analysis.MaxTokens,
		FailureThreshold: cfg.Analysis.FailureThreshold,
		OpenInterval:     cfg.Analysis.OpenInterval,
	}, logger.With(slog.String("component", "analysis")))

	pilot, err := services.New(st, services.Collaborators{
		Executor: executor,
		Analyzer: analyzer,
		L2:       l2,
	}, services.Settings{
		ExportCommand:       cfg.Device.ExportCommand,
		CacheCapacity:       cfg.Cache.Capacity,
		CacheTTL:            cfg.Cache.TTL,
		AuditRetentionDays:  cfg.Audit.RetentionDays,
		ReportChannels:      cfg.Notify.ReportChannels,
		RemediationChannels: cfg.Notify.RemediationChannels,
		Templates:           templates,
		NotifyOptions:       []notify.Option{notify.WithRetry(cfg.Notify.MaxAttempts, cfg.Notify.RetryDelays)},
	}, logger)
	if err != nil {
		return err
	}

	server, err := api.NewServer(cfg.Server)
	if err != nil {
		return err
	}

	if err := pilot.Start(ctx); err != nil {
		return err
	}

	var subscriber *ingest.Subscriber
	if cfg.Ingest.NATSURL != "" {
		subscriber = ingest.NewSubscriber(ingest.Config{
			URL:     cfg.Ingest.NATSURL,
			Subject: cfg.Ingest.Subject,
			Queue:   cfg.Ingest.Queue,
		}, pilot.Alerts, logger.With(slog.String("component", "ingest")))
		if err := subscriber.Start(ctx); err != nil {
			logger.Error("metric feed unavailable", slog.Any("error", err))
			subscriber = nil
		}
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()
	server.SetServing(true)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	server.SetServing(false)

	if subscriber != nil {
		subscriber.Stop()
	}
	pilot.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}

	logger.Info("mirador-autopilot stopped")
	return nil
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (*store.Store, error) {
	storeCfg := store.DefaultConfig(cfg.Path)
	if cfg.InMemory {
		storeCfg = store.InMemoryConfig()
	}
	storeCfg.Logger = logger.With(slog.String("component", "store"))
	return store.Open(storeCfg)
}
