// Command clef runs the private npm registry: a caching reverse proxy in
// front of an upstream registry with local publishing on top.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/clef/pkg/api"
	"github.com/platinummonkey/clef/pkg/auth"
	"github.com/platinummonkey/clef/pkg/cache"
	"github.com/platinummonkey/clef/pkg/config"
	"github.com/platinummonkey/clef/pkg/observability"
	"github.com/platinummonkey/clef/pkg/orgs"
	"github.com/platinummonkey/clef/pkg/registry"
	"github.com/platinummonkey/clef/pkg/storage/db"
	"github.com/platinummonkey/clef/pkg/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "clef: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithFields(map[string]interface{}{
		"listen":   cfg.ListenAddr(),
		"upstream": cfg.Registry.UpstreamURL,
		"cache":    cfg.Cache.Dir,
	}).Info("starting clef registry")

	if err := os.MkdirAll(cfg.Cache.Dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	store, err := db.Open(cfg.Cache.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	c, err := cache.New(cfg.Cache.Dir, cfg.Cache.TTL, cfg.Cache.Enabled, cfg.HostPort(), store, logger)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}

	client := upstream.New(cfg.Registry.UpstreamURL, cfg.Observability.OTelEnabled, logger)
	reg := registry.New(store, c, client, logger)
	authSvc := auth.NewService(store, logger)
	orgSvc := orgs.NewService(store, logger)

	var metrics *observability.Metrics
	promRegistry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		promRegistry.MustRegister(collectors.NewGoCollector())
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(promRegistry)
		store.SetMetrics(metrics)
		c.SetMetrics(metrics)
		client.SetMetrics(metrics)
		reg.SetMetrics(metrics)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		otelProviders, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			return fmt.Errorf("initialize tracing: %w", err)
		}
	}

	health := observability.NewHealthChecker(store.DB(), cfg.Cache.Dir)
	server := api.NewServer(cfg, store, c, reg, client, authSvc, orgSvc, logger, metrics, health)

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(mux, promRegistry)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Adopt tarballs that appeared in the cache directory outside our
	// control, then keep watching for more.
	reindexLog := logrus.New()
	reindexLog.SetFormatter(&logrus.JSONFormatter{})
	reindexer := cache.NewReindexer(c, store, cfg.Registry.UpstreamURL, reindexLog)
	if err := reindexer.Scan(ctx); err != nil {
		logger.WithError(err).Warn("initial cache scan failed")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return reindexer.Watch(groupCtx)
	})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("* * * * *", func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer flushCancel()
		if err := c.FlushStats(flushCtx); err != nil {
			logger.WithError(err).Warn("failed to persist cache counters")
		}
		store.CollectPoolStats()
		collectGauges(flushCtx, store, metrics, logger)
	}); err != nil {
		return fmt.Errorf("schedule stats flush: %w", err)
	}
	scheduler.Start()

	sm := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		cancel()
		scheduler.Stop()
		if err := c.FlushStats(shutdownCtx); err != nil {
			logger.WithError(err).Warn("final counter flush failed")
		}
		if otelProviders != nil {
			return observability.ShutdownOTel(shutdownCtx, otelProviders, logger)
		}
		return nil
	})

	group.Go(func() error {
		logger.Infof("listening on %s", cfg.BaseURL())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return sm.WaitForShutdown()
	})

	return group.Wait()
}

// collectGauges refreshes the slow-moving totals exposed to Prometheus.
func collectGauges(ctx context.Context, store *db.Store, metrics *observability.Metrics, logger *observability.Logger) {
	if metrics == nil {
		return
	}
	if packages, err := store.CountPackages(ctx); err == nil {
		metrics.PackagesTotal.Set(float64(packages))
	} else {
		logger.WithError(err).Debug("package count failed")
	}
	if tokens, err := store.CountActiveTokens(ctx); err == nil {
		metrics.ActiveTokensTotal.Set(float64(tokens))
	} else {
		logger.WithError(err).Debug("token count failed")
	}
}
