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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/air-quality-service/internal/cache"
	"github.com/kjstillabower/air-quality-service/internal/circuitbreaker"
	"github.com/kjstillabower/air-quality-service/internal/client"
	"github.com/kjstillabower/air-quality-service/internal/config"
	httphandler "github.com/kjstillabower/air-quality-service/internal/http"
	"github.com/kjstillabower/air-quality-service/internal/ingest"
	"github.com/kjstillabower/air-quality-service/internal/lifecycle"
	"github.com/kjstillabower/air-quality-service/internal/observability"
	"github.com/kjstillabower/air-quality-service/internal/rotation"
	"github.com/kjstillabower/air-quality-service/internal/service"
	"github.com/kjstillabower/air-quality-service/internal/store"
	"github.com/kjstillabower/air-quality-service/internal/threshold"
)

const breakerComponent = "reading_store"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	tables := threshold.Default()
	if cfg.ThresholdsFile != "" {
		tables, err = threshold.LoadFile(cfg.ThresholdsFile)
		if err != nil {
			logger.Fatal("thresholds", zap.String("file", cfg.ThresholdsFile), zap.Error(err))
		}
	}
	logger.Info("threshold tables loaded", zap.String("version", tables.Version))

	backend, err := openReadingStore(cfg, logger)
	if err != nil {
		logger.Fatal("reading store", zap.Error(err))
	}
	readingStore, sqliteStore := backend.reading, backend.sqlite

	cacheSvc, memcached, err := openCache(cfg, logger)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}

	dashboard := service.NewDashboardService(service.Options{
		Store:           readingStore,
		Cache:           cacheSvc,
		Thresholds:      tables,
		Location:        cfg.Location,
		CacheTTL:        cfg.CacheTTL,
		StaleCacheTTL:   cfg.StaleCacheTTL,
		CoalesceTimeout: cfg.CoalesceTimeout,
	})

	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	// Background workers stop when ctx is cancelled at shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	workers, workerCtx := errgroup.WithContext(ctx)

	var subscriber *ingest.Subscriber
	if cfg.MQTTEnabled && sqliteStore != nil {
		subscriber = ingest.NewSubscriber(ingest.Config{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
			QoS:       byte(cfg.MQTTQoS),
		}, sqliteStore, logger)
		workers.Go(func() error {
			if err := subscriber.Connect(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mqtt connect", zap.Error(err))
			}
			return nil
		})
	}

	var showcase *rotation.Rotator[string]
	if len(cfg.TrackedLocations) > 0 {
		warmer := cache.NewWarmer(dashboard, logger)
		warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.TrackedLocations); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			workers.Go(func() error {
				if err := warmer.WarmPeriodic(workerCtx, cfg.TrackedLocations, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
				return nil
			})
		}

		showcase, err = rotation.New(cfg.TrackedLocations, cfg.ShowcaseInterval)
		if err != nil {
			logger.Fatal("showcase rotation", zap.Error(err))
		}
		showcase.OnAdvance(func(index int, location string) {
			logger.Debug("showcase advanced", zap.Int("index", index), zap.String("location", location))
		})
		workers.Go(func() error {
			if err := showcase.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("showcase rotation stopped", zap.Error(err))
			}
			return nil
		})
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		DegradedMinRequests:  cfg.DegradedMinRequests,
		StorePingTimeout:     cfg.StorePingTimeout,
		StartTime:            time.Now(),
	}
	if memcached != nil {
		healthConfig.CachePing = memcached.Ping
	}
	if subscriber != nil {
		healthConfig.IngestConnected = subscriber.IsConnected
	}

	router := newHTTPHandler(cfg, logger, dashboard, readingStore, healthConfig, showcase)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if subscriber != nil {
		subscriber.Close(250)
	}
	_ = workers.Wait()

	if err := observability.FlushTelemetry(shutdownCtx, logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcached != nil {
		if err := memcached.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if sqliteStore != nil {
		if err := sqliteStore.Close(); err != nil {
			logger.Error("sqlite close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// storeBackend is the reading store chosen by config. sqlite and breaker are nil when unused.
type storeBackend struct {
	reading client.ReadingStore
	sqlite  *store.SQLiteStore
	breaker *circuitbreaker.CircuitBreaker
}

func openReadingStore(cfg *config.Config, logger *zap.Logger) (storeBackend, error) {
	if cfg.StoreBackend == config.StoreSQLite {
		st, err := store.Open(cfg.SQLitePath, logger)
		if err != nil {
			return storeBackend{}, fmt.Errorf("sqlite store: %w", err)
		}
		logger.Info("store backend: sqlite", zap.String("path", cfg.SQLitePath))
		return storeBackend{reading: st, sqlite: st}, nil
	}

	rest, err := client.NewRESTStore(client.RESTOptions{
		APIKey:         cfg.ReadingStoreAPIKey,
		BaseURL:        cfg.ReadingStoreURL,
		Table:          cfg.ReadingStoreTable,
		Timeout:        cfg.ReadingStoreTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		return storeBackend{}, fmt.Errorf("reading store client: %w", err)
	}
	backend := storeBackend{reading: rest}
	if cfg.CircuitBreakerEnabled {
		backend.breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        breakerComponent,
			IsFailure:        client.IsStoreFailure,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(breakerComponent, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker state change",
					zap.String("component", breakerComponent),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		rest.SetCircuitBreaker(backend.breaker)
		observability.CircuitBreakerState.WithLabelValues(breakerComponent).Set(0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}
	logger.Info("store backend: rest", zap.String("url", cfg.ReadingStoreURL), zap.String("table", cfg.ReadingStoreTable))
	return backend, nil
}

func openCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, *cache.MemcachedCache, error) {
	if cfg.CacheBackend == config.CacheMemcached {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StaleCacheTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("memcached cache: %w", err)
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc, nil
	}
	logger.Info("cache backend: in_memory")
	return cache.NewInMemoryCache(), nil, nil
}

func newHTTPHandler(cfg *config.Config, logger *zap.Logger, dashboard *service.DashboardService, readingStore client.ReadingStore,
	healthConfig *httphandler.HealthConfig, showcase *rotation.Rotator[string]) http.Handler {
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(httphandler.HandlerOptions{
		Service:           dashboard,
		Store:             readingStore,
		HealthConfig:      healthConfig,
		Logger:            logger,
		Showcase:          showcase,
		LocationMinLength: cfg.LocationMinLength,
		LocationMaxLength: cfg.LocationMaxLength,
	})
	return httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		CORSOrigins:    cfg.CORSOrigins,
	})
}
