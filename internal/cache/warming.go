package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// DayFetcher is implemented by the service layer to load one location-day.
// Used by Warmer to avoid a circular dependency on the service package.
type DayFetcher interface {
	Day(ctx context.Context, location string, day time.Time) (models.Snapshot, error)
}

// Warmer warms the cache by prefetching today's readings for a list of locations.
type Warmer struct {
	fetcher DayFetcher
	logger  *zap.Logger
	now     func() time.Time
}

// NewWarmer creates a Warmer that uses the given fetcher and logger.
func NewWarmer(fetcher DayFetcher, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{fetcher: fetcher, logger: logger, now: time.Now}
}

// Warm fetches today for each location concurrently, populating the cache via the fetcher.
// Returns the joined per-location errors.
func (w *Warmer) Warm(ctx context.Context, locations []string) error {
	start := time.Now()
	today := w.now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(locations)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(locations))
	for _, loc := range locations {
		loc := loc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.Day(ctx, loc, today); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", loc, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *Warmer) WarmPeriodic(ctx context.Context, locations []string, interval time.Duration) error {
	if err := w.Warm(ctx, locations); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, locations); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
