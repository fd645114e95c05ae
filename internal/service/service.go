package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/aggregate"
	"github.com/kjstillabower/air-quality-service/internal/cache"
	"github.com/kjstillabower/air-quality-service/internal/client"
	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
	"github.com/kjstillabower/air-quality-service/internal/threshold"
)

// Options configures a DashboardService.
type Options struct {
	Store      client.ReadingStore
	Cache      cache.Cache
	Thresholds *threshold.Tables
	// Location is the dashboard's time zone for day windows and hour bucketing. Defaults to UTC.
	Location *time.Location
	CacheTTL time.Duration
	// StaleCacheTTL is the maximum age past expiry for stale cache fallback (0 = disabled).
	StaleCacheTTL time.Duration
	// CoalesceTimeout bounds a shared store fetch; 0 disables coalescing.
	CoalesceTimeout time.Duration
	Now             func() time.Time
}

// DashboardService orchestrates reading retrieval using the cache-aside pattern with
// store fallback, reduces readings to hourly aggregates and commits per-location snapshots.
type DashboardService struct {
	store         client.ReadingStore
	cache         cache.Cache
	tables        *threshold.Tables
	loc           *time.Location
	ttl           time.Duration
	staleCacheTTL time.Duration
	coalescer     *requestCoalescer // nil if disabled
	generations   *generationTracker
	now           func() time.Time
}

// NewDashboardService creates a DashboardService. Store and Cache are required.
func NewDashboardService(opts Options) *DashboardService {
	var coalescer *requestCoalescer
	if opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	tables := opts.Thresholds
	if tables == nil {
		tables = threshold.Default()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &DashboardService{
		store:         opts.Store,
		cache:         opts.Cache,
		tables:        tables,
		loc:           loc,
		ttl:           opts.CacheTTL,
		staleCacheTTL: opts.StaleCacheTTL,
		coalescer:     coalescer,
		generations:   newGenerationTracker(),
		now:           now,
	}
}

// Thresholds returns the tables used for classification.
func (s *DashboardService) Thresholds() *threshold.Tables {
	return s.tables
}

// Location returns the dashboard time zone.
func (s *DashboardService) Location() *time.Location {
	return s.loc
}

// Now returns the current time in the dashboard time zone.
func (s *DashboardService) Now() time.Time {
	return s.now().In(s.loc)
}

func loggerFromContext(ctx context.Context) *zap.Logger {
	if l := observability.LoggerFromContext(ctx); l != nil {
		return l
	}
	return zap.NewNop()
}

// Day returns the hourly snapshot of location for the calendar day containing day.
// A store failure clears the location's committed snapshot and is returned wrapped.
// A completion overtaken by a newer request for the location is not committed; the
// newer snapshot is served instead when it covers the same day.
func (s *DashboardService) Day(ctx context.Context, location string, day time.Time) (models.Snapshot, error) {
	key := normalizeLocation(location)
	logger := loggerFromContext(ctx)
	start := time.Now()
	window := models.DayWindow(day, s.loc)
	gen := s.generations.begin(key)
	observability.RecordDashboardQuery(key)

	readings, stale, err := s.fetchReadings(ctx, key, window)
	if err != nil {
		cleared := s.emptySnapshot(key, window, models.NoticeFetchFailed)
		if _, cerr := s.generations.commit(key, gen, cleared); errors.Is(cerr, ErrSuperseded) {
			observability.SupersededFetchesTotal.Inc()
			logger.Debug("failed fetch superseded", zap.String("location", key), zap.Uint64("generation", gen))
		}
		return models.Snapshot{}, fmt.Errorf("load %s on %s: %w", key, window.Start.Format("2006-01-02"), err)
	}

	hours := aggregate.Hourly(readings, window, s.loc)
	snap := models.Snapshot{
		Location:  key,
		Date:      window.Start.Format("2006-01-02"),
		Timezone:  s.loc.String(),
		Hours:     hours,
		UpdatedAt: s.now().UTC(),
		Stale:     stale,
	}
	for _, h := range hours {
		snap.ReadingCount += h.Count
	}
	if snap.ReadingCount == 0 {
		snap.Notice = models.NoticeNoData
	}

	committed, err := s.generations.commit(key, gen, snap)
	if errors.Is(err, ErrSuperseded) {
		observability.SupersededFetchesTotal.Inc()
		logger.Debug("fetch superseded",
			zap.String("location", key),
			zap.Uint64("generation", gen),
			zap.Uint64("committed_generation", committed.Generation),
		)
		if committed.Date == snap.Date && committed.Timezone == snap.Timezone && committed.Notice != models.NoticeFetchFailed {
			return committed, nil
		}
		snap.Generation = gen
		return snap, nil
	}
	logger.Debug("snapshot committed",
		zap.String("location", key),
		zap.String("date", snap.Date),
		zap.Int("readings", snap.ReadingCount),
		zap.Bool("stale", stale),
		zap.Duration("duration", time.Since(start)),
	)
	return committed, nil
}

// Latest returns the newest committed snapshot for location.
func (s *DashboardService) Latest(location string) (models.Snapshot, bool) {
	return s.generations.latest(normalizeLocation(location))
}

func (s *DashboardService) emptySnapshot(key string, window models.Window, notice string) models.Snapshot {
	return models.Snapshot{
		Location:  key,
		Date:      window.Start.Format("2006-01-02"),
		Timezone:  s.loc.String(),
		Hours:     aggregate.EmptyHours(),
		Notice:    notice,
		UpdatedAt: s.now().UTC(),
	}
}

// fetchReadings returns the window's readings: cache first, then the store (coalesced),
// then stale cache when the store fails. stale reports a stale cache serve.
func (s *DashboardService) fetchReadings(ctx context.Context, key string, window models.Window) ([]models.Reading, bool, error) {
	logger := loggerFromContext(ctx)
	ck := cache.Key(key, window.Start, s.loc)

	cached, ok, err := s.cache.Get(ctx, ck)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		logger.Warn("cache get failed", zap.String("key", ck), zap.Error(err))
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues("fresh").Inc()
		logger.Debug("cache hit", zap.String("key", ck))
		return cached, false, nil
	}

	logger.Debug("cache miss, querying store", zap.String("key", ck))
	fetch := func(fetchCtx context.Context) ([]models.Reading, error) {
		readings, err := s.store.QueryReadings(fetchCtx, key, window.Start, window.End)
		if err != nil {
			return nil, err
		}
		if setErr := s.cache.Set(fetchCtx, ck, readings, s.ttl); setErr != nil {
			observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
			logger.Warn("cache set failed", zap.String("key", ck), zap.Error(setErr))
		}
		return readings, nil
	}

	var readings []models.Reading
	var storeErr error
	if s.coalescer != nil {
		var shared bool
		readings, shared, storeErr = s.coalescer.Do(ctx, ck, fetch)
		if shared {
			observability.CoalescedFetchesTotal.Inc()
		}
	} else {
		readings, storeErr = fetch(ctx)
	}
	if storeErr == nil {
		return readings, false, nil
	}

	observability.StoreErrorsTotal.WithLabelValues(string(client.CategorizeError(storeErr))).Inc()
	if s.staleCacheTTL > 0 && ctx.Err() == nil {
		stale, ok, staleErr := s.cache.GetStale(ctx, ck, s.staleCacheTTL)
		if staleErr == nil && ok {
			observability.CacheHitsTotal.WithLabelValues("stale").Inc()
			logger.Info("serving stale cache", zap.String("key", ck), zap.NamedError("store_error", storeErr))
			return stale, true, nil
		}
	}
	return nil, false, storeErr
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}

// normalizeLocation normalizes location strings by trimming whitespace and converting to lowercase.
// Used to ensure consistent cache keys and store queries regardless of input format.
func normalizeLocation(location string) string {
	return strings.ToLower(strings.TrimSpace(location))
}
