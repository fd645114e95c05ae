package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/aggregate"
	"github.com/kjstillabower/air-quality-service/internal/circuitbreaker"
	"github.com/kjstillabower/air-quality-service/internal/client"
	"github.com/kjstillabower/air-quality-service/internal/lifecycle"
	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
	"github.com/kjstillabower/air-quality-service/internal/rotation"
	"github.com/kjstillabower/air-quality-service/internal/service"
	"github.com/kjstillabower/air-quality-service/internal/traffic"
	"github.com/kjstillabower/air-quality-service/internal/validation"
)

const serviceVersion = "dev"

// defaultSeriesSpan is the series range when from is omitted.
const defaultSeriesSpan = 7 * 24 * time.Hour

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when the rate limiter is disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// DegradedMinRequests is the served-request floor below which the error rate is ignored.
	DegradedMinRequests int
	StorePingTimeout    time.Duration
	StartTime           time.Time
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// IngestConnected, when set, reports whether the MQTT subscriber is connected.
	IngestConnected func() bool
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Service      *service.DashboardService
	Store        client.ReadingStore
	HealthConfig *HealthConfig
	Logger       *zap.Logger
	// Showcase is the rotation behind /showcase; nil disables it.
	Showcase          *rotation.Rotator[string]
	LocationMinLength int
	LocationMaxLength int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              *service.DashboardService
	store            client.ReadingStore
	healthConfig     *HealthConfig
	logger           *zap.Logger
	showcase         *rotation.Rotator[string]
	locationMinLen   int
	locationMaxLen   int
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:            opts.Service,
		store:          opts.Store,
		healthConfig:   opts.HealthConfig,
		logger:         logger,
		showcase:       opts.Showcase,
		locationMinLen: opts.LocationMinLength,
		locationMaxLen: opts.LocationMaxLength,
	}
}

// location validates the {location} path variable, writing a 400 on failure.
func (h *Handler) location(w http.ResponseWriter, r *http.Request) (string, bool) {
	loc, err := validation.ValidateLocation(mux.Vars(r)["location"], h.locationMinLen, h.locationMaxLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return "", false
	}
	return loc, true
}

// GetHourly handles GET /locations/{location}/hourly?date=YYYY-MM-DD.
func (h *Handler) GetHourly(w http.ResponseWriter, r *http.Request) {
	location, ok := h.location(w, r)
	if !ok {
		return
	}
	day, err := validation.ParseDate(r.URL.Query().Get("date"), h.svc.Location(), h.svc.Now())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_DATE", err.Error())
		return
	}

	snap, err := h.svc.Day(r.Context(), location, day)
	if err != nil {
		writeDashboardError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, snap)
}

// GetSummary handles GET /locations/{location}/summary?date=&hour=.
// hour defaults to the current hour for today and 23 for past days.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	location, ok := h.location(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	now := h.svc.Now()
	day, err := validation.ParseDate(q.Get("date"), h.svc.Location(), now)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_DATE", err.Error())
		return
	}
	def := models.HoursPerDay - 1
	if sameDay(day, now) {
		def = now.Hour()
	}
	hour, err := validation.ParseHour(q.Get("hour"), def)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_HOUR", err.Error())
		return
	}

	summary, err := h.svc.Summary(r.Context(), location, day, hour)
	if err != nil {
		writeDashboardError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, summary)
}

// GetSeries handles GET /locations/{location}/series?from=&to=&granularity=.
// to defaults to now and from to a week before to.
func (h *Handler) GetSeries(w http.ResponseWriter, r *http.Request) {
	location, ok := h.location(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	end := h.svc.Now()
	if s := q.Get("to"); s != "" {
		t, err := validation.ParseTime(s, h.svc.Location())
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_RANGE", err.Error())
			return
		}
		end = t
	}
	start := end.Add(-defaultSeriesSpan)
	if s := q.Get("from"); s != "" {
		t, err := validation.ParseTime(s, h.svc.Location())
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_RANGE", err.Error())
			return
		}
		start = t
	}
	g, err := aggregate.ParseGranularity(q.Get("granularity"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_GRANULARITY", err.Error())
		return
	}

	series, err := h.svc.Series(r.Context(), location, start, end, g)
	if err != nil {
		writeDashboardError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, series)
}

// GetLatest handles GET /locations/{location}/latest. Without a committed snapshot it
// loads today.
func (h *Handler) GetLatest(w http.ResponseWriter, r *http.Request) {
	location, ok := h.location(w, r)
	if !ok {
		return
	}
	if snap, ok := h.svc.Latest(location); ok {
		traffic.RecordSuccess()
		writeJSON(w, http.StatusOK, snap)
		return
	}
	snap, err := h.svc.Day(r.Context(), location, h.svc.Now())
	if err != nil {
		writeDashboardError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, snap)
}

type showcaseResponse struct {
	Location string          `json:"location"`
	Index    int             `json:"index"`
	Count    int             `json:"count"`
	Summary  service.Summary `json:"summary"`
}

// GetShowcase handles GET /showcase: the current-hour summary of the rotation's location.
func (h *Handler) GetShowcase(w http.ResponseWriter, r *http.Request) {
	if h.showcase == nil {
		writeError(w, r, http.StatusNotFound, "SHOWCASE_DISABLED", "no tracked locations configured")
		return
	}
	location := h.showcase.Current()
	now := h.svc.Now()
	summary, err := h.svc.Summary(r.Context(), location, now, now.Hour())
	if err != nil {
		writeDashboardError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, showcaseResponse{
		Location: location,
		Index:    h.showcase.Index(),
		Count:    h.showcase.Len(),
		Summary:  summary,
	})
}

// GetThresholds handles GET /thresholds.
func (h *Handler) GetThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Thresholds())
}

type classifyResponse struct {
	Metric        models.Metric `json:"metric"`
	Value         float64       `json:"value"`
	Unit          string        `json:"unit"`
	HigherIsWorse bool          `json:"higherIsWorse"`
	Status        string        `json:"status"`
	Band          interface{}   `json:"band"`
}

// GetClassify handles GET /classify/{metric}?value=.
func (h *Handler) GetClassify(w http.ResponseWriter, r *http.Request) {
	m, err := models.ParseMetric(mux.Vars(r)["metric"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "UNKNOWN_METRIC", err.Error())
		return
	}
	v, err := validation.ParseValue(r.URL.Query().Get("value"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_VALUE", err.Error())
		return
	}
	tables := h.svc.Thresholds()
	table := tables.Table(m)
	resp := classifyResponse{
		Metric:        m,
		Value:         v,
		Unit:          table.Unit,
		HigherIsWorse: table.HigherIsWorse,
		Status:        service.NoDataLabel,
	}
	if band := tables.Classify(&v, m); band != nil {
		resp.Status = band.Label
		resp.Band = band
		observability.ClassificationsTotal.WithLabelValues(m.String(), band.Label).Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	storeErr   error
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"store": checkLabel(result.storeErr == nil)}
	if h.healthConfig != nil {
		if h.healthConfig.CachePing != nil {
			checks["cache"] = checkLabel(h.healthConfig.CachePing() == nil)
		}
		if h.healthConfig.IngestConnected != nil {
			checks["ingest"] = checkLabel(h.healthConfig.IngestConnected())
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   serviceVersion,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	if since := lifecycle.ShuttingDownSince(); !since.IsZero() {
		resp["shuttingDownSince"] = since.UTC().Format(time.RFC3339)
	}
	if h.healthConfig != nil && !h.healthConfig.StartTime.IsZero() {
		resp["uptimeSeconds"] = int64(time.Since(h.healthConfig.StartTime).Seconds())
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > store unreachable > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{status: "shutting-down", statusCode: http.StatusServiceUnavailable, reason: "signal"}
	}

	storeErr := h.pingStore(ctx)
	if storeErr != nil {
		reason := "store_unreachable"
		if errors.Is(storeErr, client.ErrStoreUnauthorized) {
			reason = "store_unauthorized"
		}
		return healthResult{status: "degraded", statusCode: http.StatusServiceUnavailable, reason: reason, storeErr: storeErr}
	}
	if h.healthConfig == nil {
		return healthResult{status: "healthy", statusCode: http.StatusOK}
	}
	cfg := h.healthConfig

	if cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 && cfg.OverloadThresholdPct > 0 {
		limit := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(traffic.Window(cfg.OverloadWindow).Denied) > limit {
			return healthResult{status: "overloaded", statusCode: http.StatusServiceUnavailable, reason: "overload_threshold"}
		}
	}

	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		counts := traffic.Window(cfg.DegradedWindow)
		served := counts.Successes + counts.Errors
		if served > 0 && served >= cfg.DegradedMinRequests && counts.ErrorPct() >= float64(cfg.DegradedErrorPct) {
			return healthResult{status: "degraded", statusCode: http.StatusServiceUnavailable, reason: "error_rate_breach"}
		}
	}
	return healthResult{status: "healthy", statusCode: http.StatusOK}
}

func (h *Handler) pingStore(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	timeout := 2 * time.Second
	if h.healthConfig != nil && h.healthConfig.StorePingTimeout > 0 {
		timeout = h.healthConfig.StorePingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.store.Ping(ctx)
}

func checkLabel(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeDashboardError maps a service error to a response. Request-shape errors are 400s;
// store failures are 5xx and count against the degraded error rate.
func writeDashboardError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidHour):
		writeError(w, r, http.StatusBadRequest, "INVALID_HOUR", err.Error())
		return
	case errors.Is(err, service.ErrInvalidRange):
		writeError(w, r, http.StatusBadRequest, "INVALID_RANGE", err.Error())
		return
	case errors.Is(err, aggregate.ErrUnsupportedGranularity):
		writeError(w, r, http.StatusBadRequest, "INVALID_GRANULARITY", err.Error())
		return
	case errors.Is(err, aggregate.ErrTooManyBuckets):
		writeError(w, r, http.StatusBadRequest, "RANGE_TOO_LARGE", err.Error())
		return
	case errors.Is(err, client.ErrLocationNotFound):
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "Unknown location")
		return
	}

	traffic.RecordError()
	if logger := observability.LoggerFromContext(r.Context()); logger != nil {
		logger.Debug("store error", zap.Error(err))
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Timed out fetching sensor readings")
	case errors.Is(err, circuitbreaker.ErrOpen):
		writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Reading store temporarily unavailable")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch sensor readings")
	}
}
