package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// RouterConfig holds the middleware settings for NewRouter.
type RouterConfig struct {
	Logger *zap.Logger
	// Limiter throttles the dashboard routes; nil disables rate limiting.
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	CORSOrigins    []string
}

// NewRouter mounts the API on a mux router. Operational routes skip the rate limiter and
// timeout; dashboard routes under /locations and /showcase get both.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(logger))
	r.Use(MetricsMiddleware)

	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/thresholds", h.GetThresholds).Methods(http.MethodGet)
	r.HandleFunc("/classify/{metric}", h.GetClassify).Methods(http.MethodGet)

	dashboard := r.NewRoute().Subrouter()
	dashboard.Use(RateLimitMiddleware(cfg.Limiter))
	dashboard.Use(TimeoutMiddleware(cfg.RequestTimeout))
	dashboard.HandleFunc("/showcase", h.GetShowcase).Methods(http.MethodGet)

	locations := dashboard.PathPrefix("/locations/{location}").Subrouter()
	locations.HandleFunc("/hourly", h.GetHourly).Methods(http.MethodGet)
	locations.HandleFunc("/summary", h.GetSummary).Methods(http.MethodGet)
	locations.HandleFunc("/series", h.GetSeries).Methods(http.MethodGet)
	locations.HandleFunc("/latest", h.GetLatest).Methods(http.MethodGet)

	return CORSMiddleware(cfg.CORSOrigins)(r)
}
