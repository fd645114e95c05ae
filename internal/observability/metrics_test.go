package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T) string {
	t.Helper()
	w := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("MetricsHandler status = %d, want 200", w.Code)
	}
	return w.Body.String()
}

// TestMetrics_Usable verifies that all Prometheus metrics can be used without
// panic, ensuring label dimensions match usage across client, http, service, cache and ingest.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/locations/{location}/hourly", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/locations/{location}/hourly").Observe(0.01)
	StoreCallsTotal.WithLabelValues("success").Inc()
	StoreCallDuration.WithLabelValues("error").Observe(0.1)
	StoreErrorsTotal.WithLabelValues("timeout").Inc()
	CacheHitsTotal.WithLabelValues("fresh").Inc()
	CacheErrorsTotal.WithLabelValues("get", "timeout").Inc()
	ClassificationsTotal.WithLabelValues("pm25", "Good").Inc()
	IngestMessagesTotal.WithLabelValues("stored").Inc()
	RecordCircuitBreakerTransition("reading_store", "closed", "open", 1)

	body := scrape(t)
	if !strings.Contains(body, `circuitBreakerState{component="reading_store"} 1`) {
		t.Error("circuitBreakerState for reading_store should be 1")
	}
}

// TestMetricLocationLabel verifies that tracked locations keep their label and others use "other".
func TestMetricLocationLabel(t *testing.T) {
	SetTrackedLocations([]string{"Lab-1", "roof"})
	defer SetTrackedLocations(nil)

	if got := MetricLocationLabel(" lab-1 "); got != "lab-1" {
		t.Errorf("MetricLocationLabel(lab-1) = %q, want lab-1", got)
	}
	if got := MetricLocationLabel("basement"); got != "other" {
		t.Errorf("MetricLocationLabel(basement) = %q, want other", got)
	}
	RecordDashboardQuery("ROOF")
	if !strings.Contains(scrape(t), `dashboardQueriesByLocationTotal{location="roof"}`) {
		t.Error("dashboardQueriesByLocationTotal should carry location=roof")
	}
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()
	body := scrape(t)
	if !strings.Contains(body, "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("MetricsHandler response should contain runtime metrics")
	}
}
