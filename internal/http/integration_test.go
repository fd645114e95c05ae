//go:build integration
// +build integration

package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/air-quality-service/internal/ingest"
	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
	testhelpers "github.com/kjstillabower/air-quality-service/internal/testhelpers"
)

var integrationNow = time.Date(2026, 5, 4, 9, 45, 0, 0, time.UTC)

var testLogger *zap.Logger

func init() {
	var err error
	testLogger, err = observability.NewLogger()
	if err != nil {
		panic(err)
	}
}

// setupIntegrationRouter builds the full router over a SQLite-backed service.
func setupIntegrationRouter(t *testing.T, limiter *rate.Limiter) (http.Handler, *testhelpers.IntegrationEnv) {
	t.Helper()
	env := testhelpers.SetupIntegrationService(t, testhelpers.GetIntegrationConfig(t), integrationNow)
	h := NewHandler(HandlerOptions{
		Service:           env.Service,
		Store:             env.Store,
		Logger:            testLogger,
		LocationMaxLength: 64,
	})
	router := NewRouter(h, RouterConfig{Logger: testLogger, Limiter: limiter, RequestTimeout: 5 * time.Second})
	return router, env
}

func morning(h, m int) time.Time {
	return time.Date(2026, 5, 4, h, m, 0, 0, time.UTC)
}

// TestIntegration_HourlyFromSQLite verifies readings written to SQLite come back reduced by hour.
func TestIntegration_HourlyFromSQLite(t *testing.T) {
	router, env := setupIntegrationRouter(t, nil)
	loc := testhelpers.UniqueLocation("hourly")
	env.SeedReadings(t,
		models.Reading{Location: loc, Timestamp: morning(8, 0), PM25: models.Float(10), Oxygen: models.Float(20.9)},
		models.Reading{Location: loc, Timestamp: morning(8, 30), PM25: models.Float(20)},
		models.Reading{Location: loc, Timestamp: morning(9, 15), PM25: models.Float(60)},
	)

	w := doRequest(t, router, "/locations/"+loc+"/hourly")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var snap models.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ReadingCount != 3 {
		t.Errorf("ReadingCount = %d, want 3", snap.ReadingCount)
	}
	if got := snap.Hours[8].Values.PM25; got == nil || *got != 15 {
		t.Errorf("Hours[8].PM25 = %v, want 15", got)
	}
	if got := snap.Hours[8].Values.Oxygen; got == nil || *got != 20.9 {
		t.Errorf("Hours[8].Oxygen = %v, want 20.9", got)
	}
}

// TestIntegration_IngestToSummary verifies an MQTT payload decoded by the ingest path reaches
// the summary endpoint through SQLite.
func TestIntegration_IngestToSummary(t *testing.T) {
	router, env := setupIntegrationRouter(t, nil)
	loc := testhelpers.UniqueLocation("ingest")
	sub := ingest.NewSubscriber(ingest.Config{BrokerURL: "tcp://127.0.0.1:1"}, env.Store, zap.NewNop())

	sub.HandleMessage("sensors/"+loc+"/readings", []byte(`{"timestamp":"2026-05-04T08:10:00Z","pm25":12,"pm10":20}`))
	sub.HandleMessage("sensors/"+loc+"/readings", []byte(`{"timestamp":"2026-05-04T09:10:00Z","pm25":60,"pm10":40}`))
	sub.HandleMessage("sensors/"+loc+"/readings", []byte(`not json`))

	w := doRequest(t, router, "/locations/"+loc+"/summary?hour=9")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body summaryBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Overall == nil || body.Overall.Metric != "pm25" {
		t.Fatalf("Overall = %+v, want pm25", body.Overall)
	}
	if !strings.Contains(body.Narrative, "Poor") {
		t.Errorf("Narrative = %q, want it to mention Poor", body.Narrative)
	}
}

// TestIntegration_SeriesWeekly verifies ISO-week buckets over SQLite readings.
func TestIntegration_SeriesWeekly(t *testing.T) {
	router, env := setupIntegrationRouter(t, nil)
	loc := testhelpers.UniqueLocation("series")
	env.SeedReadings(t,
		models.Reading{Location: loc, Timestamp: time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC), PM10: models.Float(30)},
		models.Reading{Location: loc, Timestamp: time.Date(2026, 4, 26, 12, 0, 0, 0, time.UTC), PM10: models.Float(50)},
		models.Reading{Location: loc, Timestamp: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC), PM10: models.Float(70)},
	)

	w := doRequest(t, router, "/locations/"+loc+"/series?from=2026-04-20&to=2026-05-05&granularity=weekly")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Buckets []models.BucketAggregate `json:"buckets"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Buckets) != 3 {
		t.Fatalf("len(Buckets) = %d, want 3", len(body.Buckets))
	}
	if got := body.Buckets[0].Values.PM10; got == nil || *got != 40 {
		t.Errorf("week 1 pm10 = %v, want 40", got)
	}
	if body.Buckets[1].Values.PM10 != nil {
		t.Errorf("week 2 should be empty, got %v", *body.Buckets[1].Values.PM10)
	}
	if body.Buckets[0].Start.Weekday() != time.Monday {
		t.Errorf("bucket start %v is not a Monday", body.Buckets[0].Start)
	}
}

// TestIntegration_GetHealth_FullStack verifies health with a live SQLite ping.
func TestIntegration_GetHealth_FullStack(t *testing.T) {
	router, _ := setupIntegrationRouter(t, nil)

	w := doRequest(t, router, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

// TestIntegration_GetMetrics_Format verifies Prometheus exposition after dashboard traffic.
func TestIntegration_GetMetrics_Format(t *testing.T) {
	router, _ := setupIntegrationRouter(t, nil)
	doRequest(t, router, "/locations/"+testhelpers.UniqueLocation("metrics")+"/hourly")

	w := doRequest(t, router, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"httpRequestsTotal", "dashboardQueriesByLocationTotal", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

// TestIntegration_RateLimiting_Concurrent verifies the token bucket under concurrent load.
func TestIntegration_RateLimiting_Concurrent(t *testing.T) {
	router, _ := setupIntegrationRouter(t, rate.NewLimiter(1, 5))
	loc := testhelpers.UniqueLocation("ratelimit")

	var mu sync.Mutex
	codes := map[int]int{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/locations/"+loc+"/hourly", nil))
			mu.Lock()
			codes[w.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if codes[http.StatusOK] < 5 || codes[http.StatusOK] > 6 {
		t.Errorf("200 responses = %d, want 5 or 6 (burst plus at most one refill)", codes[http.StatusOK])
	}
	if codes[http.StatusOK]+codes[http.StatusTooManyRequests] != 20 {
		t.Errorf("unexpected status codes: %v", codes)
	}
}
