package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjstillabower/air-quality-service/internal/circuitbreaker"
	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// ReadingStore is a queryable time-series store of sensor readings.
type ReadingStore interface {
	QueryReadings(ctx context.Context, location string, start, end time.Time) ([]models.Reading, error)
	Ping(ctx context.Context) error
}

var (
	ErrStoreUnauthorized = errors.New("reading store rejected credentials")
	ErrLocationNotFound  = errors.New("location not found")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrResponseTooLarge  = errors.New("response too large")
)

// maxResponseBytes is the default cap on a single query response.
const maxResponseBytes = 32 << 20

// RESTStore queries a hosted PostgREST-style reading table.
type RESTStore struct {
	apiKey         string
	baseURL        string
	table          string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	maxBody        int64
	breaker        *circuitbreaker.CircuitBreaker
}

// RESTOptions configures a RESTStore. Zero values fall back to defaults.
type RESTOptions struct {
	APIKey         string
	BaseURL        string
	Table          string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// MaxResponseBytes rejects larger query bodies with ErrResponseTooLarge.
	MaxResponseBytes int64
}

// NewRESTStore validates opts and returns a store client.
func NewRESTStore(opts RESTOptions) (*RESTStore, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrStoreUnauthorized)
	}
	if _, err := url.Parse(opts.BaseURL); err != nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("invalid reading store URL %q", opts.BaseURL)
	}
	if opts.Table == "" {
		opts.Table = "sensor_readings"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = maxResponseBytes
	}
	return &RESTStore{
		apiKey:         opts.APIKey,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		table:          opts.Table,
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		maxBody:        opts.MaxResponseBytes,
		client:         &http.Client{Timeout: opts.Timeout},
	}, nil
}

// SetCircuitBreaker wraps every store call in cb. Pass nil to disable.
func (c *RESTStore) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// readingRow is the store's row shape. Numeric columns are nullable.
type readingRow struct {
	Location    string   `json:"location"`
	Timestamp   string   `json:"timestamp"`
	PM25        *float64 `json:"pm25"`
	PM10        *float64 `json:"pm10"`
	Humidity    *float64 `json:"humidity"`
	Temperature *float64 `json:"temperature"`
	Oxygen      *float64 `json:"oxygen"`
}

// QueryReadings returns readings for location in [start, end), retrying transient failures
// with exponential backoff.
func (c *RESTStore) QueryReadings(ctx context.Context, location string, start, end time.Time) ([]models.Reading, error) {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.StoreRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		var result []models.Reading
		call := func() error {
			var err error
			result, err = c.query(ctx, location, start, end)
			return err
		}
		var err error
		if c.breaker != nil {
			err = c.breaker.Call(ctx, call)
		} else {
			err = call()
		}
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *RESTStore) query(ctx context.Context, location string, start, end time.Time) ([]models.Reading, error) {
	begin := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildQueryRequest(reqCtx, location, start, end)
	if err != nil {
		observability.StoreCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.StoreCallsTotal.WithLabelValues("error").Inc()
		observability.StoreCallDuration.WithLabelValues("error").Observe(time.Since(begin).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.StoreCallsTotal.WithLabelValues(status).Inc()
	observability.StoreCallDuration.WithLabelValues(status).Observe(time.Since(begin).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxBody)
	}
	var rows []readingRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return mapRows(rows, location)
}

func (c *RESTStore) buildQueryRequest(ctx context.Context, location string, start, end time.Time) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + "/rest/v1/" + url.PathEscape(c.table))
	if err != nil {
		return nil, fmt.Errorf("invalid store URL: %w", err)
	}
	params := url.Values{}
	params.Set("select", "location,timestamp,pm25,pm10,humidity,temperature,oxygen")
	params.Set("location", "eq."+location)
	params.Add("timestamp", "gte."+start.UTC().Format(time.RFC3339))
	params.Add("timestamp", "lt."+end.UTC().Format(time.RFC3339))
	params.Set("order", "timestamp.asc")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func (c *RESTStore) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

// IsStoreFailure reports whether err shows the store itself is unhealthy. Unknown
// locations, rejected keys and caller cancellation are answers about the request, not the
// store, and must not trip a circuit breaker.
func IsStoreFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrLocationNotFound), errors.Is(err, ErrStoreUnauthorized):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (c *RESTStore) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded")
}

func (c *RESTStore) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrStoreUnauthorized, resp.StatusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func mapRows(rows []readingRow, location string) ([]models.Reading, error) {
	out := make([]models.Reading, 0, len(rows))
	for _, row := range rows {
		ts, err := parseTimestamp(row.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		loc := row.Location
		if loc == "" {
			loc = location
		}
		out = append(out, models.Reading{
			Location:    loc,
			Timestamp:   ts,
			PM25:        row.PM25,
			PM10:        row.PM10,
			Humidity:    row.Humidity,
			Temperature: row.Temperature,
			Oxygen:      row.Oxygen,
		})
	}
	return out, nil
}

// parseTimestamp accepts RFC3339 with or without fractional seconds, and the
// space-separated form some Postgres frontends emit.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value(observability.CorrelationIDKey); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// Ping issues a single-row query to check that the store is reachable and accepts the key.
func (c *RESTStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + "/rest/v1/" + url.PathEscape(c.table) + "?select=timestamp&limit=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: HTTP %d", ErrStoreUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
