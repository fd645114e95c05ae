package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kjstillabower/air-quality-service/internal/aggregate"
	"github.com/kjstillabower/air-quality-service/internal/client"
	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/narrative"
	"github.com/kjstillabower/air-quality-service/internal/observability"
	"github.com/kjstillabower/air-quality-service/internal/threshold"
	"github.com/kjstillabower/air-quality-service/internal/trend"
)

// NoDataLabel is the status shown for a metric without a value.
const NoDataLabel = "No Data"

var (
	// ErrInvalidHour is returned for an hour outside 0..23.
	ErrInvalidHour = errors.New("hour must be between 0 and 23")
	// ErrInvalidRange is returned for a series whose end is not after its start.
	ErrInvalidRange = errors.New("range end must be after start")
)

// compositeMetrics are compared for the overall air-quality verdict.
var compositeMetrics = []models.Metric{models.PM25, models.PM10}

// MetricSummary is one metric's value, band and trend for an hour.
type MetricSummary struct {
	Metric   models.Metric   `json:"metric"`
	Name     string          `json:"name"`
	Unit     string          `json:"unit"`
	Value    *float64        `json:"value"`
	Previous *float64        `json:"previous"`
	Band     *threshold.Band `json:"band"`
	Status   string          `json:"status"`
	Trend    trend.Label     `json:"trend"`
}

// Summary is the dashboard card for one location-hour.
type Summary struct {
	Location   string             `json:"location"`
	Date       string             `json:"date"`
	Timezone   string             `json:"timezone"`
	Hour       int                `json:"hour"`
	Metrics    []MetricSummary    `json:"metrics"`
	Overall    *threshold.Verdict `json:"overall"`
	Narrative  string             `json:"narrative"`
	Notice     string             `json:"notice,omitempty"`
	Stale      bool               `json:"stale,omitempty"`
	Generation uint64             `json:"generation"`
}

// Series is a bucketed range of one location's readings.
type Series struct {
	Location    string                   `json:"location"`
	Timezone    string                   `json:"timezone"`
	Granularity models.Granularity       `json:"granularity"`
	Start       time.Time                `json:"start"`
	End         time.Time                `json:"end"`
	Buckets     []models.BucketAggregate `json:"buckets"`
}

// Summary classifies each metric for hour h of the day containing day, with the trend
// against the previous hour (hour 0 compares with hour 23 of the same day).
func (s *DashboardService) Summary(ctx context.Context, location string, day time.Time, h int) (Summary, error) {
	if h < 0 || h >= models.HoursPerDay {
		return Summary{}, ErrInvalidHour
	}
	snap, err := s.Day(ctx, location, day)
	if err != nil {
		return Summary{}, err
	}
	return s.Summarize(snap, h), nil
}

// Summarize builds the Summary for hour h of snap. h must be in range.
func (s *DashboardService) Summarize(snap models.Snapshot, h int) Summary {
	values := snap.Hours[h].Values
	prev := snap.Hours[trend.PreviousHour(h)].Values

	out := Summary{
		Location:   snap.Location,
		Date:       snap.Date,
		Timezone:   snap.Timezone,
		Hour:       h,
		Notice:     snap.Notice,
		Stale:      snap.Stale,
		Generation: snap.Generation,
	}
	statuses := make([]narrative.MetricStatus, 0, models.MetricCount)
	for _, m := range models.AllMetrics() {
		table := s.tables.Table(m)
		v := values.Get(m)
		band := s.tables.Classify(v, m)
		ms := MetricSummary{
			Metric:   m,
			Name:     m.DisplayName(),
			Unit:     table.Unit,
			Value:    v,
			Previous: prev.Get(m),
			Band:     band,
			Status:   NoDataLabel,
			Trend:    trend.HourOverHour(snap.Hours, h, m, table.HigherIsWorse),
		}
		if band != nil {
			ms.Status = band.Label
			observability.ClassificationsTotal.WithLabelValues(m.String(), band.Label).Inc()
		}
		out.Metrics = append(out.Metrics, ms)
		statuses = append(statuses, narrative.MetricStatus{Metric: m, Band: band, Trend: ms.Trend})
	}

	in := narrative.Input{Metrics: statuses}
	if verdict, ok := s.tables.WorstOf(values, compositeMetrics...); ok {
		out.Overall = &verdict
		in.Overall = &verdict
		in.OverallUnit = s.tables.Table(verdict.Metric).Unit
	}
	out.Narrative = narrative.Compose(in)
	return out
}

// Series buckets location's readings in [start, end) at granularity g. Empty buckets
// carry null values.
func (s *DashboardService) Series(ctx context.Context, location string, start, end time.Time, g models.Granularity) (Series, error) {
	if !end.After(start) {
		return Series{}, ErrInvalidRange
	}
	key := normalizeLocation(location)
	window := models.Window{Start: start.In(s.loc), End: end.In(s.loc)}

	// Validate bucket count before touching the store.
	if _, err := aggregate.Series(nil, window, g, s.loc); err != nil {
		return Series{}, err
	}
	observability.RecordDashboardQuery(key)
	readings, err := s.store.QueryReadings(ctx, key, window.Start, window.End)
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues(string(client.CategorizeError(err))).Inc()
		return Series{}, fmt.Errorf("series for %s: %w", key, err)
	}
	buckets, err := aggregate.Series(readings, window, g, s.loc)
	if err != nil {
		return Series{}, err
	}
	return Series{
		Location:    key,
		Timezone:    s.loc.String(),
		Granularity: g,
		Start:       window.Start,
		End:         window.End,
		Buckets:     buckets,
	}, nil
}
