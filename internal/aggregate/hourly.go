// Package aggregate reduces raw readings into fixed hourly slots and calendar buckets.
package aggregate

import (
	"time"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// accumulator sums the non-null values of every metric for one bucket.
type accumulator struct {
	count  int
	sums   [models.MetricCount]float64
	counts [models.MetricCount]int
}

func (a *accumulator) add(r models.Reading) {
	a.count++
	for _, m := range models.AllMetrics() {
		if v := r.Value(m); v != nil {
			a.sums[m] += *v
			a.counts[m]++
		}
	}
}

// means returns the arithmetic mean per metric, nil where the bucket had no value for it.
func (a *accumulator) means() models.MetricValues {
	var out models.MetricValues
	for _, m := range models.AllMetrics() {
		if a.counts[m] == 0 {
			continue
		}
		mean := a.sums[m] / float64(a.counts[m])
		out.Set(m, &mean)
	}
	return out
}

// Hourly groups readings inside window by hour of day in loc and returns exactly
// 24 aggregates ordered by hour. Hours without readings carry only nil values.
// Input order does not matter; duplicates are counted as given.
func Hourly(readings []models.Reading, window models.Window, loc *time.Location) []models.HourlyAggregate {
	if loc == nil {
		loc = time.UTC
	}
	var buckets [models.HoursPerDay]accumulator
	for _, r := range readings {
		if !window.Contains(r.Timestamp) {
			continue
		}
		buckets[r.Timestamp.In(loc).Hour()].add(r)
	}
	out := make([]models.HourlyAggregate, models.HoursPerDay)
	for h := range buckets {
		out[h] = models.HourlyAggregate{
			Hour:   h,
			Count:  buckets[h].count,
			Values: buckets[h].means(),
		}
	}
	return out
}

// EmptyHours returns 24 aggregates with no data, used when a fetch failed or returned nothing.
func EmptyHours() []models.HourlyAggregate {
	out := make([]models.HourlyAggregate, models.HoursPerDay)
	for h := range out {
		out[h].Hour = h
	}
	return out
}
