package models

import "time"

// HoursPerDay is the fixed length of an hourly aggregate sequence.
const HoursPerDay = 24

// MetricValues holds one optional value per metric. A nil entry means no data.
type MetricValues struct {
	PM25        *float64 `json:"pm25"`
	PM10        *float64 `json:"pm10"`
	Humidity    *float64 `json:"humidity"`
	Temperature *float64 `json:"temperature"`
	Oxygen      *float64 `json:"oxygen"`
}

// Get returns the value for m.
func (v MetricValues) Get(m Metric) *float64 {
	switch m {
	case PM25:
		return v.PM25
	case PM10:
		return v.PM10
	case Humidity:
		return v.Humidity
	case Temperature:
		return v.Temperature
	case Oxygen:
		return v.Oxygen
	}
	return nil
}

// Set stores x for m.
func (v *MetricValues) Set(m Metric, x *float64) {
	switch m {
	case PM25:
		v.PM25 = x
	case PM10:
		v.PM10 = x
	case Humidity:
		v.Humidity = x
	case Temperature:
		v.Temperature = x
	case Oxygen:
		v.Oxygen = x
	}
}

// Empty reports whether no metric has a value.
func (v MetricValues) Empty() bool {
	for _, m := range AllMetrics() {
		if v.Get(m) != nil {
			return false
		}
	}
	return true
}

// HourlyAggregate is the per-metric mean of the readings that fell into one hour of day.
type HourlyAggregate struct {
	Hour   int          `json:"hour"`
	Count  int          `json:"count"`
	Values MetricValues `json:"values"`
}

// Granularity selects the bucket width for a series.
type Granularity string

const (
	GranularityHourly  Granularity = "hourly"
	GranularityDaily   Granularity = "daily"
	GranularityWeekly  Granularity = "weekly"
	GranularityMonthly Granularity = "monthly"
)

// BucketAggregate is the per-metric mean over one calendar bucket of a series.
type BucketAggregate struct {
	Start  time.Time    `json:"start"`
	End    time.Time    `json:"end"`
	Count  int          `json:"count"`
	Values MetricValues `json:"values"`
}

// Notice values carried by a Snapshot.
const (
	NoticeNone        = ""
	NoticeNoData      = "no_data"
	NoticeFetchFailed = "fetch_failed"
)

// Snapshot is the reduced view of one location's day.
type Snapshot struct {
	Location     string            `json:"location"`
	Date         string            `json:"date"`
	Timezone     string            `json:"timezone"`
	Hours        []HourlyAggregate `json:"hours"`
	ReadingCount int               `json:"readingCount"`
	Notice       string            `json:"notice,omitempty"`
	Generation   uint64            `json:"generation"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	Stale        bool              `json:"stale,omitempty"` // served from stale cache
}
