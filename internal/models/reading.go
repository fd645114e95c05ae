package models

import (
	"math"
	"time"
)

// Reading is one sensor sample. Metric fields are nil when the sensor reported nothing.
type Reading struct {
	Location    string    `json:"location"`
	Timestamp   time.Time `json:"timestamp"`
	PM25        *float64  `json:"pm25"`
	PM10        *float64  `json:"pm10"`
	Humidity    *float64  `json:"humidity"`
	Temperature *float64  `json:"temperature"`
	Oxygen      *float64  `json:"oxygen"`
}

// Value returns the reading's value for m, or nil when absent or NaN.
func (r Reading) Value(m Metric) *float64 {
	var v *float64
	switch m {
	case PM25:
		v = r.PM25
	case PM10:
		v = r.PM10
	case Humidity:
		v = r.Humidity
	case Temperature:
		v = r.Temperature
	case Oxygen:
		v = r.Oxygen
	}
	if v == nil || math.IsNaN(*v) {
		return nil
	}
	return v
}

// SetValue stores v for m. A nil v clears the metric.
func (r *Reading) SetValue(m Metric, v *float64) {
	switch m {
	case PM25:
		r.PM25 = v
	case PM10:
		r.PM10 = v
	case Humidity:
		r.Humidity = v
	case Temperature:
		r.Temperature = v
	case Oxygen:
		r.Oxygen = v
	}
}

// Float returns a pointer to v. Convenience for building readings.
func Float(v float64) *float64 {
	return &v
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// DayWindow returns the window covering the calendar day of t in loc.
func DayWindow(t time.Time, loc *time.Location) Window {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}
