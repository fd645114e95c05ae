// Package trend labels the change between consecutive hourly aggregates.
package trend

import "github.com/kjstillabower/air-quality-service/internal/models"

// Label is the direction of a metric between two hours.
type Label string

const (
	Improving Label = "improving"
	Worsening Label = "worsening"
	Stable    Label = "stable"
	Unknown   Label = "unknown"
)

// Compare labels the move from previous to current. When higherIsWorse, a rise is Worsening
// and a fall Improving; otherwise the labels invert. Unknown if either value is nil.
func Compare(current, previous *float64, higherIsWorse bool) Label {
	if current == nil || previous == nil {
		return Unknown
	}
	switch {
	case *current == *previous:
		return Stable
	case (*current > *previous) == higherIsWorse:
		return Worsening
	default:
		return Improving
	}
}

// PreviousHour returns h-1, wrapping hour 0 to 23.
func PreviousHour(h int) int {
	return (h + models.HoursPerDay - 1) % models.HoursPerDay
}

// HourOverHour compares metric m at hour h with the previous hour in hours.
// hours must be the 24-slot sequence produced by the hourly reducer.
func HourOverHour(hours []models.HourlyAggregate, h int, m models.Metric, higherIsWorse bool) Label {
	if len(hours) != models.HoursPerDay || h < 0 || h >= models.HoursPerDay {
		return Unknown
	}
	return Compare(hours[h].Values.Get(m), hours[PreviousHour(h)].Values.Get(m), higherIsWorse)
}
