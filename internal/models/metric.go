package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownMetric is returned when a metric name is not one of the five measured quantities.
var ErrUnknownMetric = errors.New("unknown metric")

// Metric identifies one measured environmental quantity.
type Metric int

const (
	PM25 Metric = iota
	PM10
	Humidity
	Temperature
	Oxygen

	// MetricCount is the number of metrics; per-metric tables are arrays of this length.
	MetricCount int = iota
)

var metricNames = [MetricCount]string{
	PM25:        "pm25",
	PM10:        "pm10",
	Humidity:    "humidity",
	Temperature: "temperature",
	Oxygen:      "oxygen",
}

var metricDisplayNames = [MetricCount]string{
	PM25:        "PM2.5",
	PM10:        "PM10",
	Humidity:    "Humidity",
	Temperature: "Temperature",
	Oxygen:      "Oxygen",
}

// AllMetrics returns the metrics in canonical order.
func AllMetrics() []Metric {
	return []Metric{PM25, PM10, Humidity, Temperature, Oxygen}
}

// Valid reports whether m is one of the defined metrics.
func (m Metric) Valid() bool {
	return m >= 0 && int(m) < MetricCount
}

// String returns the wire name (pm25, pm10, humidity, temperature, oxygen).
func (m Metric) String() string {
	if !m.Valid() {
		return fmt.Sprintf("metric(%d)", int(m))
	}
	return metricNames[m]
}

// DisplayName returns the human-readable name used in narrative text.
func (m Metric) DisplayName() string {
	if !m.Valid() {
		return m.String()
	}
	return metricDisplayNames[m]
}

// ParseMetric converts a wire name to a Metric. Matching ignores case and surrounding space;
// "pm2.5" and "pm2_5" are accepted for PM25.
func ParseMetric(s string) (Metric, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "pm2.5", "pm2_5":
		return PM25, nil
	}
	for i, name := range metricNames {
		if s == name {
			return Metric(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}

// MarshalText implements encoding.TextMarshaler so metrics can be JSON map keys.
func (m Metric) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMetric, int(m))
	}
	return []byte(metricNames[m]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Metric) UnmarshalText(b []byte) error {
	parsed, err := ParseMetric(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
