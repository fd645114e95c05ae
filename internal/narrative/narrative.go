// Package narrative renders the one-paragraph status text shown on the dashboard.
package narrative

import (
	"fmt"
	"strings"

	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/threshold"
	"github.com/kjstillabower/air-quality-service/internal/trend"
)

// NoData is the text for an hour in which no metric reported.
const NoData = "No data available."

// alertSeverity is the band severity at which a non-particulate metric is called out.
const alertSeverity = 3

// MetricStatus is one metric's classification for the hour being described.
type MetricStatus struct {
	Metric models.Metric
	Band   *threshold.Band
	Trend  trend.Label
}

// Input is what Compose describes. Overall is the worst particulate verdict, nil without PM data.
type Input struct {
	Overall     *threshold.Verdict
	OverallUnit string
	Metrics     []MetricStatus
}

// Compose builds the sentence sequence: overall status with its dominant pollutant,
// any non-particulate alerts, then metrics that got worse since the previous hour.
func Compose(in Input) string {
	hasData := false
	for _, s := range in.Metrics {
		if s.Band != nil {
			hasData = true
			break
		}
	}
	if !hasData && in.Overall == nil {
		return NoData
	}

	var parts []string
	if in.Overall != nil {
		parts = append(parts, fmt.Sprintf("Air quality is %s, driven by %s at %s.",
			in.Overall.Band.Label,
			in.Overall.Metric.DisplayName(),
			formatValue(in.Overall.Value, in.OverallUnit),
		))
	} else {
		parts = append(parts, "No particulate data reported.")
	}

	for _, s := range in.Metrics {
		if s.Band == nil || s.Metric == models.PM25 || s.Metric == models.PM10 {
			continue
		}
		if s.Band.Severity >= alertSeverity {
			parts = append(parts, fmt.Sprintf("%s is %s.", s.Metric.DisplayName(), s.Band.Label))
		}
	}

	var worsening []string
	for _, s := range in.Metrics {
		if s.Trend == trend.Worsening {
			worsening = append(worsening, s.Metric.DisplayName())
		}
	}
	if len(worsening) > 0 {
		parts = append(parts, fmt.Sprintf("Worsening since the previous hour: %s.", strings.Join(worsening, ", ")))
	}
	return strings.Join(parts, " ")
}

func formatValue(v float64, unit string) string {
	s := fmt.Sprintf("%.1f", v)
	if unit == "" {
		return s
	}
	return s + " " + unit
}
