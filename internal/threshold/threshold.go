// Package threshold classifies metric values against ordered, per-metric severity bands.
package threshold

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

//go:embed default_thresholds.yaml
var defaultTablesYAML []byte

// ErrInvalidTable is returned when a threshold table fails validation.
var ErrInvalidTable = errors.New("invalid threshold table")

// Band is one labeled severity range. A value v matches when Min < v <= Max
// (the first band also matches anything at or below its Max).
type Band struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"` // +Inf for the last band
	Label    string  `json:"label"`
	Color    string  `json:"color"`
	Severity int     `json:"severity"`
	Rank     int     `json:"rank"` // position within the metric's table
}

// MarshalJSON encodes an unbounded Max as null; JSON has no infinity.
func (b Band) MarshalJSON() ([]byte, error) {
	type band Band
	out := struct {
		band
		Max *float64 `json:"max"`
	}{band: band(b)}
	if !math.IsInf(b.Max, 1) {
		out.Max = &b.Max
	}
	return json.Marshal(out)
}

// MetricTable is the ordered band list for one metric plus its trend policy.
type MetricTable struct {
	Unit          string `json:"unit"`
	HigherIsWorse bool   `json:"higherIsWorse"`
	Bands         []Band `json:"bands"`
}

// Tables is a versioned set of band lists, one per metric.
type Tables struct {
	Version  string
	byMetric [models.MetricCount]MetricTable
}

type fileBand struct {
	Max      *float64 `yaml:"max"`
	Label    string   `yaml:"label"`
	Color    string   `yaml:"color"`
	Severity int      `yaml:"severity"`
}

type fileMetric struct {
	Unit          string     `yaml:"unit"`
	HigherIsWorse *bool      `yaml:"higher_is_worse"`
	Bands         []fileBand `yaml:"bands"`
}

type fileTables struct {
	Version string                `yaml:"version"`
	Metrics map[string]fileMetric `yaml:"metrics"`
}

// Default returns the embedded canonical tables. Panics if the embedded file is invalid,
// which is a build defect caught by tests.
func Default() *Tables {
	t, err := Parse(defaultTablesYAML)
	if err != nil {
		panic(fmt.Sprintf("threshold: embedded tables: %v", err))
	}
	return t
}

// LoadFile reads tables from a YAML file with the same layout as the embedded default.
func LoadFile(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read threshold file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML tables. Every metric must be present; bands must have
// strictly ascending max and only the last band may omit max (unbounded). Severities of a
// higher-is-worse table must not decrease from one band to the next.
func Parse(data []byte) (*Tables, error) {
	var ft fileTables
	if err := yaml.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("parse threshold tables: %w", err)
	}
	if ft.Version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidTable)
	}
	t := &Tables{Version: ft.Version}
	seen := make(map[models.Metric]bool)
	for name, fm := range ft.Metrics {
		m, err := models.ParseMetric(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
		}
		table, err := buildTable(m, fm)
		if err != nil {
			return nil, err
		}
		t.byMetric[m] = table
		seen[m] = true
	}
	for _, m := range models.AllMetrics() {
		if !seen[m] {
			return nil, fmt.Errorf("%w: missing metric %s", ErrInvalidTable, m)
		}
	}
	return t, nil
}

func buildTable(m models.Metric, fm fileMetric) (MetricTable, error) {
	if len(fm.Bands) == 0 {
		return MetricTable{}, fmt.Errorf("%w: %s has no bands", ErrInvalidTable, m)
	}
	table := MetricTable{Unit: fm.Unit, HigherIsWorse: true}
	if fm.HigherIsWorse != nil {
		table.HigherIsWorse = *fm.HigherIsWorse
	}
	lower := 0.0
	for i, fb := range fm.Bands {
		last := i == len(fm.Bands)-1
		upper := math.Inf(1)
		if fb.Max != nil {
			upper = *fb.Max
		} else if !last {
			return MetricTable{}, fmt.Errorf("%w: %s band %d (%s) has no max", ErrInvalidTable, m, i, fb.Label)
		}
		if last && !math.IsInf(upper, 1) {
			return MetricTable{}, fmt.Errorf("%w: %s last band must be unbounded", ErrInvalidTable, m)
		}
		if i > 0 && upper <= lower {
			return MetricTable{}, fmt.Errorf("%w: %s band %d max %v not above %v", ErrInvalidTable, m, i, upper, lower)
		}
		if fb.Label == "" {
			return MetricTable{}, fmt.Errorf("%w: %s band %d has no label", ErrInvalidTable, m, i)
		}
		if table.HigherIsWorse && i > 0 && fb.Severity < fm.Bands[i-1].Severity {
			return MetricTable{}, fmt.Errorf("%w: %s band %d severity %d below previous band", ErrInvalidTable, m, i, fb.Severity)
		}
		table.Bands = append(table.Bands, Band{
			Min:      lower,
			Max:      upper,
			Label:    fb.Label,
			Color:    fb.Color,
			Severity: fb.Severity,
			Rank:     i,
		})
		lower = upper
	}
	return table, nil
}

// Table returns the band list and policy for m.
func (t *Tables) Table(m models.Metric) MetricTable {
	if !m.Valid() {
		return MetricTable{}
	}
	return t.byMetric[m]
}

// MarshalJSON encodes the version and every metric's table keyed by wire name.
func (t *Tables) MarshalJSON() ([]byte, error) {
	metrics := make(map[models.Metric]MetricTable, models.MetricCount)
	for _, m := range models.AllMetrics() {
		metrics[m] = t.byMetric[m]
	}
	return json.Marshal(struct {
		Version string                        `json:"version"`
		Metrics map[models.Metric]MetricTable `json:"metrics"`
	}{t.Version, metrics})
}

// HigherIsWorse reports the trend direction policy for m.
func (t *Tables) HigherIsWorse(m models.Metric) bool {
	return t.Table(m).HigherIsWorse
}

// Classify returns the band for value, or nil when value is nil or NaN.
// Values above every finite max clamp to the last band.
func (t *Tables) Classify(value *float64, m models.Metric) *Band {
	if value == nil || math.IsNaN(*value) || !m.Valid() {
		return nil
	}
	bands := t.byMetric[m].Bands
	if len(bands) == 0 {
		return nil
	}
	for i := range bands {
		if *value <= bands[i].Max {
			b := bands[i]
			return &b
		}
	}
	b := bands[len(bands)-1]
	return &b
}

// Verdict is the result of a cross-metric comparison.
type Verdict struct {
	Metric models.Metric `json:"metric"`
	Value  float64       `json:"value"`
	Band   Band          `json:"band"`
}

// WorstOf classifies each candidate metric in values and returns the one whose band sits
// highest in its own table (largest Rank). Metrics without data are skipped; ties keep the
// earlier metric in candidates. ok is false when no candidate has data.
//
// Rank and Severity agree for higher-is-worse tables. Oxygen's table starts at its most
// severe band, so a low oxygen reading ranks low here even though its Severity is high.
func (t *Tables) WorstOf(values models.MetricValues, candidates ...models.Metric) (Verdict, bool) {
	if len(candidates) == 0 {
		candidates = models.AllMetrics()
	}
	var worst Verdict
	found := false
	for _, m := range candidates {
		v := values.Get(m)
		b := t.Classify(v, m)
		if b == nil {
			continue
		}
		if !found || b.Rank > worst.Band.Rank {
			worst = Verdict{Metric: m, Value: *v, Band: *b}
			found = true
		}
	}
	return worst, found
}
