package threshold

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

func TestDefault_LoadsAllMetrics(t *testing.T) {
	tables := Default()
	if tables.Version != "v1" {
		t.Errorf("Default().Version = %q, want v1", tables.Version)
	}
	for _, m := range models.AllMetrics() {
		bands := tables.Table(m).Bands
		if len(bands) == 0 {
			t.Fatalf("%s has no bands", m)
		}
		if !math.IsInf(bands[len(bands)-1].Max, 1) {
			t.Errorf("%s last band max = %v, want +Inf", m, bands[len(bands)-1].Max)
		}
		for i := 1; i < len(bands); i++ {
			if bands[i].Min != bands[i-1].Max {
				t.Errorf("%s band %d min %v != previous max %v", m, i, bands[i].Min, bands[i-1].Max)
			}
		}
	}
	if tables.HigherIsWorse(models.Oxygen) {
		t.Error("HigherIsWorse(oxygen) = true, want false")
	}
	if !tables.HigherIsWorse(models.PM25) {
		t.Error("HigherIsWorse(pm25) = false, want true")
	}
}

func TestClassify_PM25(t *testing.T) {
	tables := Default()
	tests := []struct {
		name  string
		value *float64
		want  string
	}{
		{"nil is no data", nil, ""},
		{"NaN is no data", models.Float(math.NaN()), ""},
		{"zero", models.Float(0), "Good"},
		{"mean of 20 and 30", models.Float(25), "Good"},
		{"just above boundary", models.Float(25.01), "Fair"},
		{"exact max is inclusive", models.Float(50), "Fair"},
		{"unhealthy", models.Float(99), "Unhealthy"},
		{"very unhealthy", models.Float(150), "Very Unhealthy"},
		{"above every finite max clamps", models.Float(10000), "Emergency"},
		{"negative falls into first band", models.Float(-3), "Good"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tables.Classify(tt.value, models.PM25)
			if tt.want == "" {
				if got != nil {
					t.Fatalf("Classify() = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Classify() = nil, want %s", tt.want)
			}
			if got.Label != tt.want {
				t.Errorf("Classify() label = %q, want %q", got.Label, tt.want)
			}
		})
	}
}

// TestClassify_Monotonic verifies that increasing the value never lowers the matched rank,
// and for higher-is-worse metrics never lowers the severity either.
func TestClassify_Monotonic(t *testing.T) {
	tables := Default()
	for _, m := range models.AllMetrics() {
		prevRank, prevSeverity := -1, -1
		for v := 0.0; v <= 500; v += 0.5 {
			b := tables.Classify(models.Float(v), m)
			if b.Rank < prevRank {
				t.Fatalf("%s: Classify(%v) rank %d < previous %d", m, v, b.Rank, prevRank)
			}
			if tables.HigherIsWorse(m) && b.Severity < prevSeverity {
				t.Fatalf("%s: Classify(%v) severity %d < previous %d", m, v, b.Severity, prevSeverity)
			}
			prevRank, prevSeverity = b.Rank, b.Severity
		}
	}
}

// TestClassify_OxygenSeverityFallsWithRank pins the one table whose severity is not ordered
// by rank: low oxygen is the first band and the most severe.
func TestClassify_OxygenSeverityFallsWithRank(t *testing.T) {
	tables := Default()
	critical := tables.Classify(models.Float(15), models.Oxygen)
	low := tables.Classify(models.Float(17), models.Oxygen)
	if critical.Label != "Critical" || low.Label != "Low" {
		t.Fatalf("labels = %q, %q, want Critical, Low", critical.Label, low.Label)
	}
	if critical.Rank >= low.Rank {
		t.Errorf("rank %d >= %d, want Critical below Low", critical.Rank, low.Rank)
	}
	if critical.Severity <= low.Severity {
		t.Errorf("severity %d <= %d, want Critical above Low", critical.Severity, low.Severity)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	tables := Default()
	first := tables.Classify(models.Float(42), models.PM10)
	for i := 0; i < 100; i++ {
		if got := tables.Classify(models.Float(42), models.PM10); *got != *first {
			t.Fatalf("Classify() = %+v, want %+v", got, first)
		}
	}
}

func TestClassify_Oxygen(t *testing.T) {
	tables := Default()
	tests := []struct {
		value float64
		want  string
	}{
		{12, "Critical"},
		{19.5, "Low"},
		{20.9, "Normal"},
		{30, "Enriched"},
	}
	for _, tt := range tests {
		if got := tables.Classify(models.Float(tt.value), models.Oxygen); got.Label != tt.want {
			t.Errorf("Classify(%v, oxygen) = %q, want %q", tt.value, got.Label, tt.want)
		}
	}
}

func TestWorstOf(t *testing.T) {
	tables := Default()
	tests := []struct {
		name       string
		values     models.MetricValues
		candidates []models.Metric
		wantOK     bool
		wantMetric models.Metric
		wantLabel  string
	}{
		{
			name:   "neither has data",
			wantOK: false,
		},
		{
			name:       "only pm10",
			values:     models.MetricValues{PM10: models.Float(120)},
			wantOK:     true,
			wantMetric: models.PM10,
			wantLabel:  "Poor",
		},
		{
			name:       "pm10 worse",
			values:     models.MetricValues{PM25: models.Float(10), PM10: models.Float(160)},
			wantOK:     true,
			wantMetric: models.PM10,
			wantLabel:  "Unhealthy",
		},
		{
			name:       "pm25 worse",
			values:     models.MetricValues{PM25: models.Float(80), PM10: models.Float(20)},
			wantOK:     true,
			wantMetric: models.PM25,
			wantLabel:  "Unhealthy",
		},
		{
			name:       "tie keeps first candidate",
			values:     models.MetricValues{PM25: models.Float(30), PM10: models.Float(60)},
			wantOK:     true,
			wantMetric: models.PM25,
			wantLabel:  "Fair",
		},
		{
			name:       "rank decides over severity",
			values:     models.MetricValues{Humidity: models.Float(75), Oxygen: models.Float(12)},
			candidates: []models.Metric{models.Humidity, models.Oxygen},
			wantOK:     true,
			wantMetric: models.Humidity,
			wantLabel:  "Very Humid",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidates := tt.candidates
			if candidates == nil {
				candidates = []models.Metric{models.PM25, models.PM10}
			}
			got, ok := tables.WorstOf(tt.values, candidates...)
			if ok != tt.wantOK {
				t.Fatalf("WorstOf() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Metric != tt.wantMetric || got.Band.Label != tt.wantLabel {
				t.Errorf("WorstOf() = %s/%s, want %s/%s", got.Metric, got.Band.Label, tt.wantMetric, tt.wantLabel)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	valid := string(defaultTablesYAML)
	tests := []struct {
		name string
		yaml string
	}{
		{"missing version", strings.Replace(valid, "version: v1", "", 1)},
		{"missing metric", strings.Replace(valid, "  oxygen:", "  bogus_oxygen:", 1)},
		{"bounded last band", "version: x\nmetrics:\n  pm25:\n    bands:\n      - {max: 10, label: A}\n"},
		{"descending max", "version: x\nmetrics:\n  pm25:\n    bands:\n      - {max: 10, label: A}\n      - {max: 5, label: B}\n      - {label: C}\n"},
		{"not yaml", "version: [unterminated"},
		{"severity decreases", strings.Replace(valid, `label: Fair, color: "#ffff00", severity: 1`, `label: Fair, color: "#ffff00", severity: 9`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Fatal("Parse() error = nil, want error")
			}
		})
	}
	_, err := Parse([]byte("version: x\nmetrics:\n  pm25:\n    bands:\n      - {max: 10, label: A}\n"))
	if !errors.Is(err, ErrInvalidTable) {
		t.Errorf("Parse() error = %v, want ErrInvalidTable", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thresholds.yaml")
	custom := strings.Replace(string(defaultTablesYAML), "version: v1", "version: v2-site", 1)
	if err := os.WriteFile(path, []byte(custom), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tables, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if tables.Version != "v2-site" {
		t.Errorf("LoadFile().Version = %q, want v2-site", tables.Version)
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadFile(missing) error = nil, want error")
	}
}

// TestTables_MarshalJSON verifies that unbounded bands encode as null rather than failing on +Inf.
func TestTables_MarshalJSON(t *testing.T) {
	raw, err := json.Marshal(Default())
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var decoded struct {
		Version string `json:"version"`
		Metrics map[string]struct {
			Bands []struct {
				Max   *float64 `json:"max"`
				Label string   `json:"label"`
			} `json:"bands"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	bands := decoded.Metrics["pm25"].Bands
	if len(bands) != 6 {
		t.Fatalf("pm25 bands = %d, want 6", len(bands))
	}
	if bands[5].Max != nil {
		t.Errorf("last band max = %v, want null", *bands[5].Max)
	}
	if bands[0].Max == nil || *bands[0].Max != 25 {
		t.Errorf("first band max = %v, want 25", bands[0].Max)
	}
}
