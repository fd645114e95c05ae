package aggregate

import (
	"errors"
	"testing"
	"time"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

func TestParseGranularity(t *testing.T) {
	tests := []struct {
		in      string
		want    models.Granularity
		wantErr bool
	}{
		{"", models.GranularityDaily, false},
		{"hourly", models.GranularityHourly, false},
		{"daily", models.GranularityDaily, false},
		{"weekly", models.GranularityWeekly, false},
		{"monthly", models.GranularityMonthly, false},
		{"yearly", "", true},
	}
	for _, tt := range tests {
		got, err := ParseGranularity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseGranularity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseGranularity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestSeries_Daily verifies that every day in the window gets a bucket and empty days stay nil.
func TestSeries_Daily(t *testing.T) {
	window := models.Window{
		Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC),
	}
	readings := []models.Reading{
		{Timestamp: time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC), PM25: models.Float(10)},
		{Timestamp: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC), PM25: models.Float(30)},
		{Timestamp: time.Date(2024, 5, 3, 8, 0, 0, 0, time.UTC), PM25: models.Float(5)},
	}

	got, err := Series(readings, window, models.GranularityDaily, time.UTC)
	if err != nil {
		t.Fatalf("Series() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(Series()) = %d, want 3", len(got))
	}
	if v := got[0].Values.PM25; v == nil || *v != 20 {
		t.Errorf("day 1 pm25 = %v, want 20", v)
	}
	if got[1].Values.PM25 != nil || got[1].Count != 0 {
		t.Errorf("day 2 = %+v, want empty bucket", got[1])
	}
	if v := got[2].Values.PM25; v == nil || *v != 5 {
		t.Errorf("day 3 pm25 = %v, want 5", v)
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Start.Equal(got[i-1].End) {
			t.Errorf("bucket %d start %v != previous end %v", i, got[i].Start, got[i-1].End)
		}
	}
}

// TestSeries_WeeklyStartsMonday verifies ISO week alignment.
func TestSeries_WeeklyStartsMonday(t *testing.T) {
	window := models.Window{
		Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), // Wednesday
		End:   time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC),
	}
	got, err := Series(nil, window, models.GranularityWeekly, time.UTC)
	if err != nil {
		t.Fatalf("Series() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(Series()) = %d, want 3", len(got))
	}
	for _, b := range got {
		if b.Start.Weekday() != time.Monday {
			t.Errorf("bucket start %v is %v, want Monday", b.Start, b.Start.Weekday())
		}
	}
}

func TestSeries_Monthly(t *testing.T) {
	window := models.Window{
		Start: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	readings := []models.Reading{
		{Timestamp: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), Oxygen: models.Float(1)}, // before window
		{Timestamp: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), Oxygen: models.Float(20.9)},
	}
	got, err := Series(readings, window, models.GranularityMonthly, time.UTC)
	if err != nil {
		t.Fatalf("Series() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(Series()) = %d, want 3", len(got))
	}
	if got[0].Values.Oxygen != nil {
		t.Error("January oxygen set from reading outside window")
	}
	if v := got[1].Values.Oxygen; v == nil || *v != 20.9 {
		t.Errorf("February oxygen = %v, want 20.9", v)
	}
}

func TestSeries_Errors(t *testing.T) {
	window := models.Window{
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if _, err := Series(nil, window, "yearly", time.UTC); !errors.Is(err, ErrUnsupportedGranularity) {
		t.Errorf("Series(yearly) error = %v, want ErrUnsupportedGranularity", err)
	}
	if _, err := Series(nil, window, models.GranularityHourly, time.UTC); !errors.Is(err, ErrTooManyBuckets) {
		t.Errorf("Series(hourly, 4y) error = %v, want ErrTooManyBuckets", err)
	}
	got, err := Series(nil, models.Window{Start: window.End, End: window.Start}, models.GranularityDaily, time.UTC)
	if err != nil || got != nil {
		t.Errorf("Series(inverted window) = %v, %v; want nil, nil", got, err)
	}
}
