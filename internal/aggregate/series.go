package aggregate

import (
	"errors"
	"fmt"
	"time"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// ErrUnsupportedGranularity is returned for a granularity Series cannot bucket.
var ErrUnsupportedGranularity = errors.New("unsupported granularity")

// maxBuckets bounds a single series so a wide window cannot allocate without limit.
const maxBuckets = 1000

// ErrTooManyBuckets is returned when the window would produce more than maxBuckets buckets.
var ErrTooManyBuckets = errors.New("too many buckets")

// ParseGranularity accepts hourly, daily, weekly or monthly.
func ParseGranularity(s string) (models.Granularity, error) {
	switch g := models.Granularity(s); g {
	case models.GranularityHourly, models.GranularityDaily, models.GranularityWeekly, models.GranularityMonthly:
		return g, nil
	case "":
		return models.GranularityDaily, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedGranularity, s)
}

// Series buckets readings by calendar hour, day, ISO week (Monday start) or month in loc.
// Every bucket overlapping window is returned, in ascending order, including empty ones.
func Series(readings []models.Reading, window models.Window, g models.Granularity, loc *time.Location) ([]models.BucketAggregate, error) {
	if loc == nil {
		loc = time.UTC
	}
	if !window.End.After(window.Start) {
		return nil, nil
	}
	if _, err := ParseGranularity(string(g)); err != nil {
		return nil, err
	}

	var starts []time.Time
	for t := bucketStart(window.Start.In(loc), g); t.Before(window.End); t = nextBucket(t, g) {
		starts = append(starts, t)
		if len(starts) > maxBuckets {
			return nil, fmt.Errorf("%w: more than %d %s buckets", ErrTooManyBuckets, maxBuckets, g)
		}
	}

	index := make(map[int64]int, len(starts))
	for i, s := range starts {
		index[s.Unix()] = i
	}
	accs := make([]accumulator, len(starts))
	for _, r := range readings {
		if !window.Contains(r.Timestamp) {
			continue
		}
		if i, ok := index[bucketStart(r.Timestamp.In(loc), g).Unix()]; ok {
			accs[i].add(r)
		}
	}

	out := make([]models.BucketAggregate, len(starts))
	for i, s := range starts {
		out[i] = models.BucketAggregate{
			Start:  s,
			End:    nextBucket(s, g),
			Count:  accs[i].count,
			Values: accs[i].means(),
		}
	}
	return out, nil
}

// bucketStart truncates t (already in the target location) to the start of its bucket.
func bucketStart(t time.Time, g models.Granularity) time.Time {
	loc := t.Location()
	switch g {
	case models.GranularityHourly:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	case models.GranularityWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case models.GranularityMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	}
}

func nextBucket(t time.Time, g models.Granularity) time.Time {
	switch g {
	case models.GranularityHourly:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
	case models.GranularityWeekly:
		return t.AddDate(0, 0, 7)
	case models.GranularityMonthly:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}
