package validation

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooShort is returned when location length is below the minimum.
var ErrLocationTooShort = errors.New("location too short")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ErrInvalidDate is returned for a date that is not YYYY-MM-DD.
var ErrInvalidDate = errors.New("date must be YYYY-MM-DD")

// ErrInvalidHour is returned for an hour that is not an integer in 0..23.
var ErrInvalidHour = errors.New("hour must be an integer between 0 and 23")

// ErrInvalidValue is returned for a value that is not a finite number.
var ErrInvalidValue = errors.New("value must be a finite number")

// ErrInvalidTime is returned for a range bound that is neither RFC3339 nor YYYY-MM-DD.
var ErrInvalidTime = errors.New("time must be RFC3339 or YYYY-MM-DD")

const dateLayout = "2006-01-02"

// ValidateLocation trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to allowed characters: letters (Unicode), digits, hyphen, underscore, dot.
// Location IDs appear in cache keys and MQTT topics, so spaces and separators are rejected.
// Returns the trimmed string or an error suitable for 400 INVALID_LOCATION responses.
// Normalization (e.g. lowercase) is left to the service layer.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case '-', '_', '.':
		return true
	}
	return false
}

// ParseDate parses YYYY-MM-DD as midnight in loc. An empty string means the day of now.
func ParseDate(s string, loc *time.Location, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now.In(loc), nil
	}
	t, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return t, nil
}

// ParseHour parses an hour of day. An empty string returns def.
func ParseHour(s string, def int) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	h, err := strconv.Atoi(s)
	if err != nil || h < 0 || h > 23 {
		return 0, ErrInvalidHour
	}
	return h, nil
}

// ParseValue parses a finite float.
func ParseValue(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrInvalidValue
	}
	return v, nil
}

// ParseTime parses an RFC3339 instant or a YYYY-MM-DD date (midnight in loc).
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		return t, nil
	}
	return time.Time{}, ErrInvalidTime
}
