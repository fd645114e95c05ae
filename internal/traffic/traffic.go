// Package traffic counts request outcomes in a sliding window for health reporting.
package traffic

import (
	"sync"
	"time"
)

// Retention is the longest window the tracker can answer for.
const Retention = 5 * time.Minute

const slots = int(Retention / time.Second)

var defaultTracker = NewTracker(nil)

// RecordSuccess records a successful dashboard request.
func RecordSuccess() { defaultTracker.Record(Success) }

// RecordError records a failed dashboard request (store error, timeout, etc.).
func RecordError() { defaultTracker.Record(Error) }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.Record(Denied) }

// Window returns the default tracker's counts over the trailing window.
func Window(window time.Duration) Counts { return defaultTracker.Window(window) }

// Reset clears all recorded outcomes. For tests only.
func Reset() { defaultTracker.Reset() }

// Outcome classifies one request.
type Outcome int

const (
	Success Outcome = iota
	Error
	Denied
)

// Counts are outcome totals within a window.
type Counts struct {
	Successes int `json:"successes"`
	Errors    int `json:"errors"`
	Denied    int `json:"denied"`
}

// Requests is every outcome in the window, denials included.
func (c Counts) Requests() int {
	return c.Successes + c.Errors + c.Denied
}

// ErrorPct is errors as a percentage of successes plus errors; denials are excluded.
// Returns 0 when nothing was served.
func (c Counts) ErrorPct() float64 {
	served := c.Successes + c.Errors
	if served == 0 {
		return 0
	}
	return float64(c.Errors) * 100 / float64(served)
}

type slot struct {
	second int64
	counts Counts
}

// Tracker keeps one slot per second over Retention, reused ring-style.
type Tracker struct {
	mu    sync.Mutex
	slots [slots]slot
	now   func() time.Time
}

// NewTracker returns an empty tracker. now defaults to time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Record adds one outcome at the current second.
func (t *Tracker) Record(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sec := t.now().Unix()
	s := &t.slots[sec%int64(slots)]
	if s.second != sec {
		*s = slot{second: sec}
	}
	switch o {
	case Success:
		s.counts.Successes++
	case Error:
		s.counts.Errors++
	case Denied:
		s.counts.Denied++
	}
}

// Window sums outcomes in the trailing window, capped at Retention.
func (t *Tracker) Window(window time.Duration) Counts {
	if window > Retention {
		window = Retention
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().Unix()
	oldest := now - int64(window/time.Second) + 1

	var c Counts
	for _, s := range t.slots {
		if s.second >= oldest && s.second <= now {
			c.Successes += s.counts.Successes
			c.Errors += s.counts.Errors
			c.Denied += s.counts.Denied
		}
	}
	return c
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots = [slots]slot{}
}
