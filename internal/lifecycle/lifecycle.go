// Package lifecycle holds the process-wide shutdown state read by the health check.
package lifecycle

import (
	"sync"
	"time"
)

var (
	mu           sync.RWMutex
	shuttingDown bool
	since        time.Time
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	mu.Lock()
	defer mu.Unlock()
	if v && !shuttingDown {
		since = time.Now()
	}
	if !v {
		since = time.Time{}
	}
	shuttingDown = v
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	mu.RLock()
	defer mu.RUnlock()
	return shuttingDown
}

// ShuttingDownSince returns when draining began, or the zero time when not shutting down.
func ShuttingDownSince() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return since
}
