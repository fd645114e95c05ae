package lifecycle

import "testing"

func TestIsShuttingDown_DefaultFalse(t *testing.T) {
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true, want false by default")
	}
	if !ShuttingDownSince().IsZero() {
		t.Error("ShuttingDownSince() should be zero when not shutting down")
	}
}

func TestSetShuttingDown_True(t *testing.T) {
	SetShuttingDown(true)
	defer SetShuttingDown(false)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after SetShuttingDown(true), want true")
	}
	first := ShuttingDownSince()
	if first.IsZero() {
		t.Fatal("ShuttingDownSince() is zero while shutting down")
	}
	SetShuttingDown(true)
	if got := ShuttingDownSince(); !got.Equal(first) {
		t.Errorf("repeated SetShuttingDown(true) moved start from %v to %v", first, got)
	}
}

func TestSetShuttingDown_False(t *testing.T) {
	SetShuttingDown(true)
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true after SetShuttingDown(false), want false")
	}
}
