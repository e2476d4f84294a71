package auction

import (
	"time"
)

// WindowState classifies a listing's auction window at a given instant.
type WindowState string

const (
	// WindowNone means the listing has no usable auction window. Policy:
	// bidding requires BOTH start and end timestamps; a listing with neither
	// (or only one) configured never accepts bids.
	WindowNone       WindowState = "none"
	WindowNotStarted WindowState = "not_started"
	WindowActive     WindowState = "active"
	WindowEnded      WindowState = "ended"
)

// WindowAt evaluates the auction window against an explicit clock value.
// It is a pure function: callers pass `now` so the same inputs always give
// the same answer, and tests never need to sleep.
//
// The end instant itself is still active; the window is [start, end].
func WindowAt(start, end *time.Time, now time.Time) WindowState {
	if start == nil || end == nil {
		return WindowNone
	}
	if now.Before(*start) {
		return WindowNotStarted
	}
	if now.After(*end) {
		return WindowEnded
	}
	return WindowActive
}
