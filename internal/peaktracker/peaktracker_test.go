package peaktracker

import (
	"testing"
)

func TestCounts(t *testing.T) {
	var dt Tracker
	active, blocked := dt.Counts()
	if active != 0 || blocked != 0 {
		t.Error("Counts should start life at zero, not", active, blocked)
	}

	dt.Start()
	dt.Start()
	dt.Block() // First download develops residue
	active, blocked = dt.Counts()
	if active != 2 || blocked != 1 {
		t.Error("Expected active=2 blocked=1, not", active, blocked)
	}

	dt.Unblock() // Residue drains
	active, blocked = dt.Counts()
	if active != 2 || blocked != 0 {
		t.Error("Expected active=2 blocked=0 after Unblock, not", active, blocked)
	}

	dt.Block()
	dt.Finish(true) // Terminated while still blocked: leaves both gauges
	active, blocked = dt.Counts()
	if active != 1 || blocked != 0 {
		t.Error("Expected active=1 blocked=0 after blocked Finish, not", active, blocked)
	}

	dt.Finish(false)
	active, blocked = dt.Counts()
	if active != 0 || blocked != 0 {
		t.Error("Expected all zero at the end, not", active, blocked)
	}
}

func TestPeaks(t *testing.T) {
	var dt Tracker

	dt.Start()
	dt.Start()
	dt.Block()
	dt.Block()
	dt.Finish(true) // active=1 blocked=1, peaks stay 2/2

	peakActive, peakBlocked := dt.Peaks(false)
	if peakActive != 2 || peakBlocked != 2 {
		t.Error("Peaks should hold their high water marks, not", peakActive, peakBlocked)
	}

	// A reset drops the peaks to the current counts, visible on the next call
	peakActive, peakBlocked = dt.Peaks(true)
	if peakActive != 2 || peakBlocked != 2 {
		t.Error("Reset should not affect the returned values, got", peakActive, peakBlocked)
	}
	peakActive, peakBlocked = dt.Peaks(false)
	if peakActive != 1 || peakBlocked != 1 {
		t.Error("Peaks should have been reset down to the current counts, not", peakActive, peakBlocked)
	}

	dt.Unblock()
	dt.Finish(false)
	dt.Peaks(true)
	peakActive, peakBlocked = dt.Peaks(false)
	if peakActive != 0 || peakBlocked != 0 {
		t.Error("Peaks should have been reset down to zero, not", peakActive, peakBlocked)
	}
}

// Check that Start returns true when it raises the active peak
func TestStartTrue(t *testing.T) {
	var dt Tracker
	if !dt.Start() { // active=1, peak=1
		t.Error("Expected first start to set a new peak")
	}
	if !dt.Start() { // active=2, peak=2
		t.Error("Expected second start to set a new peak")
	}
	dt.Finish(false) // active=1, peak=2
	if dt.Start() {  // active=2 again, peak unchanged
		t.Error("Expected third start to not set a new peak")
	}
}

func TestFinishPanic(t *testing.T) {
	gotPanic := false
	finishPanicFunc(&gotPanic)
	if !gotPanic {
		t.Error("Expected a panic/recover sequence from unmatched Finish, but nadda")
	}
}

func finishPanicFunc(gotPanic *bool) {
	var dt Tracker
	dt.Start()
	dt.Finish(false)
	defer func() {
		if x := recover(); x != nil {
			*gotPanic = true
		}
	}()
	dt.Finish(false) // Should cause panic and set the gotPanic flag
}

func TestUnblockPanic(t *testing.T) {
	gotPanic := false
	unblockPanicFunc(&gotPanic)
	if !gotPanic {
		t.Error("Expected a panic/recover sequence from unmatched Unblock, but nadda")
	}
}

func unblockPanicFunc(gotPanic *bool) {
	var dt Tracker
	dt.Start()
	dt.Block()
	dt.Unblock()
	defer func() {
		if x := recover(); x != nil {
			*gotPanic = true
		}
	}()
	dt.Unblock() // Should cause panic and set the gotPanic flag
}
