/*
Package peaktracker follows the occupancy of the download side: how many origin connections are
in flight and how many of them are blocked behind a full send buffer. The current values mirror
the registry and buffered set they are fed from; the remembered peaks go to the periodic status
report so an operator can see how congested a reporting period actually got rather than how busy
the proxy happens to be at the instant of the report.

Typical usage from the owner of the download registry:

	var dt peaktracker.Tracker

	dt.Start()       // origin connection created
	dt.Block()       // its send buffer developed residue
	dt.Unblock()     // the residue drained
	dt.Finish(false) // connection terminated; true if its socket was still blocked

and in some reporting function:

	peakActive, peakBlocked := dt.Peaks(true)

A period with peakBlocked approaching peakActive means origins were routinely outpacing the
proxy's ability to push bytes at them - the interesting congestion signal the instantaneous
counts cannot show.
*/
package peaktracker

import (
	"sync"
)

// Tracker follows the active and blocked download counts and their peaks.
type Tracker struct {
	mu          sync.Mutex
	active      int // Downloads between Start() and Finish()
	blocked     int // Downloads whose socket holds unsent residue
	peakActive  int
	peakBlocked int
}

// Start records a new download. Return true if the active peak rose as a result of this call.
func (t *Tracker) Start() (increased bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active++
	if t.active > t.peakActive {
		t.peakActive = t.active
		increased = true
	}

	return
}

// Finish records a download ending. stillBlocked says whether the download's socket held unsent
// residue when it went away, in which case it leaves the blocked gauge on its way out. Finish()
// without a matching Start() panics.
func (t *Tracker) Finish(stillBlocked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == 0 {
		panic("peaktracker.Finish() lacks matching .Start()") // Someone goofed
	}
	t.active--
	if stillBlocked {
		t.unblock()
	}
}

// Block records a download socket developing unsent residue.
func (t *Tracker) Block() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked++
	if t.blocked > t.peakBlocked {
		t.peakBlocked = t.blocked
	}
}

// Unblock records a download socket draining its residue. Unblock() without a matching Block()
// panics.
func (t *Tracker) Unblock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unblock()
}

// unblock decrements the blocked gauge. Caller holds the lock.
func (t *Tracker) unblock() {
	if t.blocked == 0 {
		panic("peaktracker.Unblock() lacks matching .Block()") // Someone goofed
	}
	t.blocked--
}

// Counts returns the current active and blocked counts. The owner of the download registry can
// cross-check these against its own maps - they must never disagree.
func (t *Tracker) Counts() (active, blocked int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.active, t.blocked
}

// Peaks returns both peak values and optionally resets them down to the current counts. The
// current counts are *not* touched - only Finish() and Unblock() ever lower them. The reset
// occurs *after* the return values are taken so its effect is not visible until a subsequent
// call to Peaks().
func (t *Tracker) Peaks(resetCounters bool) (peakActive, peakBlocked int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peakActive = t.peakActive
	peakBlocked = t.peakBlocked
	if resetCounters {
		t.peakActive = t.active
		t.peakBlocked = t.blocked
	}

	return
}
