package tracker

import (
	"sync"
	"time"

	"timetracker-agent/internal/logging"
)

// IdleStateSink is notified of idle transitions. The Tracker implements
// this; GoIdle runs before the detector's own idle flag becomes visible,
// so the session close is ordered before any observer sees idle=true.
type IdleStateSink interface {
	GoIdle(now time.Time)
	Resume(now time.Time)
}

// IdleDetector turns a stream of input timestamps into idle/active
// transitions against a fixed threshold. One transition fires per
// crossing in each direction.
type IdleDetector struct {
	log       *logging.Logger
	threshold time.Duration
	sink      IdleStateSink

	mu        sync.Mutex
	lastInput time.Time
	idle      bool
}

// NewIdleDetector creates a detector. The clock starts at now, so a
// freshly started agent is not immediately idle.
func NewIdleDetector(log *logging.Logger, threshold time.Duration, sink IdleStateSink, now time.Time) *IdleDetector {
	return &IdleDetector{
		log:       log,
		threshold: threshold,
		sink:      sink,
		lastInput: now,
	}
}

// RecordInput resets the idle clock. The first input after an idle
// period fires a single Resume on the sink.
func (d *IdleDetector) RecordInput(now time.Time) {
	d.mu.Lock()
	d.lastInput = now
	wasIdle := d.idle
	d.idle = false
	d.mu.Unlock()

	if wasIdle {
		d.log.Verbosef("User active again after idle period")
		d.sink.Resume(now)
	}
}

// Poll checks the elapsed time since the last input and fires GoIdle on
// the first check past the threshold. The sink is notified before the
// detector's idle flag is set, so IsIdle never reads true while a
// session is still open.
func (d *IdleDetector) Poll(now time.Time) {
	d.mu.Lock()
	if d.idle || now.Sub(d.lastInput) <= d.threshold {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.log.Verbosef("User idle for over %v, closing session", d.threshold)
	d.sink.GoIdle(now)

	d.mu.Lock()
	if now.Sub(d.lastInput) > d.threshold {
		d.idle = true
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	// Input raced in while the sink was closing the session. The sink
	// has latched idle, but RecordInput saw idle=false and fired no
	// Resume; fire it here so every GoIdle stays paired with a Resume.
	d.log.Verbosef("Input arrived during idle close, resuming")
	d.sink.Resume(now)
}

// IsIdle reports the detector's current state.
func (d *IdleDetector) IsIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

// SyncSystemIdle folds in an idle-time reading from the desktop's idle
// monitor. A reading below the last-input age means the system saw input
// this process could not observe directly. Readings still past the
// threshold only adjust the clock, they do not resume.
func (d *IdleDetector) SyncSystemIdle(systemIdle time.Duration, now time.Time) {
	d.mu.Lock()
	observed := now.Sub(d.lastInput)
	d.mu.Unlock()

	if systemIdle >= observed {
		return
	}
	if systemIdle > d.threshold {
		d.mu.Lock()
		d.lastInput = now.Add(-systemIdle)
		d.mu.Unlock()
		return
	}
	d.RecordInput(now.Add(-systemIdle))
}
