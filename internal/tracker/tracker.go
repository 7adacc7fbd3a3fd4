// Package tracker holds the session state machine and the idle detector.
// A Tracker owns at most one open activity session at a time, opening and
// closing it as the foreground window, idle state and pause state change.
package tracker

import (
	"strings"
	"sync"
	"time"

	"timetracker-agent/internal/logging"
	"timetracker-agent/internal/window"
)

// Sessions shorter than this are discarded on close instead of emitted.
const minSessionDuration = 1 * time.Second

// Rule is the user's classification of one application.
type Rule struct {
	Name       string
	Productive bool
	Active     bool
}

// Ruler resolves a process name to the user's tracking rule for it.
// The config package implements this.
type Ruler interface {
	Lookup(processName string) (Rule, bool)
}

// Sink receives closed activity records. The upload queue implements this.
type Sink interface {
	Enqueue(rec ActivityRecord)
}

// Session is a read-only snapshot of the open session, for status display.
type Session struct {
	AppName     string
	ProcessName string
	WindowTitle string
	StartTime   time.Time
	Keys        int
}

// Tracker is the session state machine. All methods are safe for
// concurrent use; input callbacks and the tick loop share one mutex.
type Tracker struct {
	log   *logging.Logger
	rules Ruler
	sink  Sink

	mu      sync.Mutex
	current *session
	idle    bool
	paused  bool
	ignored map[string]bool
}

type session struct {
	appName     string
	processName string
	title       string
	start       time.Time
	keys        int
	productive  bool
}

// defaultIgnoredProcesses never open a session: shell and desktop helper
// processes that briefly take focus during normal use.
var defaultIgnoredProcesses = []string{
	"gnome-shell",
	"gjs",
	"plasmashell",
	"xdg-desktop-portal",
	"xdg-desktop-portal-gnome",
	"polkit-gnome-authentication-agent-1",
	"gnome-screenshot",
}

// New creates a Tracker with the built-in deny-list.
func New(log *logging.Logger, rules Ruler, sink Sink) *Tracker {
	ignored := make(map[string]bool, len(defaultIgnoredProcesses))
	for _, p := range defaultIgnoredProcesses {
		ignored[p] = true
	}
	return &Tracker{
		log:     log,
		rules:   rules,
		sink:    sink,
		ignored: ignored,
	}
}

// Tick advances the state machine with one window observation. A nil
// observation means "nothing seen this tick" and leaves state untouched.
// Tick never lets a failure escape to the poll loop: on panic the prior
// state is preserved and the tick is dropped.
func (t *Tracker) Tick(obs *window.Observation, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Errorf("Recovered panic in tracker tick: %v", r)
		}
	}()

	t.mu.Lock()
	defer t.mu.Unlock()

	if obs == nil || t.idle || t.paused {
		return
	}

	proc := strings.ToLower(obs.ProcessName)

	if t.ignored[proc] {
		// A helper process took focus. Whatever was open ends here,
		// and the helper itself never gets a session.
		if t.current != nil {
			t.closeLocked(now, ReasonIgnored)
		}
		return
	}

	if t.current != nil {
		if t.current.processName == proc && t.current.title == obs.WindowTitle {
			return
		}
		// Close-then-open is atomic within this tick: both happen under
		// the same lock acquisition.
		t.closeLocked(now, ReasonSwitch)
	}

	rule, ok := t.rules.Lookup(proc)
	if !ok || !rule.Active {
		return
	}

	name := rule.Name
	if name == "" {
		name = proc
	}
	t.current = &session{
		appName:     name,
		processName: proc,
		title:       obs.WindowTitle,
		start:       now,
		productive:  rule.Productive,
	}
	t.log.Verbosef("Session opened: %s (%s)", name, obs.WindowTitle)
}

// RecordKeyPress counts one keyboard press toward the open session.
// Presses outside a session are discarded.
func (t *Tracker) RecordKeyPress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		t.current.keys++
	}
}

// GoIdle closes the open session because the user went idle. Called by
// the idle detector before it makes the idle flag visible elsewhere.
func (t *Tracker) GoIdle(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		t.closeLocked(now, ReasonIdle)
	}
	t.idle = true
}

// Resume clears the idle flag; the next tick may open a session again.
func (t *Tracker) Resume(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idle = false
}

// SetPaused pauses or resumes tracking. Pausing closes the open session.
func (t *Tracker) SetPaused(paused bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if paused && t.current != nil {
		t.closeLocked(now, ReasonPaused)
	}
	t.paused = paused
}

// Stop ends tracking at the user's request, closing the open session.
func (t *Tracker) Stop(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		t.closeLocked(now, ReasonStopped)
	}
}

// Shutdown force-closes the open session on process exit. Must run on
// every exit path so the final record is enqueued before the queue is
// flushed to disk.
func (t *Tracker) Shutdown(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		t.closeLocked(now, ReasonShutdown)
	}
}

// Current returns a snapshot of the open session, if any.
func (t *Tracker) Current() (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Session{}, false
	}
	return Session{
		AppName:     t.current.appName,
		ProcessName: t.current.processName,
		WindowTitle: t.current.title,
		StartTime:   t.current.start,
		Keys:        t.current.keys,
	}, true
}

// closeLocked ends the current session. Sessions under the minimum
// duration are discarded silently; everything else becomes a record on
// the sink. Must be called with t.mu held.
func (t *Tracker) closeLocked(now time.Time, reason CloseReason) {
	s := t.current
	t.current = nil

	duration := now.Sub(s.start)
	if duration < minSessionDuration {
		t.log.Debugf("Discarding sub-second session for %s (%v)", s.appName, duration)
		return
	}

	rec := ActivityRecord{
		AppName:         s.appName,
		ProcessName:     s.processName,
		WindowTitle:     s.title,
		StartTime:       s.start.UTC(),
		EndTime:         now.UTC(),
		Duration:        duration,
		KeyboardPresses: s.keys,
		Productive:      s.productive,
		Reason:          reason,
	}
	t.sink.Enqueue(rec)
	t.log.Verbosef("Session closed: %s (%v, %d key presses, %s)", s.appName, duration.Round(time.Second), s.keys, reason)
}
