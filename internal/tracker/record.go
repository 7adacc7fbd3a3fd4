package tracker

import "time"

// CloseReason says why a session ended.
type CloseReason string

const (
	ReasonSwitch   CloseReason = "switch"
	ReasonIdle     CloseReason = "idle"
	ReasonPaused   CloseReason = "paused"
	ReasonStopped  CloseReason = "stopped"
	ReasonShutdown CloseReason = "shutdown"
	ReasonIgnored  CloseReason = "ignored"
)

// ActivityRecord is the immutable, closed form of a session, ready for
// transport. Owned by the upload queue until delivered or persisted.
type ActivityRecord struct {
	AppName         string        `json:"app_name"`
	ProcessName     string        `json:"process_name"`
	WindowTitle     string        `json:"window_title"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Duration        time.Duration `json:"duration"`
	KeyboardPresses int           `json:"keyboard_presses"`
	Productive      bool          `json:"is_productive"`
	Reason          CloseReason   `json:"reason"`

	// Attempts counts failed upload tries, for the dead-letter policy.
	Attempts int `json:"-"`
}

// DurationSeconds returns the session length in whole seconds, as the
// server expects it.
func (r ActivityRecord) DurationSeconds() int {
	return int(r.Duration.Seconds())
}
