// Package logging provides leveled, color-coded logging for the agent.
// A Logger is passed explicitly to every component that needs one; there
// is no package-level logger state.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/fatih/color"
)

// Logger writes timestamped, color-coded log lines. Debug and Verbose
// gate the corresponding levels; everything else is always printed.
type Logger struct {
	Debug   bool
	Verbose bool

	l *log.Logger

	colorDebug   func(format string, args ...interface{}) string
	colorVerbose func(format string, args ...interface{}) string
	colorInfo    func(format string, args ...interface{}) string
	colorWarning func(format string, args ...interface{}) string
	colorError   func(format string, args ...interface{}) string
	colorSuccess func(format string, args ...interface{}) string
}

// New creates a Logger writing to stderr.
func New(debug, verbose bool) *Logger {
	return NewWithOutput(os.Stderr, debug, verbose)
}

// NewWithOutput creates a Logger writing to w. Tests use this to capture output.
func NewWithOutput(w io.Writer, debug, verbose bool) *Logger {
	return &Logger{
		Debug:        debug,
		Verbose:      verbose,
		l:            log.New(w, "", log.Ldate|log.Ltime),
		colorDebug:   color.New(color.FgCyan).SprintfFunc(),
		colorVerbose: color.New(color.FgBlue).SprintfFunc(),
		colorInfo:    color.New(color.FgGreen).SprintfFunc(),
		colorWarning: color.New(color.FgYellow).SprintfFunc(),
		colorError:   color.New(color.FgRed, color.Bold).SprintfFunc(),
		colorSuccess: color.New(color.FgGreen, color.Bold).SprintfFunc(),
	}
}

// Debugf prints debug messages if debug mode is enabled.
func (lg *Logger) Debugf(format string, args ...interface{}) {
	if lg.Debug {
		lg.l.Print(lg.colorDebug("[DEBUG] "+format, args...))
	}
}

// Verbosef prints verbose messages if verbose or debug mode is enabled.
func (lg *Logger) Verbosef(format string, args ...interface{}) {
	if lg.Verbose || lg.Debug {
		lg.l.Print(lg.colorVerbose("[VERBOSE] "+format, args...))
	}
}

// Infof prints info messages (always shown).
func (lg *Logger) Infof(format string, args ...interface{}) {
	lg.l.Print(lg.colorInfo("[INFO] "+format, args...))
}

// Warningf prints warning messages (always shown).
func (lg *Logger) Warningf(format string, args ...interface{}) {
	lg.l.Print(lg.colorWarning("[WARNING] "+format, args...))
}

// Errorf prints error messages (always shown).
func (lg *Logger) Errorf(format string, args ...interface{}) {
	lg.l.Print(lg.colorError("[ERROR] "+format, args...))
}

// Successf prints success messages (always shown).
func (lg *Logger) Successf(format string, args ...interface{}) {
	lg.l.Print(lg.colorSuccess("[SUCCESS] "+format, args...))
}
