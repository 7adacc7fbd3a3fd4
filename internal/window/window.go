// Package window queries the desktop for the current foreground window
// and the system idle time. The D-Bus implementations talk to the GNOME
// Shell FocusedWindow extension and the Mutter IdleMonitor.
package window

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"timetracker-agent/internal/logging"
)

// D-Bus configuration for the FocusedWindow extension and the Mutter idle monitor.
const (
	dbusDestination = "org.gnome.Shell"
	dbusObjectPath  = "/org/gnome/shell/extensions/FocusedWindow"
	dbusInterface   = "org.gnome.shell.extensions.FocusedWindow"
	dbusMethod      = dbusInterface + ".Get"

	idleMonitorDestination = "org.gnome.Mutter.IdleMonitor"
	idleMonitorObjectPath  = "/org/gnome/Mutter/IdleMonitor/Core"
	idleMonitorInterface   = "org.gnome.Mutter.IdleMonitor"
	idleMonitorMethod      = idleMonitorInterface + ".GetIdletime"
)

// SentinelProcess is reported when the owning process of the foreground
// window cannot be identified.
const SentinelProcess = "unknown"

// Observation is one snapshot of the foreground window.
type Observation struct {
	ProcessName string
	WindowTitle string
}

// Inspector resolves the current foreground window. A (nil, nil) return
// means "no observation this tick": the caller must treat it as neither
// an idle nor an error signal.
type Inspector interface {
	CurrentWindow() (*Observation, error)
}

// focusedWindow is the JSON reply of the FocusedWindow extension,
// reduced to the fields the agent uses.
type focusedWindow struct {
	Title           string `json:"title"`
	WmClass         string `json:"wm_class"`
	WmClassInstance string `json:"wm_class_instance"`
	Pid             int32  `json:"pid"`
}

// DBusInspector queries the GNOME Shell FocusedWindow extension.
type DBusInspector struct {
	log *logging.Logger
}

// NewDBusInspector creates an inspector for the current session bus.
func NewDBusInspector(log *logging.Logger) *DBusInspector {
	return &DBusInspector{log: log}
}

// CurrentWindow returns the foreground window, or (nil, nil) when GNOME
// reports no focused window. Only bus-level failures surface as errors.
func (in *DBusInspector) CurrentWindow() (*Observation, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(dbusDestination, dbusObjectPath)
	call := obj.Call(dbusMethod, 0)
	if call.Err != nil {
		// The extension answers with an error while no window is focused
		// (e.g. on an empty workspace). That is a valid "nothing to see".
		if strings.Contains(call.Err.Error(), "No window in focus") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to call FocusedWindow.Get: %w\n\nTroubleshooting:\n  1. Verify extension is installed: gnome-extensions list | grep focused\n  2. Enable if needed: gnome-extensions enable focused-window-dbus@nichijou.github.io", call.Err)
	}

	var jsonStr string
	if err := call.Store(&jsonStr); err != nil {
		return nil, fmt.Errorf("failed to parse D-Bus response: %w", err)
	}

	var win focusedWindow
	if err := json.Unmarshal([]byte(jsonStr), &win); err != nil {
		return nil, fmt.Errorf("failed to parse window JSON: %w", err)
	}

	in.log.Debugf("Focused window: %q (%s, pid %d)", win.Title, win.WmClass, win.Pid)
	return &Observation{
		ProcessName: processNameOf(win),
		WindowTitle: win.Title,
	}, nil
}

// processNameOf picks the best process identifier the shell gives us.
// Windows whose owning process cannot be named get the sentinel, never
// an error.
func processNameOf(win focusedWindow) string {
	if win.WmClassInstance != "" {
		return strings.ToLower(win.WmClassInstance)
	}
	if win.WmClass != "" {
		return strings.ToLower(win.WmClass)
	}
	return SentinelProcess
}

// IdleMonitor queries Mutter for the time since the last user input.
type IdleMonitor struct {
	log *logging.Logger
}

// NewIdleMonitor creates an idle monitor for the current session bus.
func NewIdleMonitor(log *logging.Logger) *IdleMonitor {
	return &IdleMonitor{log: log}
}

// IdleTime returns the system-wide time since the last input event.
func (m *IdleMonitor) IdleTime() (time.Duration, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return 0, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(idleMonitorDestination, dbus.ObjectPath(idleMonitorObjectPath))
	call := obj.Call(idleMonitorMethod, 0)
	if call.Err != nil {
		return 0, fmt.Errorf("failed to call IdleMonitor.GetIdletime: %w", call.Err)
	}

	var idleMs uint64
	if err := call.Store(&idleMs); err != nil {
		return 0, fmt.Errorf("failed to parse IdleMonitor response: %w", err)
	}

	idle := time.Duration(idleMs) * time.Millisecond
	m.log.Debugf("System idle time: %v", idle)
	return idle, nil
}
