// Package input delivers keyboard and mouse events from Linux evdev
// devices. Requires read access to /dev/input (the 'input' group).
//
// Only the fact that an event happened is reported; key codes never
// leave this package.
package input

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"timetracker-agent/internal/logging"
)

// Kind distinguishes keyboard presses (which count toward the keystroke
// counter) from other input (which only resets the idle clock).
type Kind int

const (
	KindKeyboard Kind = iota
	KindMouse
)

// Linux input event layout (linux/input.h):
//
//	struct input_event {
//	    struct timeval time;  // 16 bytes on 64-bit
//	    __u16 type;
//	    __u16 code;
//	    __s32 value;
//	}
const (
	eventSize = 24

	evKey = 0x01
	evRel = 0x02

	keyPress = 1
)

// Callback receives one event per physical key press or mouse movement.
// It is invoked from the reader goroutines.
type Callback func(kind Kind, at time.Time)

// Listener reads evdev devices and fans events into a callback.
type Listener struct {
	log      *logging.Logger
	callback Callback

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewListener creates a listener. The callback must be safe for
// concurrent use; it is called from one goroutine per device.
func NewListener(log *logging.Logger, cb Callback) *Listener {
	return &Listener{log: log, callback: cb}
}

// Start opens the detected input devices and begins reading. Returns
// ErrNoDevices when nothing readable is found; the caller is expected
// to degrade to system-level idle queries.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}

	keyboards := findDevices("*-kbd", "keyboard")
	mice := findDevices("*-mouse", "mouse")
	if len(keyboards) == 0 && len(mice) == 0 {
		return ErrNoDevices
	}

	l.stopCh = make(chan struct{})
	l.running = true

	for _, dev := range keyboards {
		l.wg.Add(1)
		go l.readLoop(ctx, dev, KindKeyboard)
	}
	for _, dev := range mice {
		l.wg.Add(1)
		go l.readLoop(ctx, dev, KindMouse)
	}

	l.log.Verbosef("Input listener started (%d keyboard, %d mouse devices)", len(keyboards), len(mice))
	return nil
}

// Stop terminates the reader goroutines. Safe to call more than once.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *Listener) readLoop(ctx context.Context, path string, kind Kind) {
	defer l.wg.Done()

	f, err := os.Open(path)
	if err != nil {
		l.log.Warningf("Cannot open input device %s: %v", path, err)
		return
	}
	defer f.Close()

	buf := make([]byte, eventSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		// Bounded reads so Stop is never stuck waiting for a keystroke.
		_ = f.SetReadDeadline(time.Now().Add(time.Second))
		n, err := f.Read(buf)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil {
			l.log.Debugf("Input device %s read failed: %v", path, err)
			return
		}
		if n != eventSize {
			continue
		}
		if ev, ok := parseEvent(buf, kind); ok {
			l.callback(ev, time.Now())
		}
	}
}

// parseEvent reports whether the raw event counts as user input for the
// given device kind.
func parseEvent(buf []byte, kind Kind) (Kind, bool) {
	eventType := binary.LittleEndian.Uint16(buf[16:18])
	value := int32(binary.LittleEndian.Uint32(buf[20:24]))

	switch kind {
	case KindKeyboard:
		if eventType == evKey && value == keyPress {
			return KindKeyboard, true
		}
	case KindMouse:
		// Movement or button press both reset the idle clock.
		if eventType == evRel || (eventType == evKey && value == keyPress) {
			return KindMouse, true
		}
	}
	return kind, false
}

// findDevices locates input devices, preferring the stable by-id names
// and falling back to scanning /proc/bus/input/devices.
func findDevices(byIDGlob, deviceHint string) []string {
	matches, _ := filepath.Glob("/dev/input/by-id/" + byIDGlob)
	if len(matches) > 0 {
		return matches
	}
	return scanProcDevices(deviceHint)
}

func scanProcDevices(hint string) []string {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil
	}
	defer f.Close()

	var devices []string
	var currentHandler string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "H: Handlers=") {
			for _, p := range strings.Fields(line) {
				if strings.HasPrefix(p, "event") {
					currentHandler = "/dev/input/" + p
				}
			}
		}

		if strings.Contains(strings.ToLower(line), hint) && currentHandler != "" {
			devices = append(devices, currentHandler)
			currentHandler = ""
		}

		if line == "" {
			currentHandler = ""
		}
	}
	return devices
}
