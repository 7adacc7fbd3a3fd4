package input

import "errors"

// ErrNoDevices is returned by Start when no readable input device was
// found. Idle detection then relies on the desktop's idle monitor alone.
var ErrNoDevices = errors.New("no readable input devices found (is the user in the 'input' group?)")
