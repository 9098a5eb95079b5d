// Package termctl puts the controlling terminal into raw mode for the
// duration of a guest boot, so that keystrokes reach the guest's serial
// console byte-for-byte instead of being line-buffered and echoed by the
// host tty driver. It is grounded on the teacher's term/term.go
// (SetRawMode returning a restore closure), generalized from that file's
// hand-rolled Linux-only TCGETS/TCSETS ioctls to golang.org/x/term, the
// same job done in a way that also works on the Apple backend's
// darwin/arm64 host.
package termctl

import (
	"os"

	"golang.org/x/term"
)

// Restore undoes a SetRaw call, returning the terminal to the state it
// was in beforehand. It is safe to call more than once.
type Restore func() error

// SetRaw puts fd (normally os.Stdin.Fd()) into raw mode and returns a
// function that restores its previous state. If fd is not a terminal
// (piped input, a CI runner) it returns a no-op Restore and no error,
// mirroring how the CLI degrades when input is not interactive.
func SetRaw(fd uintptr) (Restore, error) {
	if !term.IsTerminal(int(fd)) {
		return func() error { return nil }, nil
	}

	old, err := term.MakeRaw(int(fd))
	if err != nil {
		return func() error { return nil }, err
	}

	return func() error {
		return term.Restore(int(fd), old)
	}, nil
}

// SetStdinRaw is the common case: raw mode on the process's own stdin.
func SetStdinRaw() (Restore, error) {
	return SetRaw(os.Stdin.Fd())
}
