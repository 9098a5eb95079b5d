//go:build !linux

package netdev

import "fmt"

// Tap is unavailable outside Linux; /dev/net/tun has no Darwin
// equivalent this module wires up (spec.md scopes TAP as Linux-only).
type Tap struct{}

func New(name string) (*Tap, error) {
	return nil, fmt.Errorf("netdev: TAP devices are only supported on linux")
}

func (t *Tap) Close() error { return nil }

func (t *Tap) Tx(frame []byte) error { return fmt.Errorf("netdev: no tap backing on this platform") }

func (t *Tap) Rx(buf []byte) (int, error) {
	return 0, fmt.Errorf("netdev: no tap backing on this platform")
}
