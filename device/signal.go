package device

import "github.com/bobuhiro11/govmm/backend"

// Signal is the level-triggered IRQ line a device uses to notify the
// guest, grounded on the teacher's kvm.IRQLine ioctl wrapper but
// expressed against backend.Backend so it works on both the Linux and
// Darwin backends (the latter's IRQLine is a documented no-op).
type Signal struct {
	be  backend.Backend
	vm  backend.VMHandle
	irq uint32
}

func NewSignal(be backend.Backend, vm backend.VMHandle, irq uint32) *Signal {
	return &Signal{be: be, vm: vm, irq: irq}
}

func (s *Signal) IRQ() uint32 { return s.irq }

// Raise asserts the line, then immediately deasserts it, mirroring the
// edge-like usage virtio's queue-notify interrupt needs: one IRQLine(1)
// followed by IRQLine(0) per notification.
func (s *Signal) Raise() error {
	if err := s.be.IRQLine(s.vm, s.irq, true); err != nil {
		return err
	}

	return s.be.IRQLine(s.vm, s.irq, false)
}
