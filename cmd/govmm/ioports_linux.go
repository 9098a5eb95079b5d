//go:build linux

package main

import (
	"github.com/bobuhiro11/govmm/device/postcode"
	"github.com/bobuhiro11/govmm/device/serial"
	"github.com/bobuhiro11/govmm/vm"
)

// attachIOPorts wires the legacy COM1 UART and the BIOS POST-code debug
// port, both x86/KVM-only: the Apple Hypervisor.framework backend has no
// I/O-port exit class to drive them (see device/serial and
// device/postcode's package docs), so this file only builds on linux.
func attachIOPorts(v *vm.VM) {
	com1 := serial.New(func(irq, level uint32) {
		if level != 0 {
			v.Signal().Raise() //nolint:errcheck
		}
	})
	v.IOPorts().Add(com1)
	v.IOPorts().Add(postcode.New())
}
