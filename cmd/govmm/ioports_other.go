//go:build !linux

package main

import "github.com/bobuhiro11/govmm/vm"

// attachIOPorts is a no-op on non-Linux backends: the Apple
// Hypervisor.framework exit set has no I/O-port class (see spec.md §6's
// backend descriptions), so there is nothing for COM1 or the POST-code
// port to attach to.
func attachIOPorts(*vm.VM) {}
