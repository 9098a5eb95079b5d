// Package probe implements the capability checks behind the "govmm probe"
// CLI subcommand of spec.md §6: can this host's hypervisor facility be
// reached at all, and, on Linux/KVM, what CPUID features does it expose
// to a guest. It is grounded on probe/cpuid.go's privilege-probe shape
// (open the device, report what failed) generalized from a single
// /dev/kvm open to backend.Backend.Init/Cleanup so the same probe works
// for both the Linux and Apple backends.
package probe

import "github.com/bobuhiro11/govmm/backend"

// Privilege runs a backend's one-shot process-wide bring-up and tears it
// back down, without creating a VM. A non-nil error is the same kind of
// vmmerr.Error the rest of the VMM produces, so the caller can surface
// vmmerr.Remediation(err) alongside it.
func Privilege(be backend.Backend) error {
	if err := be.Init(); err != nil {
		return err
	}

	return be.Cleanup()
}
