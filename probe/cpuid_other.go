//go:build !linux

package probe

import "errors"

// ErrCPUIDUnsupported is returned on platforms (the Apple backend's
// darwin/arm64) that have no x86 CPUID leaves to inspect.
var ErrCPUIDUnsupported = errors.New("probe: CPUID inspection requires a Linux/KVM host")

// Features is the zero-value shape CPUIDFeatures returns off Linux.
type Features struct {
	F1Edx   uint32
	F7_0Edx uint32 //nolint:stylecheck
}

// Report is a no-op on non-Linux hosts; there is nothing to format.
func (f Features) Report() string { return "" }

// CPUIDFeatures always fails off Linux: there is no KVM device to query.
func CPUIDFeatures() (Features, error) {
	return Features{}, ErrCPUIDUnsupported
}
