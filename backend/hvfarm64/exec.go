//go:build darwin && arm64

package hvfarm64

/*
#include <Hypervisor/hv.h>
#include <Hypervisor/hv_vcpu.h>
#if __has_include(<Hypervisor/arm64/hv_arch_vcpu.h>)
#include <Hypervisor/arm64/hv_arch_vcpu.h>
#endif

static hv_return_t go_hv_get_esr_far(hv_vcpu_t vcpu, uint64_t *esr, uint64_t *far) {
	hv_return_t r1 = hv_vcpu_get_sys_reg(vcpu, HV_SYS_REG_ESR_EL1, esr);
	hv_return_t r2 = hv_vcpu_get_sys_reg(vcpu, HV_SYS_REG_FAR_EL1, far);
	return (r1 != HV_SUCCESS) ? r1 : r2;
}
*/
import "C"

import (
	"context"
	"encoding/binary"
	"unsafe"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/vmmerr"
)

// ESR_EL1 exception class field (bits 31:26); EC 0x24 is Data Abort from a
// lower exception level, the class used for stage-2 faults on an unmapped
// or device-backed guest physical page.
const esrECDataAbortLowerEL = 0x24

// Run enters guest mode. Unlike kvmlinux's KVM_RUN, hv_vcpu_run blocks
// until the framework itself delivers an exit; cancellation is therefore
// driven entirely by RequestExit's hv_vcpus_exit, not by ctx, matching
// spec.md §9's note that ARM-class backends lack a KVM_RUN-style EINTR
// escape hatch.
func (b *Backend) Run(ctx context.Context, vcpu backend.VCPUHandle) error {
	h := vcpu.(*vcpuHandle)

	if err := ctx.Err(); err != nil {
		return vmmerr.Wrap(vmmerr.Interrupted, "context canceled before entry", err)
	}

	ret := C.hv_vcpu_run(h.id)
	if err := hvErr(ret); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "hv_vcpu_run", err)
	}

	return nil
}

// GetExit classifies the trap left behind by the most recent Run. The
// framework's hv_vcpu_exit_t carries a reason but this package reads ESR
// and FAR directly, the same lifting immunotec18-go-hypervisor's Run does,
// because a Data Abort's ESR.ISV/SAS/SRT/WnR fields are what let the MMIO
// router dispatch without a second guest trap.
func (b *Backend) GetExit(vcpu backend.VCPUHandle) (backend.ExitInfo, error) {
	h := vcpu.(*vcpuHandle)

	var esr, far C.uint64_t
	if err := hvErr(C.go_hv_get_esr_far(h.id, &esr, &far)); err != nil {
		return backend.ExitInfo{}, vmmerr.Wrap(vmmerr.BackendFailure, "read ESR/FAR", err)
	}

	info := backend.ExitInfo{
		SyndromeCode: uint64(esr),
		FaultAddr:    uint64(far),
	}

	ec := (uint64(esr) >> 26) & 0x3f
	if ec == esrECDataAbortLowerEL {
		isv := (uint64(esr) >> 24) & 1
		sas := (uint64(esr) >> 22) & 0x3
		wnr := (uint64(esr) >> 6) & 1

		info.Kind = backend.ExitMMIO
		info.GPA = uint64(far)
		info.IsWrite = wnr == 1
		// Width defaults to 4 bytes when the syndrome is not valid (ISV=0),
		// the Open Question spec.md §9 leaves to backend discretion; the
		// access is then dispatched at that width whatever width the guest
		// actually used.
		if isv == 1 {
			info.MMIOWidth = 1 << sas
		} else {
			info.MMIOWidth = 4
		}
		// For a write with a valid syndrome, SRT (bits 20:16) names the
		// source register; 31 is XZR, whose value is zero.
		if isv == 1 && info.IsWrite {
			if srt := (uint64(esr) >> 16) & 0x1f; srt < 31 {
				var val C.uint64_t
				if err := hvErr(C.hv_vcpu_get_reg(h.id, regOrder[srt], &val)); err != nil {
					return backend.ExitInfo{}, vmmerr.Wrap(vmmerr.BackendFailure, "read SRT register", err)
				}
				binary.LittleEndian.PutUint64(info.MMIOData[:], uint64(val))
			}
		}
	} else {
		info.Kind = backend.ExitException
	}

	return info, nil
}

// RequestExit kicks a running vCPU out of hv_vcpu_run. The framework
// exposes hv_vcpus_exit for exactly this purpose; unlike kvmlinux's
// SIGURG/tgkill there is no signal involved.
func (b *Backend) RequestExit(vcpu backend.VCPUHandle) error {
	h := vcpu.(*vcpuHandle)

	ids := []C.hv_vcpu_t{h.id}

	ret := C.hv_vcpus_exit((*C.hv_vcpu_t)(unsafe.Pointer(&ids[0])), C.uint(len(ids)))
	if err := hvErr(ret); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "hv_vcpus_exit", err)
	}

	return nil
}

// IRQLine is a no-op on this backend: Hypervisor.framework ARM64 guests
// take interrupts through the virtual GIC via hv_vcpu_set_pending_interrupt
// rather than a KVM-style line assert, and wiring the virtual GIC is out
// of scope (spec.md's interrupt model targets the PIC/IOAPIC line
// semantics of the x86/KVM path). Device interrupts raised through it
// therefore never reach the guest on this backend.
func (b *Backend) IRQLine(_ backend.VMHandle, _ uint32, _ bool) error { return nil }

// ThreadLocalVCPU is true: hv_vcpu_create binds the new vCPU to the
// calling OS thread, and hv_vcpu_run must be invoked from that same
// thread for the lifetime of the vCPU.
func (b *Backend) ThreadLocalVCPU() bool { return true }
