//go:build darwin && arm64

package hvfarm64

/*
#include <Hypervisor/hv.h>
#include <Hypervisor/hv_vcpu.h>
#if __has_include(<Hypervisor/arm64/hv_arch_vcpu.h>)
#include <Hypervisor/arm64/hv_arch_vcpu.h>
#endif
*/
import "C"

import (
	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/vmmerr"
)

// regOrder lists the 31 general registers X0..X28, FP and LR in the fixed order
// RegsARM64.X is indexed by, mirroring the teacher's regToHV switch but
// collapsed into a table since X0..X28, FP (X29), LR (X30) are contiguous
// hv_reg_t enumerators in the framework.
var regOrder = [31]C.hv_reg_t{
	C.HV_REG_X0, C.HV_REG_X1, C.HV_REG_X2, C.HV_REG_X3,
	C.HV_REG_X4, C.HV_REG_X5, C.HV_REG_X6, C.HV_REG_X7,
	C.HV_REG_X8, C.HV_REG_X9, C.HV_REG_X10, C.HV_REG_X11,
	C.HV_REG_X12, C.HV_REG_X13, C.HV_REG_X14, C.HV_REG_X15,
	C.HV_REG_X16, C.HV_REG_X17, C.HV_REG_X18, C.HV_REG_X19,
	C.HV_REG_X20, C.HV_REG_X21, C.HV_REG_X22, C.HV_REG_X23,
	C.HV_REG_X24, C.HV_REG_X25, C.HV_REG_X26, C.HV_REG_X27,
	C.HV_REG_X28, C.HV_REG_FP, C.HV_REG_LR,
}

func (b *Backend) GetRegs(vcpu backend.VCPUHandle) (backend.RegBundle, error) {
	h := vcpu.(*vcpuHandle)

	var out backend.RegsARM64

	for i, hvReg := range regOrder {
		var val C.uint64_t
		if err := hvErr(C.hv_vcpu_get_reg(h.id, hvReg, &val)); err != nil {
			return backend.RegBundle{}, vmmerr.Wrap(vmmerr.BackendFailure, "hv_vcpu_get_reg", err)
		}
		out.X[i] = uint64(val)
	}

	// SP lives in SP_EL0, a system register, not the general hv_reg_t set.
	var sp C.uint64_t
	if err := hvErr(C.hv_vcpu_get_sys_reg(h.id, C.HV_SYS_REG_SP_EL0, &sp)); err != nil {
		return backend.RegBundle{}, vmmerr.Wrap(vmmerr.BackendFailure, "hv_vcpu_get_sys_reg(SP_EL0)", err)
	}
	out.SP = uint64(sp)

	var pc, cpsr C.uint64_t
	if err := hvErr(C.hv_vcpu_get_reg(h.id, C.HV_REG_PC, &pc)); err != nil {
		return backend.RegBundle{}, vmmerr.Wrap(vmmerr.BackendFailure, "hv_vcpu_get_reg(PC)", err)
	}
	if err := hvErr(C.hv_vcpu_get_reg(h.id, C.HV_REG_CPSR, &cpsr)); err != nil {
		return backend.RegBundle{}, vmmerr.Wrap(vmmerr.BackendFailure, "hv_vcpu_get_reg(CPSR)", err)
	}
	out.PC = uint64(pc)
	out.CPSR = uint64(cpsr)

	return backend.RegBundle{ARM64: out}, nil
}

func (b *Backend) SetRegs(vcpu backend.VCPUHandle, regs backend.RegBundle) error {
	h := vcpu.(*vcpuHandle)
	in := regs.ARM64

	for i, hvReg := range regOrder {
		if err := hvErr(C.hv_vcpu_set_reg(h.id, hvReg, C.uint64_t(in.X[i]))); err != nil {
			return vmmerr.Wrap(vmmerr.BackendFailure, "hv_vcpu_set_reg", err)
		}
	}

	if err := hvErr(C.hv_vcpu_set_sys_reg(h.id, C.HV_SYS_REG_SP_EL0, C.uint64_t(in.SP))); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "hv_vcpu_set_sys_reg(SP_EL0)", err)
	}
	if err := hvErr(C.hv_vcpu_set_reg(h.id, C.HV_REG_PC, C.uint64_t(in.PC))); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "hv_vcpu_set_reg(PC)", err)
	}
	if err := hvErr(C.hv_vcpu_set_reg(h.id, C.HV_REG_CPSR, C.uint64_t(in.CPSR))); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "hv_vcpu_set_reg(CPSR)", err)
	}

	return nil
}

// GetSregs/SetSregs have no ARM64 analogue to x86's segment/control
// registers; SP_EL0 and CPSR are already carried by RegsARM64 through
// GetRegs/SetRegs, so these are no-ops that round-trip the same bundle,
// kept only so vcpu's backend-agnostic loop can call both methods
// uniformly across backends.
func (b *Backend) GetSregs(vcpu backend.VCPUHandle) (backend.RegBundle, error) {
	return b.GetRegs(vcpu)
}

func (b *Backend) SetSregs(vcpu backend.VCPUHandle, regs backend.RegBundle) error {
	return nil
}
