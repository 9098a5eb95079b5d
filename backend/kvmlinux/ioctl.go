//go:build linux

// Package kvmlinux is the Linux in-kernel virtualization driver backend,
// accessed through /dev/kvm with the ioctl set of spec.md §6. It is
// grounded on the teacher's kvm/kvm.go: the same direct
// unix.Syscall(SYS_IOCTL, ...) calling convention, generalized from a
// single global file descriptor to a value receiver per VM/vCPU so that
// backend.Backend can be instantiated more than once (useful for tests).
package kvmlinux

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers, taken verbatim from the kernel's kvm.h layout
// (the same constants the teacher's kvm/kvm.go hardcodes).
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMMapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmIRQLine             = 0x4008AE61
	kvmCreateIRQChip       = 0xAE60
	kvmCreatePIT2          = 0x4040AE77
	kvmSetTSSAddr          = 0xAE47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCheckExtension      = 0xAE03
)

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return r, errno
	}

	return r, nil
}

func ioctlNoArg(fd int, req uintptr) (uintptr, error) {
	return ioctl(fd, req, 0)
}

func ioctlPtr(fd int, req uintptr, p unsafe.Pointer) (uintptr, error) {
	return ioctl(fd, req, uintptr(p))
}
