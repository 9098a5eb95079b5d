//go:build !linux && !(darwin && arm64)

// Package unsupported satisfies backend.Backend on every GOOS/GOARCH
// combination that has neither the Linux KVM backend nor the Apple
// Hypervisor.framework backend, so that `go build ./...` succeeds
// everywhere while `govmm run` only functions on the two supported
// platforms named in spec.md §1.
package unsupported

import (
	"context"
	"runtime"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/vmmerr"
)

type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) unavailable() error {
	return vmmerr.New(vmmerr.Unavailable,
		"no hypervisor backend for "+runtime.GOOS+"/"+runtime.GOARCH)
}

func (b *Backend) Init() error                                           { return b.unavailable() }
func (b *Backend) Cleanup() error                                        { return nil }
func (b *Backend) CreateVM() (backend.VMHandle, error)                   { return nil, b.unavailable() }
func (b *Backend) DestroyVM(backend.VMHandle) error                      { return b.unavailable() }
func (b *Backend) CreateVCPU(backend.VMHandle, int) (backend.VCPUHandle, error) {
	return nil, b.unavailable()
}
func (b *Backend) DestroyVCPU(backend.VCPUHandle) error { return b.unavailable() }
func (b *Backend) MapMem(backend.VMHandle, backend.MemSlot) error { return b.unavailable() }
func (b *Backend) UnmapMem(backend.VMHandle, uint32) error        { return b.unavailable() }
func (b *Backend) Run(context.Context, backend.VCPUHandle) error { return b.unavailable() }
func (b *Backend) GetExit(backend.VCPUHandle) (backend.ExitInfo, error) {
	return backend.ExitInfo{}, b.unavailable()
}
func (b *Backend) GetRegs(backend.VCPUHandle) (backend.RegBundle, error) {
	return backend.RegBundle{}, b.unavailable()
}
func (b *Backend) SetRegs(backend.VCPUHandle, backend.RegBundle) error { return b.unavailable() }
func (b *Backend) GetSregs(backend.VCPUHandle) (backend.RegBundle, error) {
	return backend.RegBundle{}, b.unavailable()
}
func (b *Backend) SetSregs(backend.VCPUHandle, backend.RegBundle) error { return b.unavailable() }
func (b *Backend) RequestExit(backend.VCPUHandle) error                { return nil }
func (b *Backend) IRQLine(backend.VMHandle, uint32, bool) error        { return nil }
func (b *Backend) ThreadLocalVCPU() bool                               { return false }

var _ backend.Backend = (*Backend)(nil)
