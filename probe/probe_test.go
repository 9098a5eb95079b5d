package probe_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/probe"
	"github.com/bobuhiro11/govmm/vmmerr"
)

type fakeVM struct{ backend.VMHandleBase }

type stubBackend struct {
	initErr    error
	cleanupErr error
	cleaned    bool
}

func (b *stubBackend) Init() error { return b.initErr }
func (b *stubBackend) Cleanup() error {
	b.cleaned = true

	return b.cleanupErr
}

func (b *stubBackend) CreateVM() (backend.VMHandle, error) { return &fakeVM{}, nil }
func (b *stubBackend) DestroyVM(backend.VMHandle) error    { return nil }

func (b *stubBackend) CreateVCPU(backend.VMHandle, int) (backend.VCPUHandle, error) {
	return nil, nil
}
func (b *stubBackend) DestroyVCPU(backend.VCPUHandle) error { return nil }

func (b *stubBackend) MapMem(backend.VMHandle, backend.MemSlot) error { return nil }
func (b *stubBackend) UnmapMem(backend.VMHandle, uint32) error        { return nil }

func (b *stubBackend) Run(context.Context, backend.VCPUHandle) error { return nil }
func (b *stubBackend) GetExit(backend.VCPUHandle) (backend.ExitInfo, error) {
	return backend.ExitInfo{}, nil
}
func (b *stubBackend) GetRegs(backend.VCPUHandle) (backend.RegBundle, error) {
	return backend.RegBundle{}, nil
}
func (b *stubBackend) SetRegs(backend.VCPUHandle, backend.RegBundle) error { return nil }
func (b *stubBackend) GetSregs(backend.VCPUHandle) (backend.RegBundle, error) {
	return backend.RegBundle{}, nil
}
func (b *stubBackend) SetSregs(backend.VCPUHandle, backend.RegBundle) error { return nil }
func (b *stubBackend) RequestExit(backend.VCPUHandle) error                { return nil }
func (b *stubBackend) IRQLine(backend.VMHandle, uint32, bool) error        { return nil }
func (b *stubBackend) ThreadLocalVCPU() bool                              { return false }

var _ backend.Backend = (*stubBackend)(nil)

func TestPrivilegeSucceedsAndCleansUp(t *testing.T) {
	t.Parallel()

	be := &stubBackend{}
	if err := probe.Privilege(be); err != nil {
		t.Fatalf("Privilege() = %v, want nil", err)
	}

	if !be.cleaned {
		t.Fatal("Privilege() did not call Cleanup")
	}
}

func TestPrivilegeSurfacesInitError(t *testing.T) {
	t.Parallel()

	want := vmmerr.New(vmmerr.Unavailable, "no /dev/kvm")
	be := &stubBackend{initErr: want}

	err := probe.Privilege(be)
	if !errors.Is(err, want) && !vmmerr.Is(err, vmmerr.Unavailable) {
		t.Fatalf("Privilege() = %v, want an Unavailable error", err)
	}

	if be.cleaned {
		t.Fatal("Privilege() called Cleanup despite a failed Init")
	}
}

func TestPrivilegeSurfacesCleanupError(t *testing.T) {
	t.Parallel()

	be := &stubBackend{cleanupErr: vmmerr.New(vmmerr.BackendFailure, "teardown failed")}

	if err := probe.Privilege(be); err == nil {
		t.Fatal("Privilege() = nil, want the Cleanup error")
	}
}
