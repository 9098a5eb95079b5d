// Package memmap owns the guest physical memory map: a small table of
// page-aligned GPA->HVA slots backed by anonymous host memory, installed
// into the backend and used by device code to translate and copy guest
// buffers. It generalizes the teacher's memory/memory.go (which hardcoded
// a single growing RAM region and a kvmfd) into a backend-agnostic slot
// table addressed through backend.Backend.
package memmap

import (
	"sync"
	"syscall"
	"unsafe"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/vmmerr"
)

// MaxSlots bounds the slot table per spec.md's VM aggregate (<=32 slots).
const MaxSlots = 32

const pageSize = 4096

// poison fills freshly allocated RAM the same way the teacher's
// memory.go does: an invalid-opcode trap so that a guest that jumps into
// unused memory exits immediately instead of executing zero bytes.
const poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

// Slot is one installed GPA->HVA region.
type Slot struct {
	Index uint32
	GPA   uint64
	Size  uint64
	Host  []byte
	Perms backend.MemPerm
}

// Map is the VM's memory map. Adding slots is only safe before any vCPU
// has entered guest mode, per spec.md §4.2; neither Map nor the vm
// package enforces this (cmd/govmm adds its RAM region before Start).
type Map struct {
	mu    sync.RWMutex
	be    backend.Backend
	vm    backend.VMHandle
	slots []*Slot
}

func New(be backend.Backend, vm backend.VMHandle) *Map {
	return &Map{be: be, vm: vm}
}

func alignDown(v uint64) uint64 { return v &^ (pageSize - 1) }

func hostBase(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&b[0]))
}

// AddRegion allocates a host buffer of size bytes filled with the poison
// pattern, page-aligns gpaBase down, installs it via the backend at the
// lowest free slot index, and records the slot. A region that overlaps
// an existing slot is rejected with InvalidArgument.
func (m *Map) AddRegion(gpaBase, size uint64, perms backend.MemPerm) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.slots) >= MaxSlots {
		return nil, vmmerr.New(vmmerr.OutOfResources, "memory slot table full")
	}

	gpaBase = alignDown(gpaBase)

	for _, s := range m.slots {
		if overlaps(gpaBase, size, s.GPA, s.Size) {
			return nil, vmmerr.New(vmmerr.InvalidArgument, "new region overlaps an existing slot")
		}
	}

	host, err := syscall.Mmap(-1, 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.OutOfResources, "anonymous mmap for guest RAM", err)
	}

	for i := 0; i < len(host); i += len(poison) {
		n := copy(host[i:], poison)
		if n == 0 {
			break
		}
	}

	index := m.lowestFreeIndex()

	if err := m.be.MapMem(m.vm, backend.MemSlot{
		Slot:  index,
		GPA:   gpaBase,
		HVA:   hostBase(host),
		Size:  size,
		Perms: perms,
	}); err != nil {
		_ = syscall.Munmap(host)
		return nil, vmmerr.Wrap(vmmerr.BackendFailure, "backend rejected memory region", err)
	}

	slot := &Slot{Index: index, GPA: gpaBase, Size: size, Host: host, Perms: perms}
	m.slots = append(m.slots, slot)

	return slot, nil
}

func overlaps(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB

	return baseA < endB && baseB < endA
}

func (m *Map) lowestFreeIndex() uint32 {
	used := make(map[uint32]bool, len(m.slots))
	for _, s := range m.slots {
		used[s.Index] = true
	}

	for i := uint32(0); i < MaxSlots; i++ {
		if !used[i] {
			return i
		}
	}

	return MaxSlots
}

// Translate returns the slot and byte offset for an access of size bytes
// starting at gpa, provided the whole range lies within one slot.
func (m *Map) Translate(gpa, size uint64) (*Slot, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.slots {
		if gpa >= s.GPA && gpa+size <= s.GPA+s.Size {
			return s, gpa - s.GPA, nil
		}
	}

	return nil, 0, vmmerr.New(vmmerr.InvalidArgument, "gpa range not covered by any slot")
}

// Read copies size bytes starting at gpa into buf.
func (m *Map) Read(gpa uint64, buf []byte) error {
	s, off, err := m.Translate(gpa, uint64(len(buf)))
	if err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	copy(buf, s.Host[off:off+uint64(len(buf))])

	return nil
}

// Write copies buf into guest memory starting at gpa.
func (m *Map) Write(gpa uint64, buf []byte) error {
	s, off, err := m.Translate(gpa, uint64(len(buf)))
	if err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	copy(s.Host[off:off+uint64(len(buf))], buf)

	return nil
}

// Slots returns a snapshot of the installed slot table.
func (m *Map) Slots() []*Slot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Slot, len(m.slots))
	copy(out, m.slots)

	return out
}

// Destroy unmaps every slot from the backend and releases its host
// buffer, in the reverse order spec.md's VM teardown requires.
func (m *Map) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first error

	for i := len(m.slots) - 1; i >= 0; i-- {
		s := m.slots[i]
		if err := m.be.UnmapMem(m.vm, s.Index); err != nil && first == nil {
			first = vmmerr.Wrap(vmmerr.BackendFailure, "unmap memory slot", err)
		}
		if err := syscall.Munmap(s.Host); err != nil && first == nil {
			first = vmmerr.Wrap(vmmerr.BackendFailure, "munmap guest RAM", err)
		}
	}

	m.slots = nil

	return first
}
