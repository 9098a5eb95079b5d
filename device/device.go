// Package device is the MMIO device framework: an ordered table of
// GPA-range handlers and the exit-time dispatch that routes a trapping
// guest access to one of them. It generalizes the teacher's
// device.IODevice (an x86 I/O-port-space interface: Read/Write/IOPort/
// Size) from port space into GPA space, since spec.md's devices are
// memory-mapped rather than I/O-port-mapped.
package device

import (
	"fmt"
	"log"
	"sync"
)

// MaxDevices bounds the device table per spec.md's VM aggregate.
const MaxDevices = 16

// Handler is one MMIO-mapped device. Base/Size describe its GPA range;
// Read/Write are invoked with an offset already relative to Base.
type Handler interface {
	Base() uint64
	Size() uint64
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error
}

// Table is the ordered, first-match device list spec.md §4.3 describes.
// It is built during VM initialization; neither this package nor the vm
// package prevents Add after the VM starts.
type Table struct {
	mu      sync.Mutex
	entries []Handler

	diagOnce map[uint64]bool // one "unmapped MMIO" diagnostic per faulting PC
}

func NewTable() *Table {
	return &Table{diagOnce: make(map[uint64]bool)}
}

// Add appends a handler, rejecting a range that overlaps an existing one
// or a table already at MaxDevices.
func (t *Table) Add(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= MaxDevices {
		return fmt.Errorf("device table full (max %d)", MaxDevices)
	}

	for _, e := range t.entries {
		if overlaps(h.Base(), h.Size(), e.Base(), e.Size()) {
			return fmt.Errorf("device at %#x..%#x overlaps existing device at %#x..%#x",
				h.Base(), h.Base()+h.Size(), e.Base(), e.Base()+e.Size())
		}
	}

	t.entries = append(t.entries, h)

	return nil
}

func overlaps(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB

	return baseA < endB && baseB < endA
}

// find returns the first entry whose range contains gpa, nil if none do.
func (t *Table) find(gpa uint64) Handler {
	for _, e := range t.entries {
		if gpa >= e.Base() && gpa < e.Base()+e.Size() {
			return e
		}
	}

	return nil
}

// Dispatch resolves gpa to a device and performs the read or write. An
// access to a GPA no device claims is not fatal: reads return zero,
// writes are discarded, and at most one diagnostic is logged per
// distinct faultPC (spec.md §4.3's "unmapped MMIO" rule and §8 property 8).
func (t *Table) Dispatch(gpa uint64, isWrite bool, data []byte, faultPC uint64) {
	t.mu.Lock()
	h := t.find(gpa)
	t.mu.Unlock()

	if h == nil {
		t.logUnmappedOnce(faultPC, gpa, isWrite)

		if !isWrite {
			for i := range data {
				data[i] = 0
			}
		}

		return
	}

	off := gpa - h.Base()

	var err error
	if isWrite {
		err = h.Write(off, data)
	} else {
		err = h.Read(off, data)
	}

	if err != nil {
		log.Printf("device at %#x: mmio error at offset %#x: %v", h.Base(), off, err)
	}
}

func (t *Table) logUnmappedOnce(pc, gpa uint64, isWrite bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.diagOnce[pc] {
		return
	}

	t.diagOnce[pc] = true

	dir := "read"
	if isWrite {
		dir = "write"
	}

	log.Printf("unmapped mmio %s at gpa %#x (pc %#x)", dir, gpa, pc)
}

// Len reports how many devices are installed.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
