// Package loader places guest-bootable bytes into a memmap.Map and
// returns the initial register state a vcpu.VCPU should start from: the
// raw-binary contract of spec.md §6 ("place bytes at GPA X and set
// initial PC"), plus a minimal Linux x86 boot-protocol loader grounded
// on the teacher's bootproto.go (the setup_header layout), ebda.go (the
// MP floating pointer table) and machine.go's LoadLinux (the e820
// layout and GPA map). The teacher's bootparam.BootParam, which combined
// setup_header with the e820 table, is not present in this retrieval
// pack (only its _test.go survives); its e820 bookkeeping is rebuilt
// here in BootParams rather than copied.
package loader

import (
	"encoding/binary"
)

// Linux's struct boot_params is 4096 bytes; e820_entries lives at offset
// 0x1E8 and the e820_table at 0x2D0, each entry 20 bytes
// (addr uint64, size uint64, type uint32) -- see
// https://www.kernel.org/doc/html/latest/x86/boot.html and
// bootparam_test.go's own direct offset checks of rawBootParam[0x1E8]
// and rawBootParam[0x2D0:].
const (
	bootParamsSize   = 4096
	setupHeaderAt    = 0x1F1
	e820EntriesAt    = 0x1E8
	e820TableAt      = 0x2D0
	e820EntrySize    = 20
	maxE820Entries   = 128
)

// E820Type classifies one BIOS memory-map entry.
type E820Type uint32

const (
	E820Ram      E820Type = 1
	E820Reserved E820Type = 2
)

// BootParams is the 4096-byte struct boot_params buffer: a setup_header
// spliced in at 0x1F1 plus an e820 table built up by AddE820Entry.
type BootParams struct {
	raw        [bootParamsSize]byte
	numEntries int
}

// NewBootParams splices the given setup_header bytes (bootproto.BootProto.Bytes())
// into a fresh boot_params buffer.
func NewBootParams(setupHeader []byte) *BootParams {
	b := &BootParams{}
	copy(b.raw[setupHeaderAt:], setupHeader)

	return b
}

// AddE820Entry appends one BIOS memory-map entry, per kvmtool's
// x86/bios.c convention machine.go's LoadLinux follows: LoadLinux marks
// low memory from the real-mode IVT up to the EBDA as usable RAM,
// reserves the EBDA and the legacy BIOS region, leaves the VGA/option-ROM
// hole out of the map, and marks memory from KernelAddr upward as RAM.
func (b *BootParams) AddE820Entry(addr, size uint64, typ E820Type) {
	if b.numEntries >= maxE820Entries {
		return
	}

	off := e820TableAt + b.numEntries*e820EntrySize
	binary.LittleEndian.PutUint64(b.raw[off:], addr)
	binary.LittleEndian.PutUint64(b.raw[off+8:], size)
	binary.LittleEndian.PutUint32(b.raw[off+16:], uint32(typ))

	b.numEntries++
	b.raw[e820EntriesAt] = byte(b.numEntries)
}

func (b *BootParams) Bytes() []byte { return b.raw[:] }

// LoadFlags bits the Linux boot protocol defines for setup_header.loadflags.
const (
	LoadFlagLoadedHigh   = 1 << 0
	LoadFlagKeepSegments = 1 << 6
	LoadFlagCanUseHeap   = 1 << 7
)
