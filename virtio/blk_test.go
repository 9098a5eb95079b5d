package virtio_test

import (
	"context"
	"encoding/binary"
	"os"
	"testing"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/memmap"
	"github.com/bobuhiro11/govmm/virtio"
)

const (
	testDescBase  = 0x100
	testAvailBase = 0x200
	testUsedBase  = 0x300
)

func TestBlockReadRequest(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp("", "govmm-blk-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())

	sectorData := make([]byte, 512)
	for i := range sectorData {
		sectorData[i] = byte(i)
	}
	if _, err := f.WriteAt(sectorData, 512); err != nil { // sector 1
		t.Fatal(err)
	}

	blk, err := virtio.NewBlock(f)
	if err != nil {
		t.Fatal(err)
	}

	mem := newTestMem(t)
	q := newTestQueue(4)

	const hdrAddr, dataAddr, statusAddr = 0x1000, 0x2000, 0x2300

	writeDescriptor(t, mem, 0, hdrAddr, 16, false, true, 1)
	writeBlkHeader(t, mem, hdrAddr, 0 /* read */, 1 /* sector */)
	writeDescriptor(t, mem, 1, dataAddr, 512, true, true, 2)
	writeDescriptor(t, mem, 2, statusAddr, 1, true, false, 0)
	pushAvail(t, mem, 0)

	if err := blk.Notify(q, mem); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 512)
	if err := mem.Read(dataAddr, got); err != nil {
		t.Fatal(err)
	}

	for i := range got {
		if got[i] != sectorData[i] {
			t.Fatalf("data[%d]: got %#x, want %#x", i, got[i], sectorData[i])
		}
	}

	var status [1]byte
	if err := mem.Read(statusAddr, status[:]); err != nil {
		t.Fatal(err)
	}
	if status[0] != 0 {
		t.Fatalf("status byte: got %d, want 0 (OK)", status[0])
	}
}

// --- shared test scaffolding for the virtio package ---

type fakeVM struct{ backend.VMHandleBase }

type fakeBackend struct {
	mapped []backend.MemSlot
}

func (f *fakeBackend) Init() error    { return nil }
func (f *fakeBackend) Cleanup() error { return nil }

func (f *fakeBackend) CreateVM() (backend.VMHandle, error) { return &fakeVM{}, nil }
func (f *fakeBackend) DestroyVM(backend.VMHandle) error    { return nil }

func (f *fakeBackend) CreateVCPU(backend.VMHandle, int) (backend.VCPUHandle, error) {
	return nil, nil
}
func (f *fakeBackend) DestroyVCPU(backend.VCPUHandle) error { return nil }

func (f *fakeBackend) MapMem(_ backend.VMHandle, slot backend.MemSlot) error {
	f.mapped = append(f.mapped, slot)
	return nil
}
func (f *fakeBackend) UnmapMem(backend.VMHandle, uint32) error { return nil }

func (f *fakeBackend) Run(context.Context, backend.VCPUHandle) error { return nil }

func (f *fakeBackend) GetExit(backend.VCPUHandle) (backend.ExitInfo, error) {
	return backend.ExitInfo{}, nil
}
func (f *fakeBackend) GetRegs(backend.VCPUHandle) (backend.RegBundle, error) {
	return backend.RegBundle{}, nil
}
func (f *fakeBackend) SetRegs(backend.VCPUHandle, backend.RegBundle) error { return nil }
func (f *fakeBackend) GetSregs(backend.VCPUHandle) (backend.RegBundle, error) {
	return backend.RegBundle{}, nil
}
func (f *fakeBackend) SetSregs(backend.VCPUHandle, backend.RegBundle) error { return nil }
func (f *fakeBackend) RequestExit(backend.VCPUHandle) error                { return nil }
func (f *fakeBackend) IRQLine(backend.VMHandle, uint32, bool) error        { return nil }
func (f *fakeBackend) ThreadLocalVCPU() bool                               { return false }

var _ backend.Backend = (*fakeBackend)(nil)

// newTestMem builds a memmap.Map backed by a fakeBackend with one large
// region, enough room for the fixed ring offsets above plus test data
// placed at 0x1000 and beyond.
func newTestMem(t *testing.T) *memmap.Map {
	t.Helper()

	be := &fakeBackend{}
	mem := memmap.New(be, &fakeVM{})
	if _, err := mem.AddRegion(0, 0x10000, backend.MemRead|backend.MemWrite); err != nil {
		t.Fatal(err)
	}

	return mem
}

// newTestQueue returns a *virtio.Queue already marked ready and pointed
// at the fixed desc/avail/used offsets the helpers below write to.
func newTestQueue(size uint32) *virtio.Queue {
	q := &virtio.Queue{Size: size}
	q.SetAddrs(testDescBase, testAvailBase, testUsedBase)
	q.Ready = true

	return q
}

func writeDescriptor(t *testing.T, mem *memmap.Map, idx uint16, addr uint64, length uint32, isWrite, hasNext bool, next uint16) {
	t.Helper()

	var flags uint16
	if isWrite {
		flags |= 1 << 1
	}
	if hasNext {
		flags |= 1 << 0
	}

	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)

	if err := mem.Write(testDescBase+uint64(idx)*16, buf); err != nil {
		t.Fatal(err)
	}
}

func writeBlkHeader(t *testing.T, mem *memmap.Map, gpa uint64, reqType uint32, sector uint64) {
	t.Helper()

	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], reqType)
	binary.LittleEndian.PutUint64(buf[8:16], sector)

	if err := mem.Write(gpa, buf); err != nil {
		t.Fatal(err)
	}
}

func pushAvail(t *testing.T, mem *memmap.Map, head uint16) {
	t.Helper()

	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[2:4], 1)
	if err := mem.Write(testAvailBase, hdr[:]); err != nil {
		t.Fatal(err)
	}

	var ring [2]byte
	binary.LittleEndian.PutUint16(ring[:], head)
	if err := mem.Write(testAvailBase+4, ring[:]); err != nil {
		t.Fatal(err)
	}
}
