package loader

import (
	"context"
	"os"
	"testing"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/memmap"
)

type fakeVM struct{ backend.VMHandleBase }

type fakeBackend struct{}

func (f *fakeBackend) Init() error    { return nil }
func (f *fakeBackend) Cleanup() error { return nil }

func (f *fakeBackend) CreateVM() (backend.VMHandle, error) { return &fakeVM{}, nil }
func (f *fakeBackend) DestroyVM(backend.VMHandle) error    { return nil }

func (f *fakeBackend) CreateVCPU(backend.VMHandle, int) (backend.VCPUHandle, error) {
	return nil, nil
}
func (f *fakeBackend) DestroyVCPU(backend.VCPUHandle) error { return nil }

func (f *fakeBackend) MapMem(backend.VMHandle, backend.MemSlot) error { return nil }
func (f *fakeBackend) UnmapMem(backend.VMHandle, uint32) error        { return nil }

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
func (f *fakeBackend) ThreadLocalVCPU() bool                              { return false }

var _ backend.Backend = (*fakeBackend)(nil)

// sizeOfSetupHeader is the packed (no Go padding) byte size binary.Write
// produces for SetupHeader, verified by hand against its field list.
const sizeOfSetupHeader = 123

// buildFakeBzImage writes a minimal, valid-enough bzImage: 512 bytes of
// real-mode boot sector (unread by this loader), followed by the
// setup_header at 0x1F1 with a valid magic and SetupSects, followed by
// a recognizable payload for the "32-bit kernel" portion.
func buildFakeBzImage(t *testing.T, setupSects uint8, payload []byte) string {
	t.Helper()

	buf := make([]byte, setupHeaderAt+sizeOfSetupHeader)
	buf[setupHeaderAt+0] = setupSects                      // SetupSects
	magic := uint32(setupHeaderMagic)
	buf[setupHeaderAt+17] = byte(magic)         // Header (LE uint32)
	buf[setupHeaderAt+18] = byte(magic >> 8)
	buf[setupHeaderAt+19] = byte(magic >> 16)
	buf[setupHeaderAt+20] = byte(magic >> 24)

	sects := int(setupSects)
	if sects == 0 {
		sects = 4 // boot protocol: setup_sects 0 means 4
	}
	offset := (sects + 1) * 512
	for len(buf) < offset+len(payload) {
		buf = append(buf, 0)
	}
	copy(buf[offset:], payload)

	f, err := os.CreateTemp(t.TempDir(), "bzImage-*")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	return f.Name()
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "govmm-loader-*")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	return f.Name()
}

func newBigMem(t *testing.T) *memmap.Map {
	t.Helper()

	mem := memmap.New(&fakeBackend{}, &fakeVM{})
	if _, err := mem.AddRegion(0, 0x10000000, backend.MemRead|backend.MemWrite); err != nil {
		t.Fatal(err)
	}

	return mem
}

func TestReadSetupHeaderRejectsShortFile(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, []byte("too short"))
	if _, err := readSetupHeader(path); err == nil {
		t.Fatal("expected error for a file shorter than the setup_header offset")
	}
}

func TestReadSetupHeaderRejectsBadMagic(t *testing.T) {
	t.Parallel()

	buf := make([]byte, setupHeaderAt+sizeOfSetupHeader)
	path := writeTempFile(t, buf)

	if _, err := readSetupHeader(path); err == nil {
		t.Fatal("expected ErrNotBzImage for a zeroed header")
	}
}

func TestReadSetupHeaderParsesMagicAndSetupSects(t *testing.T) {
	t.Parallel()

	path := buildFakeBzImage(t, 4, []byte("kernel-payload"))

	hdr, err := readSetupHeader(path)
	if err != nil {
		t.Fatal(err)
	}

	if hdr.SetupSects != 4 {
		t.Fatalf("SetupSects = %d, want 4", hdr.SetupSects)
	}
	if hdr.Header != setupHeaderMagic {
		t.Fatalf("Header = %#x, want %#x", hdr.Header, setupHeaderMagic)
	}
}

func TestBootParamsAddE820Entry(t *testing.T) {
	t.Parallel()

	bp := NewBootParams(make([]byte, sizeOfSetupHeader))
	bp.AddE820Entry(0x1234567812345678, 0xabcdefabcdefabcd, E820Ram)

	raw := bp.Bytes()
	if raw[e820EntriesAt] != 1 {
		t.Fatalf("e820 entry count = %d, want 1", raw[e820EntriesAt])
	}

	addr := uint64(0)
	for i := 0; i < 8; i++ {
		addr |= uint64(raw[e820TableAt+i]) << (8 * i)
	}
	if addr != 0x1234567812345678 {
		t.Fatalf("e820 entry addr = %#x, want %#x", addr, 0x1234567812345678)
	}
}

func TestLoadLinuxPlacesKernelInitrdAndBootParams(t *testing.T) {
	t.Parallel()

	payload := []byte("64-bit-kernel-bytes")
	kernelPath := buildFakeBzImage(t, 0, payload)
	initrdData := []byte("initrd-contents")
	initrdPath := writeTempFile(t, initrdData)

	mem := newBigMem(t)

	result, err := LoadLinux(mem, kernelPath, initrdPath, "console=ttyS0", 1<<30)
	if err != nil {
		t.Fatal(err)
	}

	if result.EntryPC != KernelAddr {
		t.Fatalf("EntryPC = %#x, want %#x", result.EntryPC, uint64(KernelAddr))
	}
	if result.BootParamGPA != BootParamAddr {
		t.Fatalf("BootParamGPA = %#x, want %#x", result.BootParamGPA, uint64(BootParamAddr))
	}

	gotInitrd := make([]byte, len(initrdData))
	if err := mem.Read(InitrdAddr, gotInitrd); err != nil {
		t.Fatal(err)
	}
	if string(gotInitrd) != string(initrdData) {
		t.Fatalf("initrd = %q, want %q", gotInitrd, initrdData)
	}

	gotKernel := make([]byte, len(payload))
	if err := mem.Read(KernelAddr, gotKernel); err != nil {
		t.Fatal(err)
	}
	if string(gotKernel) != string(payload) {
		t.Fatalf("kernel payload = %q, want %q", gotKernel, payload)
	}

	gotCmdline := make([]byte, len("console=ttyS0")+1)
	if err := mem.Read(CmdlineAddr, gotCmdline); err != nil {
		t.Fatal(err)
	}
	if string(gotCmdline[:len(gotCmdline)-1]) != "console=ttyS0" || gotCmdline[len(gotCmdline)-1] != 0 {
		t.Fatalf("cmdline = %q, want NUL-terminated %q", gotCmdline, "console=ttyS0")
	}

	regs := result.InitialRegs()
	if regs.X86.RIP != KernelAddr || regs.X86.RSI != BootParamAddr || regs.X86.RFLAGS != 2 {
		t.Fatalf("InitialRegs = %+v", regs)
	}
}

func TestLoadRawPlacesBytesAndReportsPC(t *testing.T) {
	t.Parallel()

	mem := memmap.New(&fakeBackend{}, &fakeVM{})
	if _, err := mem.AddRegion(0, 0x10000, backend.MemRead|backend.MemWrite); err != nil {
		t.Fatal(err)
	}

	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	path := writeTempFile(t, data)

	regs, err := LoadRaw(mem, path, 0x1000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	if regs.ARM64.PC != 0x1000 {
		t.Fatalf("PC = %#x, want %#x", regs.ARM64.PC, 0x1000)
	}

	got := make([]byte, len(data))
	if err := mem.Read(0x1000, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatalf("mem @1000 = %v, want %v", got, data)
	}
}
