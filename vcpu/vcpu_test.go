package vcpu_test

import (
	"context"
	"testing"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/device"
	"github.com/bobuhiro11/govmm/vcpu"
)

type fakeVM struct{ backend.VMHandleBase }

type fakeVCPU struct{ backend.VCPUHandleBase }

// scriptedBackend replays a fixed sequence of ExitInfo values from
// GetExit, one per call, holding on the last entry once exhausted.
type scriptedBackend struct {
	exits   []backend.ExitInfo
	pos     int
	regs    backend.RegBundle
	runErrs []error
	runPos  int
}

func (b *scriptedBackend) Init() error    { return nil }
func (b *scriptedBackend) Cleanup() error { return nil }

func (b *scriptedBackend) CreateVM() (backend.VMHandle, error) { return &fakeVM{}, nil }
func (b *scriptedBackend) DestroyVM(backend.VMHandle) error    { return nil }

func (b *scriptedBackend) CreateVCPU(backend.VMHandle, int) (backend.VCPUHandle, error) {
	return &fakeVCPU{}, nil
}
func (b *scriptedBackend) DestroyVCPU(backend.VCPUHandle) error { return nil }

func (b *scriptedBackend) MapMem(backend.VMHandle, backend.MemSlot) error   { return nil }
func (b *scriptedBackend) UnmapMem(backend.VMHandle, uint32) error         { return nil }

func (b *scriptedBackend) Run(context.Context, backend.VCPUHandle) error {
	if b.runPos < len(b.runErrs) {
		err := b.runErrs[b.runPos]
		b.runPos++
		return err
	}

	return nil
}

func (b *scriptedBackend) GetExit(backend.VCPUHandle) (backend.ExitInfo, error) {
	if len(b.exits) == 0 {
		return backend.ExitInfo{Kind: backend.ExitHalt}, nil
	}

	if b.pos >= len(b.exits) {
		return b.exits[len(b.exits)-1], nil
	}

	e := b.exits[b.pos]
	b.pos++

	return e, nil
}

func (b *scriptedBackend) GetRegs(backend.VCPUHandle) (backend.RegBundle, error) { return b.regs, nil }
func (b *scriptedBackend) SetRegs(backend.VCPUHandle, backend.RegBundle) error   { return nil }
func (b *scriptedBackend) GetSregs(backend.VCPUHandle) (backend.RegBundle, error) {
	return backend.RegBundle{}, nil
}
func (b *scriptedBackend) SetSregs(backend.VCPUHandle, backend.RegBundle) error { return nil }
func (b *scriptedBackend) RequestExit(backend.VCPUHandle) error                { return nil }
func (b *scriptedBackend) IRQLine(backend.VMHandle, uint32, bool) error        { return nil }
func (b *scriptedBackend) ThreadLocalVCPU() bool                              { return true }

var _ backend.Backend = (*scriptedBackend)(nil)

type fakeDevice struct {
	base    uint64
	size    uint64
	writes  [][]byte
}

func (d *fakeDevice) Base() uint64 { return d.base }
func (d *fakeDevice) Size() uint64 { return d.size }

func (d *fakeDevice) Read(offset uint64, data []byte) error { return nil }

func (d *fakeDevice) Write(offset uint64, data []byte) error {
	cp := append([]byte{}, data...)
	d.writes = append(d.writes, cp)
	return nil
}

var _ device.Handler = (*fakeDevice)(nil)

func TestRunHaltStops(t *testing.T) {
	t.Parallel()

	be := &scriptedBackend{exits: []backend.ExitInfo{{Kind: backend.ExitHalt}}}
	v := vcpu.New(be, &fakeVM{}, 0, nil, nil, backend.RegBundle{})

	if err := v.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if v.State() != vcpu.Stopped {
		t.Fatalf("state = %v, want Stopped", v.State())
	}
	if v.HaltCount() != 1 {
		t.Fatalf("HaltCount = %d, want 1", v.HaltCount())
	}
	if v.TotalExits() != 1 {
		t.Fatalf("TotalExits = %d, want 1", v.TotalExits())
	}
}

func TestRunDispatchesMMIOToDevice(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{base: 0x1000, size: 0x100}
	table := device.NewTable()
	if err := table.Add(dev); err != nil {
		t.Fatal(err)
	}

	be := &scriptedBackend{
		exits: []backend.ExitInfo{
			{Kind: backend.ExitMMIO, GPA: 0x1004, IsWrite: true, MMIOWidth: 4},
			{Kind: backend.ExitHalt},
		},
	}

	v := vcpu.New(be, &fakeVM{}, 0, table, nil, backend.RegBundle{})
	if err := v.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(dev.writes) != 1 {
		t.Fatalf("device saw %d writes, want 1", len(dev.writes))
	}
}

func TestRunDispatchesIOPort(t *testing.T) {
	t.Parallel()

	seen := make(chan struct{}, 1)
	ports := vcpu.NewIOPortTable()
	ports.Add(&fakeIOPort{port: 0x3f8, size: 1, onOut: func() { seen <- struct{}{} }})

	be := &scriptedBackend{
		exits: []backend.ExitInfo{
			{Kind: backend.ExitIO, Port: 0x3f8, IOWidth: 1, Dir: backend.DirOut},
			{Kind: backend.ExitHalt},
		},
	}

	v := vcpu.New(be, &fakeVM{}, 0, nil, ports, backend.RegBundle{})
	if err := v.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-seen:
	default:
		t.Fatal("io port handler was not invoked")
	}
}

type fakeIOPort struct {
	port  uint64
	size  uint64
	onOut func()
}

func (p *fakeIOPort) IOPort() uint64 { return p.port }
func (p *fakeIOPort) Size() uint64   { return p.size }

func (p *fakeIOPort) In(port uint64, data []byte) error { return nil }

func (p *fakeIOPort) Out(port uint64, data []byte) error {
	if p.onOut != nil {
		p.onOut()
	}
	return nil
}

// TestSafetyBoundTerminatesRunawayLoop exercises spec.md §4.5's
// requirement that a vCPU exiting at the same PC and GPA forever is
// forcibly stopped rather than looped on forever.
func TestSafetyBoundTerminatesRunawayLoop(t *testing.T) {
	t.Parallel()

	be := &scriptedBackend{
		exits: []backend.ExitInfo{{Kind: backend.ExitMMIO, GPA: 0x2000, IsWrite: false, MMIOWidth: 4}},
	}

	v := vcpu.New(be, &fakeVM{}, 0, device.NewTable(), nil, backend.RegBundle{})

	err := v.Run(context.Background())
	if err == nil {
		t.Fatal("expected safety-bound error, got nil")
	}
	if v.State() != vcpu.Error {
		t.Fatalf("state = %v, want Error", v.State())
	}
}

func TestStopBeforeRunExitsImmediately(t *testing.T) {
	t.Parallel()

	be := &scriptedBackend{
		exits: []backend.ExitInfo{{Kind: backend.ExitMMIO, GPA: 0x2000}},
	}

	v := vcpu.New(be, &fakeVM{}, 0, device.NewTable(), nil, backend.RegBundle{})
	v.Stop()

	if err := v.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v.State() != vcpu.Stopped {
		t.Fatalf("state = %v, want Stopped", v.State())
	}
}
