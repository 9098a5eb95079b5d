//go:build linux

package kvmlinux

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/vmmerr"
)

// kvmRunData mirrors struct kvm_run's fixed header plus the union region
// used for EXIT_IO and EXIT_MMIO, exactly as the teacher's kvm.RunData does.
type kvmRunData struct {
	RequestInterruptWindow uint8
	_                      [7]uint8
	ExitReason             uint32
	ReadyForInterrupt      uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
	Data                   [32]uint64
}

const (
	exitUnknown   = 0
	exitException = 1
	exitIO        = 2
	exitHypercall = 3
	exitDebug     = 4
	exitHLT       = 5
	exitMMIO      = 6
	exitShutdown  = 8
	exitFailEntry = 9
	exitIntr      = 10
	exitInternal  = 17
)

type vmHandle struct {
	backend.VMHandleBase
	fd int
}

type vcpuHandle struct {
	backend.VCPUHandleBase
	fd      int
	run     *kvmRunData
	runSize int
	tid     int32 // OS thread id captured on first Run, for RequestExit
}

// Backend implements backend.Backend over /dev/kvm.
type Backend struct {
	devPath string
	kvmFd   int

	mu          sync.Mutex
	mmapSize    int
	haveMmapSz  bool
}

// New returns a Linux KVM backend bound to /dev/kvm. path overrides the
// device node, mainly for tests.
func New(path string) *Backend {
	if path == "" {
		path = "/dev/kvm"
	}

	return &Backend{devPath: path, kvmFd: -1}
}

func (b *Backend) Init() error {
	f, err := os.OpenFile(b.devPath, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return vmmerr.Wrap(vmmerr.Unavailable, "open "+b.devPath, err)
		}
		if os.IsPermission(err) {
			return vmmerr.Wrap(vmmerr.PermissionDenied, "open "+b.devPath, err)
		}

		return vmmerr.Wrap(vmmerr.BackendFailure, "open "+b.devPath, err)
	}

	b.kvmFd = int(f.Fd())

	ver, err := ioctlNoArg(b.kvmFd, kvmGetAPIVersion)
	if err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "KVM_GET_API_VERSION", err)
	}

	if ver != 12 {
		return vmmerr.New(vmmerr.Unavailable, fmt.Sprintf("unsupported kvm api version %d", ver))
	}

	sz, err := ioctlNoArg(b.kvmFd, kvmGetVCPUMMapSize)
	if err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "KVM_GET_VCPU_MMAP_SIZE", err)
	}

	b.mmapSize = int(sz)
	b.haveMmapSz = true

	return nil
}

func (b *Backend) Cleanup() error {
	if b.kvmFd >= 0 {
		err := unix.Close(b.kvmFd)
		b.kvmFd = -1

		return err
	}

	return nil
}

func (b *Backend) CreateVM() (backend.VMHandle, error) {
	fd, err := ioctlNoArg(b.kvmFd, kvmCreateVM)
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.BackendFailure, "KVM_CREATE_VM", err)
	}

	vmFd := int(fd)

	if runtime.GOARCH == "amd64" {
		if _, err := ioctlNoArg(vmFd, kvmSetTSSAddr); err != nil {
			return nil, vmmerr.Wrap(vmmerr.BackendFailure, "KVM_SET_TSS_ADDR", err)
		}

		var identityAddr uint64 = 0xffffd000
		if _, err := ioctlPtr(vmFd, kvmSetIdentityMapAddr, unsafe.Pointer(&identityAddr)); err != nil {
			return nil, vmmerr.Wrap(vmmerr.BackendFailure, "KVM_SET_IDENTITY_MAP_ADDR", err)
		}

		if _, err := ioctlNoArg(vmFd, kvmCreateIRQChip); err != nil {
			return nil, vmmerr.Wrap(vmmerr.BackendFailure, "KVM_CREATE_IRQCHIP", err)
		}

		var pit struct {
			Flags uint32
			_     [15]uint32
		}

		if _, err := ioctlPtr(vmFd, kvmCreatePIT2, unsafe.Pointer(&pit)); err != nil {
			return nil, vmmerr.Wrap(vmmerr.BackendFailure, "KVM_CREATE_PIT2", err)
		}
	}

	return &vmHandle{fd: vmFd}, nil
}

func (b *Backend) DestroyVM(vm backend.VMHandle) error {
	h := vm.(*vmHandle)

	return unix.Close(h.fd)
}

func (b *Backend) CreateVCPU(vm backend.VMHandle, index int) (backend.VCPUHandle, error) {
	vmh := vm.(*vmHandle)

	fd, err := ioctl(vmh.fd, kvmCreateVCPU, uintptr(index))
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.BackendFailure, "KVM_CREATE_VCPU", err)
	}

	vcpuFd := int(fd)

	mem, err := unix.Mmap(vcpuFd, 0, b.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.BackendFailure, "mmap kvm_run", err)
	}

	return &vcpuHandle{
		fd:      vcpuFd,
		run:     (*kvmRunData)(unsafe.Pointer(&mem[0])),
		runSize: b.mmapSize,
	}, nil
}

func (b *Backend) DestroyVCPU(vcpu backend.VCPUHandle) error {
	h := vcpu.(*vcpuHandle)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(h.run)), h.runSize)

	if err := unix.Munmap(mem); err != nil {
		return err
	}

	return unix.Close(h.fd)
}

func (b *Backend) MapMem(vm backend.VMHandle, slot backend.MemSlot) error {
	vmh := vm.(*vmHandle)

	var flags uint32
	if slot.Perms&backend.MemWrite == 0 {
		flags |= 1 << 1 // KVM_MEM_READONLY
	}

	if slot.Perms&backend.MemLogDirty != 0 {
		flags |= 1 << 0 // KVM_MEM_LOG_DIRTY_PAGES
	}

	region := struct {
		Slot          uint32
		Flags         uint32
		GuestPhysAddr uint64
		MemorySize    uint64
		UserspaceAddr uint64
	}{
		Slot:          slot.Slot,
		Flags:         flags,
		GuestPhysAddr: slot.GPA,
		MemorySize:    slot.Size,
		UserspaceAddr: uint64(slot.HVA),
	}

	if _, err := ioctlPtr(vmh.fd, kvmSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "KVM_SET_USER_MEMORY_REGION", err)
	}

	return nil
}

func (b *Backend) UnmapMem(vm backend.VMHandle, slotIndex uint32) error {
	vmh := vm.(*vmHandle)

	region := struct {
		Slot          uint32
		Flags         uint32
		GuestPhysAddr uint64
		MemorySize    uint64
		UserspaceAddr uint64
	}{Slot: slotIndex}

	if _, err := ioctlPtr(vmh.fd, kvmSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "KVM_SET_USER_MEMORY_REGION unmap", err)
	}

	return nil
}

func (b *Backend) Run(ctx context.Context, vcpu backend.VCPUHandle) error {
	h := vcpu.(*vcpuHandle)
	h.tid = int32(unix.Gettid())

	_, err := ioctlNoArg(h.fd, kvmRun)
	if err != nil {
		if err == unix.EINTR {
			return vmmerr.New(vmmerr.Interrupted, "KVM_RUN interrupted")
		}

		return vmmerr.Wrap(vmmerr.BackendFailure, "KVM_RUN", err)
	}

	return nil
}

func (b *Backend) GetExit(vcpu backend.VCPUHandle) (backend.ExitInfo, error) {
	h := vcpu.(*vcpuHandle)
	run := h.run

	info := backend.ExitInfo{}

	switch run.ExitReason {
	case exitHLT:
		info.Kind = backend.ExitHalt
	case exitIO:
		direction := run.Data[0] & 0xFF
		size := (run.Data[0] >> 8) & 0xFF
		port := (run.Data[0] >> 16) & 0xFFFF
		offset := run.Data[1]

		info.Kind = backend.ExitIO
		info.Port = uint16(port)
		info.IOWidth = int(size)

		if direction == 0 {
			info.Dir = backend.DirIn
		} else {
			info.Dir = backend.DirOut
		}

		base := uintptr(unsafe.Pointer(run)) + uintptr(offset)
		src := unsafe.Slice((*byte)(unsafe.Pointer(base)), 8)
		copy(info.IOData[:], src)
	case exitMMIO:
		// kvm_run.mmio: { phys_addr u64; data [8]u8; len u32; is_write u8 }
		phys := *(*uint64)(unsafe.Pointer(&run.Data[0]))
		data := *(*[8]byte)(unsafe.Pointer(&run.Data[1]))
		lenAndWrite := *(*uint64)(unsafe.Pointer(&run.Data[2]))

		info.Kind = backend.ExitMMIO
		info.GPA = phys
		info.MMIOData = data
		info.MMIOWidth = int(lenAndWrite & 0xFFFFFFFF)
		info.IsWrite = (lenAndWrite>>32)&0xFF != 0
	case exitShutdown:
		info.Kind = backend.ExitShutdown
	case exitFailEntry:
		info.Kind = backend.ExitFailEntry
		info.FailEntryCode = run.Data[0]
	case exitIntr:
		info.Kind = backend.ExitExternal
	case exitException:
		info.Kind = backend.ExitException
	case exitInternal:
		info.Kind = backend.ExitOther
		info.Tag = "internal-error"
	case exitUnknown:
		info.Kind = backend.ExitUnknown
	default:
		info.Kind = backend.ExitOther
		info.Tag = fmt.Sprintf("reason-%d", run.ExitReason)
	}

	return info, nil
}

func (b *Backend) GetRegs(vcpu backend.VCPUHandle) (backend.RegBundle, error) {
	h := vcpu.(*vcpuHandle)

	var r backend.RegsX86

	if _, err := ioctlPtr(h.fd, kvmGetRegs, unsafe.Pointer(&r)); err != nil {
		return backend.RegBundle{}, vmmerr.Wrap(vmmerr.BackendFailure, "KVM_GET_REGS", err)
	}

	return backend.RegBundle{X86: r}, nil
}

func (b *Backend) SetRegs(vcpu backend.VCPUHandle, regs backend.RegBundle) error {
	h := vcpu.(*vcpuHandle)
	r := regs.X86

	if _, err := ioctlPtr(h.fd, kvmSetRegs, unsafe.Pointer(&r)); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "KVM_SET_REGS", err)
	}

	return nil
}

// sregsKVM mirrors struct kvm_sregs closely enough for the segment/control
// register fields this VMM cares about (flat-mode boot setup).
type segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

type descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

type sregsKVM struct {
	CS, DS, ES, FS, GS, SS, TR, LDT segment
	GDT, IDT                       descriptor
	CR0, CR2, CR3, CR4, CR8        uint64
	EFER                           uint64
	ApicBase                       uint64
	InterruptBitmap                [4]uint64
}

func (b *Backend) GetSregs(vcpu backend.VCPUHandle) (backend.RegBundle, error) {
	h := vcpu.(*vcpuHandle)

	var s sregsKVM

	if _, err := ioctlPtr(h.fd, kvmGetSregs, unsafe.Pointer(&s)); err != nil {
		return backend.RegBundle{}, vmmerr.Wrap(vmmerr.BackendFailure, "KVM_GET_SREGS", err)
	}

	return backend.RegBundle{SX86: backend.SregsX86{
		CR0: s.CR0, CR2: s.CR2, CR3: s.CR3, CR4: s.CR4, CR8: s.CR8,
		EFER: s.EFER, CSBase: s.CS.Base, CSLimit: uint64(s.CS.Limit), CSSelector: s.CS.Selector,
	}}, nil
}

func (b *Backend) SetSregs(vcpu backend.VCPUHandle, regs backend.RegBundle) error {
	h := vcpu.(*vcpuHandle)

	var s sregsKVM
	if _, err := ioctlPtr(h.fd, kvmGetSregs, unsafe.Pointer(&s)); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "KVM_GET_SREGS (pre-set)", err)
	}

	flat := func(seg *segment) {
		seg.Base, seg.Limit, seg.G = 0, 0xFFFFFFFF, 1
	}
	flat(&s.CS)
	flat(&s.DS)
	flat(&s.ES)
	flat(&s.FS)
	flat(&s.GS)
	flat(&s.SS)
	s.CS.DB, s.SS.DB = 1, 1
	s.CR0 = regs.SX86.CR0 | 1 // protected mode enable

	if _, err := ioctlPtr(h.fd, kvmSetSregs, unsafe.Pointer(&s)); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "KVM_SET_SREGS", err)
	}

	return nil
}

// RequestExit kicks the vCPU's OS thread with SIGURG, which KVM_RUN
// returns from as EINTR. SIGURG is chosen (as Go's own runtime preemption
// does) because it is otherwise unused by guest-facing code in this VMM.
func (b *Backend) RequestExit(vcpu backend.VCPUHandle) error {
	h := vcpu.(*vcpuHandle)

	if h.tid == 0 {
		return nil // vCPU has not entered Run yet; nothing to kick
	}

	return unix.Tgkill(unix.Getpid(), int(h.tid), unix.SIGURG)
}

func (b *Backend) IRQLine(vm backend.VMHandle, irq uint32, level bool) error {
	vmh := vm.(*vmHandle)

	lvl := uint32(0)
	if level {
		lvl = 1
	}

	irqLevel := struct {
		IRQ   uint32
		Level uint32
	}{IRQ: irq, Level: lvl}

	if _, err := ioctlPtr(vmh.fd, kvmIRQLine, unsafe.Pointer(&irqLevel)); err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "KVM_IRQ_LINE", err)
	}

	return nil
}

func (b *Backend) ThreadLocalVCPU() bool { return false }

var _ backend.Backend = (*Backend)(nil)
