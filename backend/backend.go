// Package backend defines the uniform capability set that every concrete
// hypervisor implementation (Linux KVM, Apple Hypervisor.framework) must
// provide. The rest of the VMM — memmap, device, vcpu, vm — talks only to
// this interface, never to a platform ioctl or cgo call directly.
package backend

import "context"

// MemPerm is a bitset of guest memory access permissions for a mapped slot.
type MemPerm uint

const (
	MemRead MemPerm = 1 << iota
	MemWrite
	MemExec
	// MemLogDirty requests dirty-page tracking for the slot. The core spec
	// does not require consumers to read the dirty bitmap (that belongs to
	// live migration, a Non-goal), but backends must accept the flag.
	MemLogDirty
)

// MemSlot describes one contiguous GPA->HVA mapping to install or remove.
type MemSlot struct {
	Slot  uint32 // backend-assigned index, dense in the backend's own space
	GPA   uint64 // guest physical base, page-aligned
	HVA   uintptr
	Size  uint64
	Perms MemPerm
}

// ExitKind discriminates the variants of ExitInfo in a platform-neutral way.
type ExitKind int

const (
	ExitUnknown ExitKind = iota
	ExitIO
	ExitMMIO
	ExitHalt
	ExitExternal
	ExitFailEntry
	ExitShutdown
	ExitException
	ExitCanceled
	ExitVirtualTimer
	ExitOther
)

func (k ExitKind) String() string {
	switch k {
	case ExitIO:
		return "io"
	case ExitMMIO:
		return "mmio"
	case ExitHalt:
		return "halt"
	case ExitExternal:
		return "external"
	case ExitFailEntry:
		return "fail-entry"
	case ExitShutdown:
		return "shutdown"
	case ExitException:
		return "exception"
	case ExitCanceled:
		return "canceled"
	case ExitVirtualTimer:
		return "virtual-timer"
	case ExitOther:
		return "other"
	default:
		return "unknown"
	}
}

// IODirection distinguishes guest-in (port read) from guest-out (port write).
type IODirection int

const (
	DirIn IODirection = iota
	DirOut
)

// ExitInfo is the portable exit descriptor produced after Run returns.
// Only the fields relevant to Kind are meaningful; see spec.md §3.
type ExitInfo struct {
	Kind ExitKind

	// ExitIO
	Port      uint16
	IOWidth   int
	Dir       IODirection
	IOData    [8]byte

	// ExitMMIO
	GPA        uint64
	MMIOWidth  int
	IsWrite    bool
	MMIOData   [8]byte
	InstrLen   int // bytes to advance PC past the trapping instruction, if backend requires it

	// ExitFailEntry
	FailEntryCode uint64

	// ExitException
	SyndromeCode uint64
	FaultAddr    uint64

	// Diagnostics: architecture-specific trap tag for "Other", unknown counting, etc.
	Tag string
}

// RegsX86 and RegsARM64 are carried inside RegBundle; a backend populates
// only the half relevant to its own architecture and leaves the rest zeroed.
// Callers must not read fields belonging to the other architecture.
type RegsX86 struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

type SregsX86 struct {
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	CSBase, CSLimit         uint64
	CSSelector              uint16
}

type RegsARM64 struct {
	X    [31]uint64
	SP   uint64
	PC   uint64
	CPSR uint64
}

// RegBundle is the union-shaped register set of spec.md §4.1.
type RegBundle struct {
	X86   RegsX86
	SX86  SregsX86
	ARM64 RegsARM64
}

// VMHandle and VCPUHandle are opaque to everything outside a backend
// implementation. They may carry a file descriptor (Linux) or be empty
// (Darwin, where the Hypervisor.framework has no descriptor concept).
type VMHandle interface{ isVMHandle() }
type VCPUHandle interface{ isVCPUHandle() }

// VMHandleBase and VCPUHandleBase are embedded by concrete VMHandle/VCPUHandle
// implementations (in backend implementations and in tests across packages)
// to satisfy the unexported marker methods above across package boundaries.
type VMHandleBase struct{}

func (VMHandleBase) isVMHandle() {}

type VCPUHandleBase struct{}

func (VCPUHandleBase) isVCPUHandle() {}

// Backend is the capability set of spec.md §4.1. Exactly one implementation
// is linked in per GOOS/GOARCH via build tags; cmd/govmm's newBackend
// returns it.
type Backend interface {
	// Init performs one-shot process-wide bring-up and privilege probing.
	Init() error
	// Cleanup releases process-wide resources acquired by Init.
	Cleanup() error

	CreateVM() (VMHandle, error)
	DestroyVM(VMHandle) error

	// CreateVCPU constructs a backend vCPU. On backends where the vCPU
	// object is bound to the creating thread (see ThreadLocalVCPU), the
	// caller must invoke CreateVCPU from inside the vCPU's own goroutine,
	// pinned with runtime.LockOSThread, before the first Run.
	CreateVCPU(vm VMHandle, index int) (VCPUHandle, error)
	DestroyVCPU(VCPUHandle) error

	MapMem(vm VMHandle, slot MemSlot) error
	UnmapMem(vm VMHandle, slotIndex uint32) error

	// Run enters guest mode until an exit condition or async cancel.
	// ctx is consulted only at call boundaries; backends that cannot be
	// interrupted mid-Run rely on RequestExit instead.
	Run(ctx context.Context, vcpu VCPUHandle) error

	GetExit(vcpu VCPUHandle) (ExitInfo, error)

	GetRegs(vcpu VCPUHandle) (RegBundle, error)
	SetRegs(vcpu VCPUHandle, regs RegBundle) error
	GetSregs(vcpu VCPUHandle) (RegBundle, error)
	SetSregs(vcpu VCPUHandle, regs RegBundle) error

	// RequestExit asks a running vCPU to leave guest mode as soon as
	// possible; safe to call from any goroutine.
	RequestExit(vcpu VCPUHandle) error

	// IRQLine asserts or deasserts a level-triggered line; a no-op on
	// backends without a line-based interrupt controller.
	IRQLine(vm VMHandle, irq uint32, level bool) error

	// ThreadLocalVCPU reports whether CreateVCPU/SetRegs for the initial
	// PC must run inside the vCPU's own OS thread (spec.md §5, §9).
	ThreadLocalVCPU() bool
}
