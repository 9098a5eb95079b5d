// Package vcpu is the per-vCPU execution loop: the state machine of
// spec.md §4.5, generalized from the teacher's x86-only
// machine.go RunOnce/RunInfiniteLoop (a switch over kvm.EXITHLT/EXITIO/
// EXITINTR/EXITUNKNOWN) and vmm/vmm.go's Boot trace-stepping loop onto
// the full backend.ExitKind taxonomy so the same loop body runs over
// either the Linux KVM or Apple Hypervisor.framework backend.
package vcpu

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync/atomic"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/device"
	"github.com/bobuhiro11/govmm/vmmerr"
)

// State is the vCPU lifecycle state of spec.md §4.5.
type State int32

const (
	Stopped State = iota
	Running
	Waiting
	Error
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Error:
		return "error"
	default:
		return "stopped"
	}
}

// safetyBoundIterations is the "large, constant number" spec.md §4.5
// requires for the same-PC/same-GPA safety bound; chosen well above any
// legitimate burst of repeated traps to the same device register.
const safetyBoundIterations = 100000

// IOPort is one I/O-port-space device, the x86/KVM-only analogue of
// device.Handler for ExitIO rather than ExitMMIO.
type IOPort interface {
	IOPort() uint64
	Size() uint64
	In(port uint64, data []byte) error
	Out(port uint64, data []byte) error
}

// IOPortTable is an ordered, first-match port router, mirroring
// device.Table's dispatch rule but for x86 I/O space.
type IOPortTable struct {
	entries []IOPort
}

func NewIOPortTable() *IOPortTable { return &IOPortTable{} }

func (t *IOPortTable) Add(h IOPort) { t.entries = append(t.entries, h) }

func (t *IOPortTable) find(port uint64) IOPort {
	for _, e := range t.entries {
		if port >= e.IOPort() && port < e.IOPort()+e.Size() {
			return e
		}
	}

	return nil
}

// Dispatch routes a well-known port to its device, or logs and ignores
// an unrecognized one per spec.md §4.5's loop-body table.
func (t *IOPortTable) Dispatch(port uint64, dir backend.IODirection, data []byte) {
	h := t.find(port)
	if h == nil {
		log.Printf("unhandled io port %#x", port)
		return
	}

	var err error
	if dir == backend.DirIn {
		err = h.In(port, data)
	} else {
		err = h.Out(port, data)
	}

	if err != nil {
		log.Printf("io port %#x: %v", port, err)
	}
}

// VCPU drives one guest CPU's Stopped->Running->Stopped lifecycle. Its
// backend handle is created at the top of Run, inside the OS thread that
// will run it for its whole lifetime, satisfying ThreadLocalVCPU on
// backends that require this (spec.md §5, §9).
type VCPU struct {
	be      backend.Backend
	vm      backend.VMHandle
	index   int
	devices *device.Table
	ports   *IOPortTable

	initRegs backend.RegBundle

	handle backend.VCPUHandle

	state      int32 // atomic State
	stopFlag   int32 // atomic bool
	totalExits uint64
	haltCount  uint64

	lastPC       uint64
	lastFaultGPA uint64
	sameCount    int

	// FailEntryCode is populated when Run stops on a fail-entry exit.
	FailEntryCode uint64
}

func New(be backend.Backend, vm backend.VMHandle, index int, devices *device.Table, ports *IOPortTable, initRegs backend.RegBundle) *VCPU {
	return &VCPU{
		be:       be,
		vm:       vm,
		index:    index,
		devices:  devices,
		ports:    ports,
		initRegs: initRegs,
		state:    int32(Stopped),
	}
}

func (v *VCPU) State() State { return State(atomic.LoadInt32(&v.state)) }

func (v *VCPU) TotalExits() uint64 { return atomic.LoadUint64(&v.totalExits) }

func (v *VCPU) HaltCount() uint64 { return atomic.LoadUint64(&v.haltCount) }

// Stop asks the vCPU to leave guest mode as soon as possible. Safe to
// call from any goroutine, any number of times.
func (v *VCPU) Stop() {
	atomic.StoreInt32(&v.stopFlag, 1)

	if v.handle != nil {
		_ = v.be.RequestExit(v.handle)
	}
}

func (v *VCPU) stopRequested() bool { return atomic.LoadInt32(&v.stopFlag) != 0 }

// Run is the loop body of spec.md §4.5: it owns the vCPU's OS thread for
// its entire lifetime, creating the backend vCPU object, installing the
// initial register state, then looping Run/GetExit/dispatch until a
// terminal condition.
func (v *VCPU) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	handle, err := v.be.CreateVCPU(v.vm, v.index)
	if err != nil {
		atomic.StoreInt32(&v.state, int32(Error))
		return vmmerr.Wrap(vmmerr.BackendFailure, "create vcpu", err)
	}
	v.handle = handle
	defer v.be.DestroyVCPU(handle)

	if err := v.be.SetRegs(handle, v.initRegs); err != nil {
		atomic.StoreInt32(&v.state, int32(Error))
		return vmmerr.Wrap(vmmerr.BackendFailure, "set initial registers", err)
	}

	atomic.StoreInt32(&v.state, int32(Running))

	for {
		if v.stopRequested() {
			atomic.StoreInt32(&v.state, int32(Stopped))
			return nil
		}

		if err := v.be.Run(ctx, handle); err != nil {
			if vmmerr.Is(err, vmmerr.Interrupted) {
				continue
			}
			atomic.StoreInt32(&v.state, int32(Error))
			return err
		}

		exit, err := v.be.GetExit(handle)
		if err != nil {
			atomic.StoreInt32(&v.state, int32(Error))
			return vmmerr.Wrap(vmmerr.BackendFailure, "get exit", err)
		}

		atomic.AddUint64(&v.totalExits, 1)

		stop, err := v.dispatch(handle, exit)
		if err != nil {
			atomic.StoreInt32(&v.state, int32(Error))
			return err
		}
		if stop {
			atomic.StoreInt32(&v.state, int32(Stopped))
			return nil
		}
	}
}

func (v *VCPU) dispatch(handle backend.VCPUHandle, exit backend.ExitInfo) (stop bool, err error) {
	switch exit.Kind {
	case backend.ExitHalt:
		atomic.AddUint64(&v.haltCount, 1)
		return true, nil

	case backend.ExitIO:
		if v.ports != nil {
			v.ports.Dispatch(uint64(exit.Port), exit.Dir, exit.IOData[:exit.IOWidth])
		}
		return false, nil

	case backend.ExitMMIO:
		if err := v.checkSafetyBound(handle, exit.GPA); err != nil {
			return true, err
		}

		data := exit.MMIOData[:exit.MMIOWidth]
		if v.devices != nil {
			v.devices.Dispatch(exit.GPA, exit.IsWrite, data, v.currentPC(handle))
		}
		return false, nil

	case backend.ExitExternal, backend.ExitVirtualTimer:
		return false, nil

	case backend.ExitShutdown:
		return true, nil

	case backend.ExitFailEntry:
		v.FailEntryCode = exit.FailEntryCode
		return true, vmmerr.New(vmmerr.GuestFault, fmt.Sprintf("fail-entry, code=%#x", exit.FailEntryCode))

	case backend.ExitException:
		// Without syndrome information good enough to classify the trap
		// as recoverable, this backend's exception exits are treated as
		// fatal, per spec.md §4.5's "for fatal classes, set stop flag".
		return true, vmmerr.New(vmmerr.GuestFault,
			fmt.Sprintf("unclassified exception, syndrome=%#x fault_addr=%#x", exit.SyndromeCode, exit.FaultAddr))

	case backend.ExitCanceled:
		return true, nil

	case backend.ExitUnknown:
		return true, vmmerr.New(vmmerr.GuestFault, fmt.Sprintf("unknown exit, tag=%q", exit.Tag))

	default:
		return false, nil
	}
}

func (v *VCPU) currentPC(handle backend.VCPUHandle) uint64 {
	regs, err := v.be.GetRegs(handle)
	if err != nil {
		return 0
	}

	if regs.X86.RIP != 0 {
		return regs.X86.RIP
	}

	return regs.ARM64.PC
}

// checkSafetyBound implements spec.md §4.5's "large, constant number of
// exits without forward progress" guard: same PC and same faulting GPA
// for safetyBoundIterations consecutive MMIO exits means the backend or
// device is spinning and the vCPU must stop rather than loop forever.
func (v *VCPU) checkSafetyBound(handle backend.VCPUHandle, gpa uint64) error {
	pc := v.currentPC(handle)

	if pc == v.lastPC && gpa == v.lastFaultGPA {
		v.sameCount++
	} else {
		v.lastPC = pc
		v.lastFaultGPA = gpa
		v.sameCount = 0
	}

	if v.sameCount >= safetyBoundIterations {
		return vmmerr.New(vmmerr.GuestFault,
			fmt.Sprintf("no forward progress: %d consecutive exits at pc=%#x gpa=%#x", v.sameCount, pc, gpa))
	}

	return nil
}
