// Package vm is the VM Controller of spec.md §4.6: it owns the memory
// map, device table, vCPU set, configuration and base IRQ number for one
// guest, and drives the stopped->running->stopped lifecycle. It is
// grounded on vmm/vmm.go's VMM struct (Init/Setup/Boot), generalized
// from a single global x86 *machine.Machine embedding into a
// backend-agnostic controller that builds the memory map and device
// table itself rather than delegating to a monolithic machine.New.
package vm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/device"
	"github.com/bobuhiro11/govmm/memmap"
	"github.com/bobuhiro11/govmm/vcpu"
	"github.com/bobuhiro11/govmm/vmmerr"
)

// MaxVCPUs bounds the vCPU set, per spec.md §3's VM aggregate.
const MaxVCPUs = 8

// State mirrors vcpu.State at the aggregate level.
type State int

const (
	StateStopped State = iota
	StateRunning
)

// Config carries the per-guest configuration the VM Controller itself
// needs: total guest RAM size, vCPU count and base IRQ. Kernel/initrd
// paths and the command line are not part of it; loading them is the
// loader package's job.
type Config struct {
	MemSize  uint64
	NCPUs    int
	BaseIRQ  uint32
}

// VM is the top-level aggregate of spec.md §3: a backend handle, a
// memory map, an ordered device table, a vCPU set, configuration and a
// base IRQ number for device allocation.
type VM struct {
	be  backend.Backend
	cfg Config

	mu      sync.Mutex
	state   State
	handle  backend.VMHandle
	mem     *memmap.Map
	devices *device.Table
	ports   *vcpu.IOPortTable
	signal  *device.Signal
	vcpus   []*vcpu.VCPU

	nextIRQ uint32
}

// New constructs a stopped VM. It does not touch the backend; call Init
// to probe privilege and create the backend VM handle.
func New(be backend.Backend, cfg Config) *VM {
	return &VM{
		be:      be,
		cfg:     cfg,
		devices: device.NewTable(),
		ports:   vcpu.NewIOPortTable(),
		nextIRQ: cfg.BaseIRQ,
	}
}

// Init probes host privilege (backend.Init), creates the backend VM
// handle, and builds an empty memory map bound to it. It is the "Init"
// half of vmm.go's Init/Setup/Boot split.
func (v *VM) Init() error {
	if err := v.be.Init(); err != nil {
		return err
	}

	handle, err := v.be.CreateVM()
	if err != nil {
		return vmmerr.Wrap(vmmerr.BackendFailure, "create vm", err)
	}

	v.handle = handle
	v.mem = memmap.New(v.be, handle)
	v.signal = device.NewSignal(v.be, handle, v.cfg.BaseIRQ)

	return nil
}

// Memory returns the guest physical memory map, for the loader package
// to place kernel/initrd bytes before the first vCPU starts.
func (v *VM) Memory() *memmap.Map { return v.mem }

// Devices returns the MMIO device table, for wiring virtio transports
// and the ACPI shutdown device before Start.
func (v *VM) Devices() *device.Table { return v.devices }

// IOPorts returns the I/O-port router, for wiring the legacy serial
// device on backends that expose ExitIO.
func (v *VM) IOPorts() *vcpu.IOPortTable { return v.ports }

// Signal returns the shared IRQ signaller, so devices constructed
// outside the VM Controller (the serial port) can raise interrupts
// through the same backend handle on line BaseIRQ.
func (v *VM) Signal() *device.Signal { return v.signal }

// AllocateIRQ hands out the next device IRQ line, starting at BaseIRQ, so
// callers wiring multiple devices don't have to track line numbers
// themselves.
func (v *VM) AllocateIRQ() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()

	irq := v.nextIRQ
	v.nextIRQ++

	return irq
}

// NewDeviceSignal allocates the next IRQ line and returns a Signal bound
// to it, for a device that needs its own line distinct from Signal()'s
// shared one (each virtio-mmio transport raises its own queue-notify
// interrupt, per spec.md §4.4).
func (v *VM) NewDeviceSignal() *device.Signal {
	irq := v.AllocateIRQ()
	if irq == v.cfg.BaseIRQ {
		irq = v.AllocateIRQ() // BaseIRQ is Signal()'s shared line
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return device.NewSignal(v.be, v.handle, irq)
}

// AddVCPU registers a new, not-yet-started vCPU with the given initial
// register state (spec.md §4.1's RegBundle). The thread-binding
// discipline of spec.md §3's "Thread-binding discipline" paragraph is
// satisfied by vcpu.VCPU.Run itself: CreateVCPU and SetRegs both happen
// at the top of the vCPU's own goroutine, after runtime.LockOSThread,
// regardless of whether the backend requires it.
func (v *VM) AddVCPU(initRegs backend.RegBundle) (*vcpu.VCPU, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.vcpus) >= MaxVCPUs {
		return nil, vmmerr.New(vmmerr.OutOfResources, fmt.Sprintf("vcpu set full (max %d)", MaxVCPUs))
	}

	index := len(v.vcpus)
	cpu := vcpu.New(v.be, v.handle, index, v.devices, v.ports, initRegs)
	v.vcpus = append(v.vcpus, cpu)

	return cpu, nil
}

// Start launches every registered vCPU on its own goroutine, joined via
// errgroup the way vmm.go's Boot joins its CPU goroutines with a
// sync.WaitGroup, generalized to propagate the first fatal vCPU error
// instead of discarding it. Start blocks until every vCPU has stopped,
// either because the guest halted, StopAll was called, or one vCPU's
// Run returned a fatal error and the rest were asked to stop.
func (v *VM) Start(ctx context.Context) error {
	v.mu.Lock()
	if len(v.vcpus) == 0 {
		v.mu.Unlock()
		return vmmerr.New(vmmerr.InvalidArgument, "no vcpus registered")
	}
	v.state = StateRunning
	cpus := append([]*vcpu.VCPU{}, v.vcpus...)
	v.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	for _, cpu := range cpus {
		cpu := cpu
		g.Go(func() error {
			err := cpu.Run(gctx)
			if err != nil {
				v.StopAll()
			}
			return err
		})
	}

	err := g.Wait()

	v.mu.Lock()
	v.state = StateStopped
	v.mu.Unlock()

	return err
}

// StopAll cooperatively requests every vCPU to leave guest mode. Start
// calls it when one vCPU fails fatally and Destroy calls it before
// teardown; the ACPI shutdown device does not call it.
func (v *VM) StopAll() {
	v.mu.Lock()
	cpus := append([]*vcpu.VCPU{}, v.vcpus...)
	v.mu.Unlock()

	for _, cpu := range cpus {
		cpu.Stop()
	}
}

func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state
}

// Destroy tears down vCPUs, memory slots and backend resources in
// reverse of allocation (devices hold no backend resources and are not
// torn down), per spec.md §3's VM aggregate destruction
// rule: vCPUs are already gone once Start returns, so Destroy unwinds
// the memory map (itself already LIFO per slot, see memmap.Map.Destroy),
// then the backend VM handle, then process-wide backend state.
func (v *VM) Destroy() error {
	v.StopAll()

	var firstErr error

	if v.mem != nil {
		if err := v.mem.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if v.handle != nil {
		if err := v.be.DestroyVM(v.handle); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := v.be.Cleanup(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
