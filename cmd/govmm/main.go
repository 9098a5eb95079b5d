// Command govmm is the CLI surface of spec.md §6: the sole control
// interface for booting a guest under the Linux KVM or Apple
// Hypervisor.framework backend. It is grounded on flag/runs.go's
// kong.Parse/ctx.Run shape, generalized from a single gokvm-specific
// BootCMD wired straight to vmm.Config into a CLI that assembles the
// backend-agnostic vm.VM Controller out of the packages built for this
// module (memmap, device, virtio, netdev, loader, probe).
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	gprofile "github.com/pkg/profile"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/device/acpishutdown"
	"github.com/bobuhiro11/govmm/device/mmioconsole"
	"github.com/bobuhiro11/govmm/loader"
	"github.com/bobuhiro11/govmm/netdev"
	"github.com/bobuhiro11/govmm/probe"
	"github.com/bobuhiro11/govmm/termctl"
	"github.com/bobuhiro11/govmm/virtio"
	"github.com/bobuhiro11/govmm/vm"
	"github.com/bobuhiro11/govmm/vmmerr"
)

// Fixed guest physical memory layout, per spec.md §6's table.
const (
	mmioConsoleAddr  = 0x0090_0000
	virtioConsoleGPA = 0x00A0_0000
	virtioBlockGPA   = 0x00A0_1000
	virtioNetGPA     = 0x00A0_2000
	baseIRQ          = 5
)

// CLI is the kong root command, naming the two subcommands the teacher's
// flag.CLI named (probe, boot), its Boot renamed to carry every flag
// spec.md §6 lists instead of gokvm's Linux-only set.
type CLI struct {
	Log int `help:"Log level 0..4" default:"0"`

	PprofAddr string `help:"Serve pprof and fgprof over HTTP on this address, e.g. localhost:6060" name:"pprof-addr"`
	Profile   string `help:"Profile this run: cpu, mem, or trace" enum:",cpu,mem,trace" default:""`

	Boot  BootCMD  `cmd:"" help:"Boot a guest"`
	Probe ProbeCMD `cmd:"" help:"Report hypervisor capabilities on this host"`
}

// BootCMD carries every CLI flag of spec.md §6's external-interfaces
// table that names a boot-time option.
type BootCMD struct {
	Kernel  string `help:"Path to a Linux-style kernel image" type:"existingfile"`
	Initrd  string `help:"Path to an initial RAM disk"`
	Cmdline string `help:"Kernel command line" default:"console=ttyS0 reboot=k panic=1 pci=off"`

	Binary string `help:"Path to a raw binary image to load instead of --kernel"`
	Entry  string `help:"Initial PC (hex) for --binary" default:"0x0"`

	Mem  string `help:"Guest RAM, with K/M/G suffix" default:"512M"`
	CPUs int    `help:"Number of vCPUs" default:"1"`

	Disk string `help:"Attach a block device backing file"`
	Net  string `help:"Attach a network device: tap=<name>"`
	Vfio string `help:"(Linux only) PCI device to pass through, as a BDF"`

	Console bool `help:"Enable the MMIO console device" default:"true"`
}

// ProbeCMD reports whether this host can run a guest at all, without
// starting one: spec.md §6's "Environment" paragraph requires a typed,
// remediated init failure up front rather than a boot attempt that fails
// halfway through device setup.
type ProbeCMD struct{}

func main() {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("govmm"),
		kong.Description("govmm boots a guest under Linux KVM or Apple Hypervisor.framework"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	logLevel = c.Log

	stopProfiling := startDiagnostics(c)
	defer stopProfiling()

	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "govmm:", err)

		if hint := vmmerr.Remediation(err); hint != "" {
			fmt.Fprintln(os.Stderr, "govmm: hint:", hint)
		}

		os.Exit(1)
	}
}

// startDiagnostics wires --pprof-addr and --profile, adapted from the
// retrieval pack's fgprof/pkg-profile usage: an HTTP mux serving both
// net/http/pprof and fgprof.Handler, and an optional wrapping
// gprofile.Start, matching the teacher's own pattern of treating
// profiling as an orthogonal, always-available diagnostic rather than a
// feature gated behind a build.
func startDiagnostics(c CLI) func() {
	if c.PprofAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/fgprof", fgprof.Handler().ServeHTTP)

		go func() {
			if err := http.ListenAndServe(c.PprofAddr, mux); err != nil { //nolint:gosec
				fmt.Fprintln(os.Stderr, "govmm: pprof server:", err)
			}
		}()
	}

	switch c.Profile {
	case "cpu":
		p := gprofile.Start(gprofile.CPUProfile)
		return p.Stop
	case "mem":
		p := gprofile.Start(gprofile.MemProfile)
		return p.Stop
	case "trace":
		p := gprofile.Start(gprofile.TraceProfile)
		return p.Stop
	default:
		return func() {}
	}
}

// Run boots a guest end to end: build the VM Controller, place
// kernel/binary bytes, wire devices, start every vCPU, and block until
// shutdown. It follows vmm.go's Init/Setup/Boot split (renamed Init/
// wiring/Start here) and spec.md §7's propagation policy: a startup
// failure tears down cleanly and returns a typed error; once vCPUs are
// running, only StopAll (from a signal or a fatal vCPU) ends the run.
func (b *BootCMD) Run() error {
	memSize, err := parseSize(b.Mem)
	if err != nil {
		return vmmerr.New(vmmerr.InvalidArgument, fmt.Sprintf("--mem %q: %v", b.Mem, err))
	}

	if b.CPUs < 1 || b.CPUs > vm.MaxVCPUs {
		return vmmerr.New(vmmerr.InvalidArgument,
			fmt.Sprintf("--cpus %d: must be between 1 and %d", b.CPUs, vm.MaxVCPUs))
	}

	be := newBackend()

	v := vm.New(be, vm.Config{MemSize: memSize, NCPUs: b.CPUs, BaseIRQ: baseIRQ})
	if err := v.Init(); err != nil {
		return err
	}

	logf(1, "vm initialized: mem=%d cpus=%d", memSize, b.CPUs)

	defer func() {
		if err := v.Destroy(); err != nil {
			fmt.Fprintln(os.Stderr, "govmm: teardown:", err)
		}
	}()

	if _, err := v.Memory().AddRegion(0, memSize, backend.MemRead|backend.MemWrite|backend.MemExec); err != nil {
		return err
	}

	initRegs, err := b.load(v, memSize)
	if err != nil {
		return err
	}

	if err := b.attachDevices(v); err != nil {
		return err
	}

	if _, err := v.AddVCPU(initRegs); err != nil {
		return err
	}

	restore, err := termctl.SetStdinRaw()
	if err != nil {
		return err
	}
	defer restore() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)

	go func() {
		<-sigCh
		logf(1, "signal received, stopping vcpus")
		v.StopAll()
	}()

	return v.Start(ctx)
}

// load places either a Linux kernel (via loader.LoadLinux) or a raw
// binary (via loader.LoadRaw) into guest memory and returns its initial
// register bundle, mirroring gokvm's two historical entry points
// (bzImage boot and the raw PVH-less path) behind one BootCMD.
func (b *BootCMD) load(v *vm.VM, memSize uint64) (backend.RegBundle, error) {
	switch {
	case b.Binary != "":
		entry, err := strconv.ParseUint(strings.TrimPrefix(b.Entry, "0x"), 16, 64)
		if err != nil {
			return backend.RegBundle{}, vmmerr.New(vmmerr.InvalidArgument, fmt.Sprintf("--entry %q: %v", b.Entry, err))
		}

		return loader.LoadRaw(v.Memory(), b.Binary, 0, entry)

	case b.Kernel != "":
		res, err := loader.LoadLinux(v.Memory(), b.Kernel, b.Initrd, b.Cmdline, memSize)
		if err != nil {
			return backend.RegBundle{}, err
		}

		return res.InitialRegs(), nil

	default:
		return backend.RegBundle{}, vmmerr.New(vmmerr.InvalidArgument, "one of --kernel or --binary is required")
	}
}

// attachDevices wires the MMIO console, ACPI shutdown, legacy serial
// port, and any requested virtio transports into the VM Controller's
// device table and IO-port router, following vmm.go's Setup phase: every
// device is registered before the first vCPU starts, per spec.md §5's
// "the device table is read-only after VM start" rule.
func (b *BootCMD) attachDevices(v *vm.VM) error {
	if b.Console {
		if err := v.Devices().Add(mmioconsole.New(mmioConsoleAddr, os.Stdout)); err != nil {
			return err
		}
	}

	shutdown := acpishutdown.New(mmioConsoleAddr + mmioconsole.Size)
	if err := v.Devices().Add(shutdown); err != nil {
		return err
	}

	attachIOPorts(v)

	if err := b.attachVirtio(v); err != nil {
		return err
	}

	if b.Vfio != "" {
		return vmmerr.New(vmmerr.Unavailable,
			"--vfio: PCI passthrough is out of scope for this build (see spec.md's Out of scope list)")
	}

	return nil
}

func (b *BootCMD) attachVirtio(v *vm.VM) error {
	if b.Disk != "" {
		f, err := os.OpenFile(b.Disk, os.O_RDWR, 0)
		if err != nil {
			return vmmerr.Wrap(vmmerr.InvalidArgument, "opening --disk", err)
		}

		blk, err := virtio.NewBlock(f)
		if err != nil {
			return vmmerr.Wrap(vmmerr.InvalidArgument, "sizing --disk", err)
		}

		dev := virtio.New(virtioBlockGPA, 2, v.Memory(), v.NewDeviceSignal(), blk, blk.Config())
		if err := v.Devices().Add(dev); err != nil {
			return err
		}
	}

	if b.Net != "" {
		name, ok := strings.CutPrefix(b.Net, "tap=")
		if !ok {
			return vmmerr.New(vmmerr.InvalidArgument, fmt.Sprintf("--net %q: expected tap=<name>", b.Net))
		}

		tap, err := netdev.New(name)
		if err != nil {
			return vmmerr.Wrap(vmmerr.BackendFailure, "opening tap device", err)
		}

		net := virtio.NewNet(tap)

		dev := virtio.New(virtioNetGPA, 1, v.Memory(), v.NewDeviceSignal(), net, nil)
		if err := v.Devices().Add(dev); err != nil {
			return err
		}
	}

	con := virtio.NewConsole(os.Stdout, os.Stdin)
	dev := virtio.New(virtioConsoleGPA, 3, v.Memory(), v.NewDeviceSignal(), con, nil)

	return v.Devices().Add(dev)
}

// Run implements spec.md §6's "Environment" requirement: a probe path
// that surfaces a typed, remediated failure before a boot attempt pays
// the cost of device wiring and kernel loading.
func (p *ProbeCMD) Run() error {
	be := newBackend()

	if err := probe.Privilege(be); err != nil {
		return err
	}

	fmt.Println("govmm: hypervisor backend is available on this host")

	if report, err := probe.CPUIDFeatures(); err == nil {
		fmt.Println(report.Report())
	}

	return nil
}

// parseSize parses a K/M/G-suffixed size string into bytes, adapted from
// flag.ParseSize (which returned int and defaulted the unit), generalized
// to uint64 since vm.Config.MemSize is unsigned and no implicit default
// unit makes sense once --mem always carries its own suffix.
func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	unit := s[len(s)-1:]

	var shift uint
	switch unit {
	case "g", "G":
		shift = 30
	case "m", "M":
		shift = 20
	case "k", "K":
		shift = 10
	default:
		unit = ""
	}

	numPart := s
	if unit != "" {
		numPart = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, err
	}

	return n << shift, nil
}
