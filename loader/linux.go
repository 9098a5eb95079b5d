package loader

import (
	"os"

	"github.com/bobuhiro11/govmm/backend"
	"github.com/bobuhiro11/govmm/memmap"
)

// Guest physical addresses for the Linux x86 boot-protocol loader,
// unchanged from machine.go's own memory map: boot_params at 0x10000,
// the command line at 0x20000, the 64-bit kernel at 0x100000, initrd
// near the top of low memory.
const (
	BootParamAddr = 0x10000
	CmdlineAddr   = 0x20000
	KernelAddr    = 0x100000
	InitrdAddr    = 0xf000000
	EBDAAddr      = 0x9fc00

	realModeIVTBegin = 0x00000000
	ebdaStart        = 0x9fc00
	vgaRAMBegin      = 0xa0000
	mbBIOSBegin      = 0xf0000
	mbBIOSEnd        = 0x100000
)

// LinuxBootResult is the initial vCPU#0 state a Linux boot-protocol load
// produces: RIP at the kernel's 32-bit entry point, RSI pointing at
// struct boot_params, per the boot protocol's documented calling
// convention.
type LinuxBootResult struct {
	EntryPC     uint64
	BootParamGPA uint64
}

// LoadLinux places a bzImage kernel, an initrd and a command line into
// mem following machine.go's LoadLinux, generalized to go through
// memmap.Map.Write instead of indexing a host byte slice directly, and
// to return a portable initial register state instead of calling into
// an x86-only kvm.SetRegs.
func LoadLinux(mem *memmap.Map, kernelPath, initrdPath, cmdline string, memSize uint64) (LinuxBootResult, error) {
	var result LinuxBootResult

	hdr, err := readSetupHeader(kernelPath)
	if err != nil {
		return result, err
	}

	initrd, err := os.ReadFile(initrdPath)
	if err != nil {
		return result, err
	}

	if err := mem.Write(InitrdAddr, initrd); err != nil {
		return result, err
	}

	cmdlineBytes := append([]byte(cmdline), 0) // NUL-terminated
	if err := mem.Write(CmdlineAddr, cmdlineBytes); err != nil {
		return result, err
	}

	hdr.VidMode = 0xFFFF       // Proto ALL: "normal" video mode, let the kernel pick
	hdr.TypeOfLoader = 0xFF    // Proto 2.00+: "unknown" bootloader, valid for any loader
	hdr.RamdiskImage = InitrdAddr
	hdr.RamdiskSize = uint32(len(initrd))
	hdr.LoadFlags |= LoadFlagCanUseHeap | LoadFlagLoadedHigh | LoadFlagKeepSegments
	hdr.HeapEndPtr = 0xFE00
	hdr.ExtLoaderVer = 0
	hdr.CmdlinePtr = CmdlineAddr
	hdr.CmdlineSize = uint32(len(cmdlineBytes))

	hdrBytes, err := hdr.bytes()
	if err != nil {
		return result, err
	}

	bp := NewBootParams(hdrBytes)

	// Reserved/usable regions per kvmtool's x86/bios.c, machine.go's own
	// comment on AddE820Entry's call sites.
	bp.AddE820Entry(realModeIVTBegin, ebdaStart-realModeIVTBegin, E820Ram)
	bp.AddE820Entry(ebdaStart, vgaRAMBegin-ebdaStart, E820Reserved)
	bp.AddE820Entry(mbBIOSBegin, mbBIOSEnd-mbBIOSBegin, E820Reserved)
	bp.AddE820Entry(KernelAddr, memSize-KernelAddr, E820Ram)

	if err := mem.Write(BootParamAddr, bp.Bytes()); err != nil {
		return result, err
	}

	kernelImage, err := os.ReadFile(kernelPath)
	if err != nil {
		return result, err
	}

	// The 32-bit (non-real-mode) kernel begins at offset
	// (setup_sects+1)*512 in the bzImage file (4 if setup_sects==0), and
	// is loaded at KernelAddr for bzImage kernels.
	setupSects := int(hdr.SetupSects)
	if setupSects == 0 {
		setupSects = 4
	}
	offset := (setupSects + 1) * 512
	if offset > len(kernelImage) {
		offset = len(kernelImage)
	}
	if err := mem.Write(KernelAddr, kernelImage[offset:]); err != nil {
		return result, err
	}

	if err := writeEBDA(mem); err != nil {
		return result, err
	}

	result.EntryPC = KernelAddr
	result.BootParamGPA = BootParamAddr

	return result, nil
}

// InitialRegs builds the x86 register half of backend.RegBundle a Linux
// boot-protocol vCPU#0 must start with: RFLAGS with the reserved bit 1
// set, RIP at the kernel entry, RSI pointing at boot_params, per the
// boot protocol's calling convention.
func (r LinuxBootResult) InitialRegs() backend.RegBundle {
	return backend.RegBundle{
		X86: backend.RegsX86{
			RFLAGS: 2,
			RIP:    r.EntryPC,
			RSI:    r.BootParamGPA,
		},
	}
}

// writeEBDA places the Extended BIOS Data Area's MP floating pointer
// structure, a supplemented feature beyond spec.md's core contract:
// some real-mode-adjacent guest code probes for it even though this
// loader never enters real mode itself.
func writeEBDA(mem *memmap.Map) error {
	e, err := newEBDA()
	if err != nil {
		return err
	}

	b, err := e.bytes()
	if err != nil {
		return err
	}

	return mem.Write(EBDAAddr, b)
}
