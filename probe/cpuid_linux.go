//go:build linux

package probe

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// kvmGetSupportedCPUID is KVM_GET_SUPPORTED_CPUID, _IOWR(KVMIO, 0x05,
// struct kvm_cpuid2) from the kernel's uapi/linux/kvm.h. It is computed
// the same way as every other ioctl number in backend/kvmlinux rather
// than reused from the teacher's kvm package, whose cpuid.go calls an
// IIOWR helper that does not exist anywhere in this retrieval pack.
const kvmGetSupportedCPUID = 0xC008AE05

const maxCPUIDEntries = 100

// cpuidEntry2 mirrors struct kvm_cpuid_entry2, field order and width
// taken from the teacher's kvm/cpuid.go (that file's own ioctl call was
// unbuildable, but its struct layout is a straight transcription of the
// kernel header and is reused here).
type cpuidEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	_        [3]uint32
}

// cpuid2 mirrors struct kvm_cpuid2, with Entries sized as a fixed array
// because the kernel writes back at most Nent entries into whatever
// buffer follows the header; the caller must still set Nent to the
// buffer's capacity before the ioctl.
type cpuid2 struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]cpuidEntry2
}

// Features is the subset of the host's supported CPUID bits this probe
// cares about: leaf 1 EDX and leaf 7 subleaf 0 EDX, the two registers
// probe/cpuid.go inspected.
type Features struct {
	F1Edx   uint32
	F7_0Edx uint32 //nolint:stylecheck
}

// CPUIDFeatures opens /dev/kvm and runs KVM_GET_SUPPORTED_CPUID,
// generalized from probe/cpuid.go's CPUID() to return structured data
// instead of printing directly, so the CLI layer controls formatting.
func CPUIDFeatures() (Features, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return Features{}, err
	}
	defer f.Close()

	var c cpuid2
	c.Nent = maxCPUIDEntries

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), kvmGetSupportedCPUID, uintptr(unsafe.Pointer(&c)))
	if errno != 0 {
		return Features{}, errno
	}

	var feats Features

	for i := 0; i < int(c.Nent) && i < maxCPUIDEntries; i++ {
		e := c.Entries[i]

		switch e.Function {
		case 1:
			feats.F1Edx = e.Edx
		case 7:
			if e.Index == 0 {
				feats.F7_0Edx = e.Edx
			}
		}
	}

	return feats, nil
}

// Report formats Features the way probe/cpuid.go's printFeatures did:
// one enabled/disabled line per register.
func (f Features) Report() string {
	var b strings.Builder

	fmt.Fprintf(&b, "F_1_Edx:\n%s", formatBits(AllF1Edx, f.F1Edx))
	fmt.Fprintf(&b, "F_7_0_Edx:\n%s", formatBits(AllF7_0Edx, f.F7_0Edx))

	return b.String()
}

type namedBit interface {
	F1Edx | F7_0Edx
	fmt.Stringer
}

func formatBits[T namedBit](bits []T, reg uint32) string {
	var enabled, disabled []string

	for _, bit := range bits {
		if reg&(1<<uint(bit)) != 0 {
			enabled = append(enabled, bit.String())
		} else {
			disabled = append(disabled, bit.String())
		}
	}

	return fmt.Sprintf("* enabled: %s\n* disabled: %s\n", strings.Join(enabled, " "), strings.Join(disabled, " "))
}
