package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
)

// setupHeaderMagic is "HdrS", the signature the Linux boot protocol
// requires at setup_header.header.
const setupHeaderMagic = 0x53726448

// ErrNotBzImage is returned when a kernel image lacks the boot-protocol
// signature at its documented offset.
var ErrNotBzImage = errors.New("loader: missing bzImage boot-protocol signature")

// SetupHeader is struct setup_header from the Linux/x86 boot protocol
// (https://www.kernel.org/doc/html/latest/x86/boot.html), read starting
// at offset 0x1F1 of a bzImage file.
type SetupHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	ReadModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// readSetupHeader parses the setup_header out of a bzImage file on disk.
func readSetupHeader(bzImagePath string) (*SetupHeader, error) {
	h := &SetupHeader{}

	bzImage, err := os.ReadFile(bzImagePath)
	if err != nil {
		return h, err
	}

	if len(bzImage) < setupHeaderAt {
		return h, ErrNotBzImage
	}

	if err := binary.Read(bytes.NewReader(bzImage[setupHeaderAt:]), binary.LittleEndian, h); err != nil {
		return h, err
	}

	if h.Header != setupHeaderMagic {
		return h, ErrNotBzImage
	}

	return h, nil
}

func (h *SetupHeader) bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
