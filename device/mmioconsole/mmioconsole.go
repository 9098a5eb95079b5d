// Package mmioconsole is the minimal MMIO console device of spec.md
// §4.3/§6 (the `--console` flag): a single byte written at offset 0 is
// echoed to the host's console, independent of the full virtio-mmio
// console transport. It follows the same device.Handler shape as
// device/acpishutdown and the byte-sink style of device/postcode, the
// two smallest existing MMIO/IO-port devices in this tree.
package mmioconsole

import (
	"fmt"
	"io"
)

// Size is the 4 KiB window spec.md's fixed memory layout reserves.
const Size = 0x1000

type Device struct {
	base uint64
	out  io.Writer
}

func New(base uint64, out io.Writer) *Device {
	return &Device{base: base, out: out}
}

func (d *Device) Base() uint64 { return d.base }
func (d *Device) Size() uint64 { return Size }

func (d *Device) Read(offset uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

// Write echoes each byte written at offset 0 to out. Only offset 0 is
// meaningful; spec.md's smoke-boot scenario writes single bytes there.
func (d *Device) Write(offset uint64, data []byte) error {
	if offset != 0 {
		return nil
	}

	for _, b := range data {
		if _, err := fmt.Fprintf(d.out, "%c", b); err != nil {
			return err
		}
	}

	return nil
}
