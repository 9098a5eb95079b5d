// Package virtio is the legacy-compatible (version 1) virtio-MMIO
// transport of spec.md §4.4: a fixed 32-bit-unit register layout, a
// descriptor/avail/used ring walk through this module's memmap.Map, and
// four device classes (console, block, net, rng) built on top of it.
// Grounded on the teacher's virtio/blk.go (queue-notify dispatch,
// descriptor-chain walk) and virtio/net.go (device registration shape),
// both generalized from gokvm's PCI/I-O-port transport onto the spec's
// GPA-mapped legacy virtio-mmio transport.
package virtio

import (
	"encoding/binary"
	"log"

	"github.com/bobuhiro11/govmm/device"
	"github.com/bobuhiro11/govmm/memmap"
)

// Device class IDs per spec.md §4.4's register table.
const (
	ClassNet     = 1
	ClassBlock   = 2
	ClassConsole = 3
	ClassRNG     = 4
)

const (
	magic   = 0x74726976 // ASCII "virt", little-endian read as a 32-bit word
	version = 1
)

// Status bits recognized at offset 0x40.
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusFailed      = 1 << 7
)

// VIRTIO_F_VERSION_1 is bit 32 of the 64-bit feature space, so it lands
// in the high 32-bit word (selector 1) as bit 0 — the only feature bit
// this transport advertises (spec.md §4.4: "the 'version 1' flag").
const featureVersion1HighWord = 1 << 0

// QueueHandler implements the device-class semantics above the
// transport: draining a notified queue and reporting bytes written.
type QueueHandler interface {
	// Notify is called when the guest writes to offset 0x34 naming this
	// device's only queue (this transport models a single queue per
	// device, sufficient for console/block/net/rng). It must drain every
	// currently available descriptor chain.
	Notify(q *Queue, mem *memmap.Map) error
}

// Register offsets, named exactly as spec.md §4.4 lists them.
const (
	offMagic         = 0x00
	offVersion       = 0x04
	offDeviceID      = 0x08
	offVendorID      = 0x0C
	offHostFeatures  = 0x10
	offHostFeatSel   = 0x14
	offGuestFeatures = 0x18
	offGuestFeatSel  = 0x1C
	offGuestPageSize = 0x20
	offQueueSel      = 0x24
	offQueueNumMax   = 0x20 // shares GuestPageSize's offset: read = max queue size, write = page size
	offQueueNum      = 0x28
	offQueueReady    = 0x30
	offQueueNotify   = 0x34
	offInterruptStat = 0x38
	offInterruptAck  = 0x38
	offStatus        = 0x40
	offConfig        = 0x100
)

const maxQueueSize = 256

// Device is one MMIO-mapped virtio transport instance, wired into the
// device table via device.Handler.
type Device struct {
	base      uint64
	classID   uint32
	configLen uint64

	hostFeatSel  uint32
	guestFeatSel uint32

	status uint32
	isr    uint32

	queue Queue

	handler QueueHandler
	signal  *device.Signal
	mem     *memmap.Map

	config []byte // device-class configuration space starting at offConfig
}

// New builds a virtio-mmio device. config is the device-class
// configuration space served from offset 0x100; base should be 4 KiB-aligned and the
// caller reserves at least 0x1000 bytes for it (spec.md §4.4: "4 KiB is
// sufficient").
func New(base uint64, classID uint32, mem *memmap.Map, signal *device.Signal, handler QueueHandler, config []byte) *Device {
	d := &Device{
		base:    base,
		classID: classID,
		mem:     mem,
		signal:  signal,
		handler: handler,
		config:  config,
	}
	d.queue.Size = maxQueueSize

	return d
}

func (d *Device) Base() uint64 { return d.base }
func (d *Device) Size() uint64 { return 0x1000 }

func (d *Device) Read(offset uint64, data []byte) error {
	if offset >= offConfig {
		return readConfig(d.config, offset-offConfig, data)
	}

	var v uint32

	switch offset {
	case offMagic:
		v = magic
	case offVersion:
		v = version
	case offDeviceID:
		v = d.classID
	case offVendorID:
		v = 0
	case offHostFeatures:
		if d.hostFeatSel == 1 {
			v = featureVersion1HighWord
		}
	case offQueueNumMax:
		v = maxQueueSize
	case offQueueSel:
		v = d.queue.Size
	case offQueueReady:
		if d.queue.Ready {
			v = 1
		}
	case offInterruptStat:
		v = d.isr
	case offStatus:
		v = d.status
	default:
		v = 0
	}

	putLE(data, v)

	return nil
}

func (d *Device) Write(offset uint64, data []byte) error {
	if offset >= offConfig {
		return writeConfig(d.config, offset-offConfig, data)
	}

	v := getLE(data)

	switch offset {
	case offHostFeatSel:
		d.hostFeatSel = v
	case offGuestFeatures:
		// Only the version-1 feature is offered; anything the driver
		// accepts beyond that is silently ignored at this transport's
		// fidelity level.
	case offGuestFeatSel:
		d.guestFeatSel = v
	case offGuestPageSize:
		// Legacy guest page size; not needed since this transport uses
		// explicit descriptor/avail/used GPAs rather than a single PFN.
	case offQueueSel:
		// Single-queue transport: selecting any queue index other than 0
		// is accepted but has no additional effect.
	case offQueueNum:
		if v > 0 && v <= maxQueueSize {
			d.queue.Size = v
		}
	case offQueueReady:
		d.queue.Ready = v != 0
	case offQueueNotify:
		d.onNotify()
	case offInterruptAck:
		d.isr &^= v
	case offStatus:
		d.status = v
		if v == 0 {
			d.queue.Ready = false
		}
	}

	return nil
}

// onNotify drains the queue only once DRIVER_OK is set and the queue is
// ready, per spec.md §4.4's invariant.
func (d *Device) onNotify() {
	if d.status&StatusDriverOK == 0 || !d.queue.Ready {
		return
	}

	if err := d.handler.Notify(&d.queue, d.mem); err != nil {
		log.Printf("virtio: device %#x notify: %v", d.base, err)
		return
	}

	d.isr |= 1

	if d.signal != nil {
		if err := d.signal.Raise(); err != nil {
			log.Printf("virtio: device %#x irq raise: %v", d.base, err)
		}
	}
}

// SetQueueAddrs pins the descriptor, available and used ring addresses.
// The register table has no ring-address registers, so this method is
// the only way the addresses are set; it is called only by tests.
func (d *Device) SetQueueAddrs(desc, avail, used uint64) {
	d.queue.SetAddrs(desc, avail, used)
}

func putLE(data []byte, v uint32) {
	switch len(data) {
	case 1:
		data[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(v))
	default:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v)
		copy(data, buf)
	}
}

func getLE(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	default:
		buf := make([]byte, 4)
		copy(buf, data)
		return binary.LittleEndian.Uint32(buf)
	}
}

func readConfig(config []byte, off uint64, data []byte) error {
	for i := range data {
		if off+uint64(i) < uint64(len(config)) {
			data[i] = config[off+uint64(i)]
		} else {
			data[i] = 0
		}
	}

	return nil
}

func writeConfig(config []byte, off uint64, data []byte) error {
	for i := range data {
		if off+uint64(i) < uint64(len(config)) {
			config[off+uint64(i)] = data[i]
		}
	}

	return nil
}

var _ device.Handler = (*Device)(nil)
