package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/govmm/memmap"
)

// descSize is the fixed wire size of one virtq_desc entry:
// le64 addr, le32 len, le16 flags, le16 next.
const descSize = 16

const (
	descFNext  = uint16(1) << 0
	descFWrite = uint16(1) << 1
)

// Descriptor is one link of a guest-prepared descriptor chain, already
// resolved out of the wire format.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Write bool // host writes to the guest (virtq_desc VIRTQ_DESC_F_WRITE set)
}

// Queue is one virtqueue: three GPA-rooted rings plus the shadow indices
// spec.md §3's Virtqueue glossary entry describes. It is adapted from
// tinyrange-cc's VirtQueue (io.ReaderAt-backed) onto this module's own
// memmap.Map, which is what the rest of the VMM already uses for guest
// memory access.
type Queue struct {
	Size uint32 // negotiated size, a power of two

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	Ready bool

	lastAvail uint16
	usedIdx   uint16
}

// maxChainLinks bounds descriptor-chain walks per spec.md §4.4 ("at most
// `size` links"); Size itself already enforces this but a defensive cap
// protects against a guest that corrupts `next` into a cycle.
const maxChainLinks = 4096

func (q *Queue) SetAddrs(desc, avail, used uint64) {
	q.descAddr = desc
	q.availAddr = avail
	q.usedAddr = used
}

// Pop returns the next available descriptor chain, if any. hasChain is
// false when available.idx has not advanced past the last-seen index.
func (q *Queue) Pop(mem *memmap.Map) (head uint16, chain []Descriptor, hasChain bool, err error) {
	if !q.Ready || q.Size == 0 {
		return 0, nil, false, nil
	}

	var availHdr [4]byte
	if err := mem.Read(q.availAddr, availHdr[:]); err != nil {
		return 0, nil, false, err
	}

	availIdx := binary.LittleEndian.Uint16(availHdr[2:4])
	if availIdx == q.lastAvail {
		return 0, nil, false, nil
	}

	ringSlot := q.lastAvail % uint16(q.Size)

	var headBuf [2]byte
	if err := mem.Read(q.availAddr+4+uint64(ringSlot)*2, headBuf[:]); err != nil {
		return 0, nil, false, err
	}
	head = binary.LittleEndian.Uint16(headBuf[:])
	q.lastAvail++

	chain, err = q.readChain(mem, head)
	if err != nil {
		return 0, nil, false, err
	}

	return head, chain, true, nil
}

func (q *Queue) readChain(mem *memmap.Map, head uint16) ([]Descriptor, error) {
	var chain []Descriptor

	idx := head
	for i := 0; i < maxChainLinks && i < int(q.Size); i++ {
		var raw [descSize]byte
		if err := mem.Read(q.descAddr+uint64(idx)*descSize, raw[:]); err != nil {
			return nil, err
		}

		addr := binary.LittleEndian.Uint64(raw[0:8])
		length := binary.LittleEndian.Uint32(raw[8:12])
		flags := binary.LittleEndian.Uint16(raw[12:14])
		next := binary.LittleEndian.Uint16(raw[14:16])

		chain = append(chain, Descriptor{Addr: addr, Len: length, Write: flags&descFWrite != 0})

		if flags&descFNext == 0 {
			return chain, nil
		}
		idx = next
	}

	return nil, fmt.Errorf("virtio: descriptor chain exceeded %d links", maxChainLinks)
}

// PushUsed publishes a completed chain: writes (head, totalLen) to the
// used ring and advances used.idx.
func (q *Queue) PushUsed(mem *memmap.Map, head uint16, totalLen uint32) error {
	slot := q.usedIdx % uint16(q.Size)
	base := q.usedAddr + 4 + uint64(slot)*8

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], totalLen)

	if err := mem.Write(base, elem[:]); err != nil {
		return err
	}

	q.usedIdx++

	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)

	return mem.Write(q.usedAddr+2, idxBuf[:])
}
