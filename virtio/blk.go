package virtio

import (
	"encoding/binary"
	"os"

	"github.com/bobuhiro11/govmm/memmap"
)

// blockSize is the sector size pread/pwrite addresses are scaled by,
// matching the legacy virtio-blk convention.
const blockSize = 512

// Block request types, from the legacy virtio-blk spec.
const (
	blkTypeIn  = 0 // guest reads from the backing file
	blkTypeOut = 1 // guest writes to the backing file
)

// Block is the pread/pwrite virtio device class (class ID 2), adapted
// from the teacher's virtio/blk.go IO() method: a 3-descriptor chain
// (header, data, status), generalized to walk whatever chain length the
// guest actually presents instead of a hardcoded 3.
type Block struct {
	file *os.File
	size uint64
}

func NewBlock(file *os.File) (*Block, error) {
	st, err := file.Stat()
	if err != nil {
		return nil, err
	}

	return &Block{file: file, size: uint64(st.Size())}, nil
}

// Config returns the device-class configuration space (capacity in
// 512-byte sectors, little-endian) exposed at register offset 0x100+.
func (b *Block) Config() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, b.size/blockSize)

	return buf
}

func (b *Block) Notify(q *Queue, mem *memmap.Map) error {
	for {
		head, chain, ok, err := q.Pop(mem)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if len(chain) < 3 {
			// Malformed chain: still must be drained and acknowledged so
			// the ring doesn't wedge, but there is no well-formed request
			// to service.
			if err := q.PushUsed(mem, head, 0); err != nil {
				return err
			}
			continue
		}

		hdr := chain[0]
		status := chain[len(chain)-1]
		data := chain[1 : len(chain)-1]

		var hdrBuf [16]byte
		if err := mem.Read(hdr.Addr, hdrBuf[:16]); err != nil {
			return err
		}
		reqType := binary.LittleEndian.Uint32(hdrBuf[0:4])
		sector := binary.LittleEndian.Uint64(hdrBuf[8:16])

		var written uint32
		var statusByte byte

		for _, d := range data {
			off := int64(sector*blockSize) + int64(written)
			buf := make([]byte, d.Len)

			switch reqType {
			case blkTypeIn:
				n, err := b.file.ReadAt(buf, off)
				if err != nil {
					statusByte = 1
					break
				}
				if err := mem.Write(d.Addr, buf[:n]); err != nil {
					return err
				}
			case blkTypeOut:
				if err := mem.Read(d.Addr, buf); err != nil {
					return err
				}
				if _, err := b.file.WriteAt(buf, off); err != nil {
					statusByte = 1
				}
			}

			written += d.Len
		}

		if err := mem.Write(status.Addr, []byte{statusByte}); err != nil {
			return err
		}

		if err := q.PushUsed(mem, head, written+1); err != nil {
			return err
		}
	}
}
