package virtio

import (
	"crypto/rand"

	"github.com/bobuhiro11/govmm/memmap"
)

// RNG is the host-crypto/rand-backed virtio device class (class ID 4).
// It has no teacher precedent (gokvm implements only net and block) but
// follows the same Notify shape as Console/Net: every descriptor in a
// drained chain is treated as write-only, filled with host entropy.
type RNG struct{}

func NewRNG() *RNG { return &RNG{} }

func (r *RNG) Notify(q *Queue, mem *memmap.Map) error {
	for {
		head, chain, ok, err := q.Pop(mem)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		var written uint32

		for _, d := range chain {
			buf := make([]byte, d.Len)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			if err := mem.Write(d.Addr, buf); err != nil {
				return err
			}
			written += d.Len
		}

		if err := q.PushUsed(mem, head, written); err != nil {
			return err
		}
	}
}
