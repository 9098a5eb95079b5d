package virtio

import (
	"io"

	"github.com/bobuhiro11/govmm/memmap"
)

// Console is the tty-style virtio device class (class ID 3): read-only
// descriptors in a chain are TX (guest->host, written to Out), write-only
// descriptors are RX (host->guest, filled from In). Grounded on the
// teacher's serial console plumbing, generalized from an I/O-port UART
// onto the virtio descriptor-chain model spec.md §4.4 describes.
type Console struct {
	Out io.Writer
	In  io.Reader
}

func NewConsole(out io.Writer, in io.Reader) *Console {
	return &Console{Out: out, In: in}
}

func (c *Console) Notify(q *Queue, mem *memmap.Map) error {
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

			if d.Write {
				n, _ := c.In.Read(buf)
				if n > 0 {
					if err := mem.Write(d.Addr, buf[:n]); err != nil {
						return err
					}
				}
				written += uint32(n)
			} else {
				if err := mem.Read(d.Addr, buf); err != nil {
					return err
				}
				if _, err := c.Out.Write(buf); err != nil {
					return err
				}
				written += d.Len
			}
		}

		if err := q.PushUsed(mem, head, written); err != nil {
			return err
		}
	}
}
