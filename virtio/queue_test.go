package virtio_test

import (
	"testing"
)

// TestQueuePopAdvancesMonotonically exercises the spec.md §8 "Virtqueue
// index monotonicity" property: three available descriptors are published
// at once, Pop must return heads 0 then 1 in ring order, and two PushUsed
// calls must leave used.idx at 2.
func TestQueuePopAdvancesMonotonically(t *testing.T) {
	t.Parallel()

	mem := newTestMem(t)
	q := newTestQueue(4)

	msg := []byte("x")

	for i := uint16(0); i < 3; i++ {
		addr := uint64(0x1000) + uint64(i)*0x10
		if err := mem.Write(addr, msg); err != nil {
			t.Fatal(err)
		}
		writeDescriptor(t, mem, i, addr, uint32(len(msg)), false, false, 0)
	}

	// Publish all three head indices (0,1,2) before draining, exercising
	// a multi-entry available ring rather than one-at-a-time notify.
	writeAvailRing(t, mem, []uint16{0, 1, 2})

	head, chain, ok, err := q.Pop(mem)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || head != 0 || len(chain) != 1 {
		t.Fatalf("first pop: head=%d ok=%v chain=%v", head, ok, chain)
	}

	if err := q.PushUsed(mem, head, uint32(chain[0].Len)); err != nil {
		t.Fatal(err)
	}

	head, _, ok, err = q.Pop(mem)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || head != 1 {
		t.Fatalf("second pop: head=%d ok=%v", head, ok)
	}

	if err := q.PushUsed(mem, head, 1); err != nil {
		t.Fatal(err)
	}

	var usedIdx [2]byte
	if err := mem.Read(testUsedBase+2, usedIdx[:]); err != nil {
		t.Fatal(err)
	}
	if usedIdx[0] != 2 {
		t.Fatalf("used.idx after two pops = %d, want 2", usedIdx[0])
	}
}

func writeAvailRing(t *testing.T, mem interface {
	Write(uint64, []byte) error
}, heads []uint16) {
	t.Helper()

	hdr := make([]byte, 4)
	hdr[2] = byte(len(heads))
	if err := mem.Write(testAvailBase, hdr); err != nil {
		t.Fatal(err)
	}

	for i, h := range heads {
		buf := make([]byte, 2)
		buf[0] = byte(h)
		buf[1] = byte(h >> 8)
		if err := mem.Write(testAvailBase+4+uint64(i)*2, buf); err != nil {
			t.Fatal(err)
		}
	}
}
