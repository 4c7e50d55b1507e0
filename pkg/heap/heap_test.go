package heap

import "testing"

func TestAllocateFreeRoundTrip(t *testing.T) {
	h, err := New(1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	off, ok := h.Allocate(32)
	if !ok {
		t.Fatalf("Allocate failed")
	}
	payload := h.At(off)
	if len(payload) < 32 {
		t.Fatalf("payload too small: %d", len(payload))
	}
	for i := range payload {
		payload[i] = byte(i)
	}

	h.Free(off)
}

func TestCoalescingLeavesNoAdjacentFreeBlocks(t *testing.T) {
	h, err := New(256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, _ := h.Allocate(16)
	b, _ := h.Allocate(16)
	c, _ := h.Allocate(16)

	h.Free(a)
	h.Free(b)
	h.Free(c)

	extents := h.FreeExtents()
	if len(extents) != 1 {
		t.Fatalf("expected a single coalesced free extent, got %d: %v", len(extents), extents)
	}
}

func TestHeapSizeConservation(t *testing.T) {
	h, err := New(512)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	total := h.Size()

	offs := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		off, ok := h.Allocate(24)
		if !ok {
			t.Fatalf("Allocate %d failed", i)
		}
		offs = append(offs, off)
	}
	for _, off := range offs {
		h.Free(off)
	}

	sum := 0
	off := 0
	for off < total {
		size := len(h.At(off+8)) + 16 // payload plus header and footer
		sum += size
		off += size
	}
	if sum != total {
		t.Fatalf("block sizes sum to %d, want heap size %d", sum, total)
	}
	if h.Size() != total {
		t.Fatalf("heap size changed: got %d want %d", h.Size(), total)
	}
}

func TestAllocateOutOfMemory(t *testing.T) {
	h, err := New(32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := h.Allocate(1024); ok {
		t.Fatalf("expected allocation to fail")
	}
}

func TestFreeOnInvalidPointerIsNoop(t *testing.T) {
	h, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.SetDebug(true)
	h.Free(NullOffset)
	h.Free(9999)
}
