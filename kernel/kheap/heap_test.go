package kheap

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rvos/kernel"
	"rvos/kernel/kfmt"
	"rvos/kernel/mem"
	"rvos/kernel/mem/phys"
	"rvos/kernel/mem/pmm"
)

const (
	testRAMBase = uintptr(0x80000000)
	testRAMSize = 1 * mem.Mb
)

func newTestHeap(t *testing.T, pages uint, policy Policy) (*Heap, *phys.RAM) {
	t.Helper()

	ram, err := phys.New(testRAMBase, testRAMSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ram.Close() })

	var frames pmm.Allocator
	if err := frames.Init(ram, testRAMBase, testRAMSize); err != nil {
		t.Fatal(err)
	}

	var h Heap
	if err := h.Init(ram, &frames, pages, policy); err != nil {
		t.Fatal(err)
	}
	return &h, ram
}

func mockPanic(t *testing.T) *interface{} {
	t.Helper()

	var got interface{}
	panicFn = func(e interface{}) { got = e }
	t.Cleanup(func() { panicFn = kfmt.Panic })
	return &got
}

func TestInit(t *testing.T) {
	h, ram := newTestHeap(t, 4, PolicyArena)

	if exp, got := h.Head()+4*uintptr(mem.PageSize), h.Tail(); got != exp {
		t.Fatalf("expected tail to be 0x%x; got 0x%x", exp, got)
	}

	if exp, got := uint64(4*mem.PageSize), ram.Load64(h.Head()); got != exp {
		t.Fatalf("expected first header to describe a free %d byte block; got 0x%x", exp, got)
	}

	if err := new(Heap).Init(ram, nil, 0, PolicyArena); err != errNoPages {
		t.Fatalf("expected errNoPages; got %v", err)
	}
}

type exhaustedReserver struct{}

func (exhaustedReserver) Reserve(uint) (pmm.Run, *kernel.Error) {
	return pmm.Run{Start: pmm.InvalidFrame}, &kernel.Error{Module: "test", Message: "no frames"}
}

func TestInitReservationFailure(t *testing.T) {
	var h Heap
	if err := h.Init(nil, exhaustedReserver{}, 1, PolicyArena); err == nil || err.Module != "test" {
		t.Fatalf("expected reservation error to be returned; got %v", err)
	}
}

func TestKmallocNoOverlap(t *testing.T) {
	for _, size := range []uint{8, 64, 4096} {
		h, _ := newTestHeap(t, 4, PolicyArena)

		a := h.Kmalloc(size)
		b := h.Kmalloc(size)
		if a == 0 || b == 0 {
			t.Fatalf("[size %d] unexpected allocation failure", size)
		}

		if a+uintptr(size) > b-headerSize && b+uintptr(size) > a-headerSize {
			t.Fatalf("[size %d] blocks at 0x%x and 0x%x overlap", size, a, b)
		}

		if exp := h.Head() + headerSize; a != exp {
			t.Errorf("[size %d] expected first block to follow the head header at 0x%x; got 0x%x", size, exp, a)
		}
		if exp := a + uintptr(size) + headerSize; b != exp {
			t.Errorf("[size %d] expected second block at 0x%x; got 0x%x", size, exp, b)
		}
	}
}

func TestKmallocRoundsToEightBytes(t *testing.T) {
	h, ram := newTestHeap(t, 1, PolicyArena)

	a := h.Kmalloc(13)
	if exp, got := takenFlag|(16+headerSize), ram.Load64(a-headerSize); got != exp {
		t.Fatalf("expected header 0x%x; got 0x%x", exp, got)
	}

	b := h.Kmalloc(1)
	if exp := a + 16 + headerSize; b != exp {
		t.Fatalf("expected next block at 0x%x; got 0x%x", exp, b)
	}
}

func TestKmallocExhaustion(t *testing.T) {
	h, _ := newTestHeap(t, 1, PolicyArena)

	if got := h.Kmalloc(uint(mem.PageSize)); got != 0 {
		t.Fatalf("expected a request larger than the heap to fail; got 0x%x", got)
	}

	// exactly one page minus the header fits
	if got := h.Kmalloc(uint(mem.PageSize) - headerSize); got == 0 {
		t.Fatal("expected a request that fills the heap to succeed")
	}
	if got := h.Kmalloc(8); got != 0 {
		t.Fatalf("expected a full heap to return a null address; got 0x%x", got)
	}
}

func TestKmallocOversizedRequests(t *testing.T) {
	h, _ := newTestHeap(t, 1, PolicyArena)
	got := mockPanic(t)

	for _, size := range []uint{^uint(0), ^uint(0) - 3, ^uint(0) - 7, uint(mem.PageSize) - headerSize + 1} {
		if addr := h.Kmalloc(size); addr != 0 {
			t.Errorf("[size 0x%x] expected a null address; got 0x%x", size, addr)
		}
		if addr := h.Kzmalloc(size); addr != 0 {
			t.Errorf("[size 0x%x] expected Kzmalloc to return a null address; got 0x%x", size, addr)
		}
	}

	// the block list must be left intact
	if exp := (Stats{Blocks: 1, FreeBytes: uint64(mem.PageSize)}); cmp.Diff(exp, h.Stats()) != "" {
		t.Fatalf("expected an untouched heap; got %+v", h.Stats())
	}
	if addr := h.Kmalloc(8); addr == 0 || *got != nil {
		t.Fatalf("expected a small allocation to succeed; got 0x%x, panic %v", addr, *got)
	}
}

func TestKmallocConsumesSmallRemainder(t *testing.T) {
	h, ram := newTestHeap(t, 1, PolicyArena)

	// leaves exactly 8 bytes which is not enough for a split
	size := uint(mem.PageSize) - 2*headerSize
	a := h.Kmalloc(size)
	if exp, got := takenFlag|uint64(mem.PageSize), ram.Load64(a-headerSize); got != exp {
		t.Fatalf("expected the whole block to be consumed (0x%x); got 0x%x", exp, got)
	}
}

func TestKzmalloc(t *testing.T) {
	h, ram := newTestHeap(t, 1, PolicyCoalesce)

	a := h.Kmalloc(64)
	ram.Memset(a, 0xee, 64)
	h.Free(a)

	z := h.Kzmalloc(64)
	if z != a {
		t.Fatalf("expected coalescing heap to hand out the freed block 0x%x; got 0x%x", a, z)
	}
	for i := uintptr(0); i < 64; i++ {
		if got := ram.Load8(z + i); got != 0 {
			t.Fatalf("expected byte %d to be zero; got 0x%x", i, got)
		}
	}
}

func TestMustKzmalloc(t *testing.T) {
	h, _ := newTestHeap(t, 1, PolicyArena)
	got := mockPanic(t)

	if addr := h.MustKzmalloc(16); addr == 0 || *got != nil {
		t.Fatalf("unexpected failure: addr 0x%x, panic %v", addr, *got)
	}

	h.MustKzmalloc(uint(mem.PageSize))
	err, ok := (*got).(*kernel.Error)
	if !ok || err.Message != "unable to satisfy heap request of 4096 bytes" {
		t.Fatalf("expected heap exhaustion to be fatal; got %v", *got)
	}
}

func TestArenaFreeIsNoop(t *testing.T) {
	h, _ := newTestHeap(t, 1, PolicyArena)

	a := h.Kmalloc(32)
	before := h.Stats()
	h.Free(a)

	if diff := cmp.Diff(before, h.Stats()); diff != "" {
		t.Fatalf("expected Free to leave the arena untouched (-want +got):\n%s", diff)
	}

	if b := h.Kmalloc(32); b == a {
		t.Fatal("expected arena heap to never reuse a freed block")
	}
}

func TestCoalesce(t *testing.T) {
	h, _ := newTestHeap(t, 1, PolicyCoalesce)

	a := h.Kmalloc(32)
	b := h.Kmalloc(32)
	c := h.Kmalloc(32)

	h.Free(a)
	h.Free(b)

	exp := Stats{Blocks: 3, UsedBlocks: 1, UsedBytes: 40, FreeBytes: uint64(mem.PageSize) - 40}
	if diff := cmp.Diff(exp, h.Stats()); diff != "" {
		t.Fatalf("unexpected stats after freeing two neighbors (-want +got):\n%s", diff)
	}

	// the merged 80 byte block satisfies a 64 byte request at a's address
	if got := h.Kmalloc(64); got != a {
		t.Fatalf("expected merged block at 0x%x; got 0x%x", a, got)
	}

	h.Free(c)
	h.Free(a)
	exp = Stats{Blocks: 1, FreeBytes: uint64(mem.PageSize)}
	if diff := cmp.Diff(exp, h.Stats()); diff != "" {
		t.Fatalf("expected everything to merge into one block (-want +got):\n%s", diff)
	}
}

func TestFreeErrors(t *testing.T) {
	h, _ := newTestHeap(t, 1, PolicyCoalesce)
	got := mockPanic(t)

	a := h.Kmalloc(16)
	h.Kmalloc(16)

	specs := []struct {
		name   string
		addr   uintptr
		expErr *kernel.Error
	}{
		{"before heap", h.Head(), errBadFree},
		{"past heap", h.Tail(), errBadFree},
		{"interior pointer", a + 8, errNotABlock},
		{"misaligned pointer", a + 3, errNotABlock},
	}

	for _, spec := range specs {
		*got = nil
		h.Free(spec.addr)
		if *got != spec.expErr {
			t.Errorf("[%s] expected %v; got %v", spec.name, spec.expErr, *got)
		}
	}

	// interior frees must not touch the list
	if exp := (Stats{Blocks: 3, UsedBlocks: 2, UsedBytes: 48, FreeBytes: uint64(mem.PageSize) - 48}); cmp.Diff(exp, h.Stats()) != "" {
		t.Fatalf("expected rejected frees to leave the heap untouched; got %+v", h.Stats())
	}

	*got = nil
	h.Free(a)
	h.Free(a)
	if *got != errDoubleFree {
		t.Fatalf("expected double free to be fatal; got %v", *got)
	}

	// null pointers are ignored
	*got = nil
	h.Free(0)
	if *got != nil {
		t.Fatalf("expected Free(0) to be ignored; got %v", *got)
	}
}

func TestDumpTo(t *testing.T) {
	h, _ := newTestHeap(t, 1, PolicyArena)
	h.Kmalloc(8)

	var buf bytes.Buffer
	h.DumpTo(&buf)

	out := buf.String()
	for _, exp := range []string{"(arena)", "      16 bytes taken", "    4080 bytes free"} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected dump to contain %q; got:\n%s", exp, out)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	specs := []struct {
		name   string
		exp    Policy
		expErr bool
	}{
		{"", PolicyArena, false},
		{"arena", PolicyArena, false},
		{"coalesce", PolicyCoalesce, false},
		{"compact", 0, true},
	}

	for specIndex, spec := range specs {
		got, err := ParsePolicy(spec.name)
		if (err != nil) != spec.expErr {
			t.Errorf("[spec %d] unexpected error state: %v", specIndex, err)
			continue
		}
		if got != spec.exp {
			t.Errorf("[spec %d] expected %s; got %s", specIndex, spec.exp, got)
		}
		if !spec.expErr && spec.name != "" && got.String() != spec.name {
			t.Errorf("[spec %d] expected String() to round-trip %q; got %q", specIndex, spec.name, got.String())
		}
	}
}
