package mem

import "testing"

func TestAlign(t *testing.T) {
	specs := []struct {
		addr      uintptr
		order     uint
		exp       uintptr
		expAlignD uintptr
	}{
		{0, 12, 0, 0},
		{1, 12, 0x1000, 0},
		{0x1000, 12, 0x1000, 0x1000},
		{0x1001, 12, 0x2000, 0x1000},
		{13, 3, 16, 8},
		{0x80001234, 0, 0x80001234, 0x80001234},
	}

	for specIndex, spec := range specs {
		if got := Align(spec.addr, spec.order); got != spec.exp {
			t.Errorf("[spec %d] expected Align(0x%x, %d) to be 0x%x; got 0x%x", specIndex, spec.addr, spec.order, spec.exp, got)
		}
		if got := AlignDown(spec.addr, spec.order); got != spec.expAlignD {
			t.Errorf("[spec %d] expected AlignDown(0x%x, %d) to be 0x%x; got 0x%x", specIndex, spec.addr, spec.order, spec.expAlignD, got)
		}
	}
}

func TestSize(t *testing.T) {
	specs := []struct {
		size     Size
		expPages uint64
		expStr   string
	}{
		{0, 0, "0B"},
		{1, 1, "1B"},
		{PageSize, 1, "4K"},
		{PageSize + 1, 2, "4097B"},
		{8 * Mb, 2048, "8M"},
		{2 * Gb, 524288, "2G"},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.expPages {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.expPages, got)
		}
		if got := spec.size.String(); got != spec.expStr {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.expStr, got)
		}
	}
}
