package taint

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// snapshot returns the per-byte taint of [addr, addr+n).
func snapshot(s *Store, addr, n uint64) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = s.IsTainted(addr + uint64(i))
	}
	return out
}

func TestSetAndQuery(t *testing.T) {
	tests := []struct {
		name string
		addr uint64
		n    uint64
	}{
		{"single byte", 0x1000, 1},
		{"within word", 0x1003, 7},
		{"word boundary", 0x103c, 8},
		{"page boundary", 0x1ffa, 12},
		{"multi page", 0x2ff0, 3 * pageSize},
		{"full word", 0x4000, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			s.Set(tt.addr, tt.n, true)

			if !s.IsRangeTainted(tt.addr, tt.n) {
				t.Errorf("IsRangeTainted(0x%x, %d) = false after Set", tt.addr, tt.n)
			}
			if s.IsRangeTainted(tt.addr-1, 1) {
				t.Errorf("byte before range is tainted")
			}
			if s.IsRangeTainted(tt.addr+tt.n, 1) {
				t.Errorf("byte after range is tainted")
			}
			if got := s.Count(); got != tt.n {
				t.Errorf("Count() = %d, want %d", got, tt.n)
			}
		})
	}
}

func TestSetIdempotent(t *testing.T) {
	once := NewStore()
	once.Set(0x500, 40, true)

	twice := NewStore()
	twice.Set(0x500, 40, true)
	twice.Set(0x500, 40, true)

	if diff := cmp.Diff(once.Ranges(), twice.Ranges()); diff != "" {
		t.Errorf("ranges differ (-once +twice):\n%s", diff)
	}
}

func TestZeroLengthIsNoop(t *testing.T) {
	s := NewStore()
	s.Set(0x100, 0, true)
	if s.Count() != 0 {
		t.Fatalf("zero-length Set tainted %d bytes", s.Count())
	}
	s.Set(0x100, 4, true)
	if s.IsRangeTainted(0x100, 0) {
		t.Error("zero-length query reported taint")
	}
	s.Copy(0x100, 0x200, 0)
	if s.IsRangeTainted(0x200, 4) {
		t.Error("zero-length Copy moved taint")
	}
}

func TestAnyByteTaintsRange(t *testing.T) {
	s := NewStore()
	s.Set(0x2000, 0x100, false)
	s.Set(0x2080, 1, true)

	if !s.IsRangeTainted(0x2000, 0x100) {
		t.Error("one tainted byte should taint the whole query")
	}
	if s.IsRangeTainted(0x2000, 0x80) {
		t.Error("range before the tainted byte reported tainted")
	}
	if s.IsRangeTainted(0x2081, 0x7f) {
		t.Error("range after the tainted byte reported tainted")
	}
}

func TestClearFreesPages(t *testing.T) {
	s := NewStore()
	s.Set(0x10000, 2*pageSize, true)
	s.Set(0x10000, 2*pageSize, false)

	if len(s.pages) != 0 {
		t.Errorf("expected all pages freed, %d left", len(s.pages))
	}
	if s.IsRangeTainted(0x10000, 2*pageSize) {
		t.Error("range still tainted after clear")
	}
}

func TestCopySnapshot(t *testing.T) {
	s := NewStore()
	s.Set(0x100, 3, true)
	s.Set(0x105, 2, true)

	before := s.IsRangeTainted(0x100, 8)
	want := snapshot(s, 0x100, 8)

	s.Copy(0x100, 0x900, 8)
	if got := s.IsRangeTainted(0x900, 8); got != before {
		t.Errorf("IsRangeTainted(dst) = %v, want %v", got, before)
	}
	if diff := cmp.Diff(want, snapshot(s, 0x900, 8)); diff != "" {
		t.Errorf("per-byte taint differs (-src +dst):\n%s", diff)
	}

	// Later changes to the source do not affect the copy.
	s.Set(0x100, 8, false)
	if !s.IsRangeTainted(0x900, 8) {
		t.Error("copy behaved like an alias of the source")
	}
}

func TestCopyCleansDestination(t *testing.T) {
	s := NewStore()
	s.Set(0x4000, 16, true)
	s.Copy(0x8000, 0x4000, 16)
	if s.IsRangeTainted(0x4000, 16) {
		t.Error("copying clean bytes should clean the destination")
	}
}

func TestCopyOverlap(t *testing.T) {
	pattern := func(s *Store, base uint64) {
		// 1 0 1 1 0 0 1 0 ...
		for i, v := range []bool{true, false, true, true, false, false, true, false, true, true} {
			s.Set(base+uint64(i), 1, v)
		}
	}

	for _, shift := range []int64{1, -1, 3, 63, -65} {
		const base, n = 0x3000, 200
		s := NewStore()
		pattern(s, base)
		s.Set(base+150, 20, true)

		src := uint64(base)
		dst := uint64(int64(base) + shift)

		// Reference: copy through an independent temporary buffer.
		tmp := snapshot(s, src, n)
		want := NewStore()
		pattern(want, base)
		want.Set(base+150, 20, true)
		for i, v := range tmp {
			want.Set(dst+uint64(i), 1, v)
		}

		s.Copy(src, dst, n)

		lo, hi := min(src, dst)-8, max(src, dst)+n+8
		if diff := cmp.Diff(snapshot(want, lo, hi-lo), snapshot(s, lo, hi-lo)); diff != "" {
			t.Errorf("shift %d: overlapping copy differs (-want +got):\n%s", shift, diff)
		}
	}
}

func TestTaintedRanges(t *testing.T) {
	s := NewStore()
	s.Set(0x1ff0, 0x20, true) // spans a page boundary
	s.Set(0x5000, 4, true)    // separate page
	s.Set(0x5010, 1, true)

	want := []Range{{0x1ff0, 0x20}, {0x5000, 4}, {0x5010, 1}}
	if diff := cmp.Diff(want, s.Ranges()); diff != "" {
		t.Errorf("Ranges() mismatch (-want +got):\n%s", diff)
	}

	got := s.TaintedRanges(0x5002, 0x100)
	if diff := cmp.Diff([]Range{{0x5002, 2}, {0x5010, 1}}, got); diff != "" {
		t.Errorf("TaintedRanges mismatch (-want +got):\n%s", diff)
	}

	if got := s.TaintedRanges(0x8000, 3*pageSize); len(got) != 0 {
		t.Errorf("TaintedRanges over clean pages = %v", got)
	}
}

func TestTaintedRangesWrap(t *testing.T) {
	s := NewStore()
	top := ^uint64(0) - 3
	s.Set(top, 8, true)

	if !s.IsRangeTainted(0, 4) || !s.IsTainted(^uint64(0)) {
		t.Fatalf("Set did not wrap past the top of the address space")
	}
	got := s.TaintedRanges(top, 8)
	if diff := cmp.Diff([]Range{{top, 8}}, got); diff != "" {
		t.Errorf("TaintedRanges across wrap (-want +got):\n%s", diff)
	}
	if got := s.TaintedRanges(^uint64(0), 2); len(got) != 1 || got[0].Len != 2 {
		t.Errorf("TaintedRanges(max, 2) = %v", got)
	}
	if got := s.TaintedRanges(4, 4); len(got) != 0 {
		t.Errorf("TaintedRanges past the wrapped taint = %v", got)
	}
}
