// Package taint tracks uninitialized memory through an emulated firmware run.
//
// The Store is the byte-granular shadow memory. Propagation rules bound to
// firmware API boundaries and the stack auto-tainter update it, and the
// SetVariable sink check reports a violation when tainted bytes are about to
// be persisted.
package taint

import (
	"fmt"
	"maps"
	"math/bits"
	"slices"
)

// Shadow page geometry: one bit per byte, 4 KiB of address space per page.
const (
	pageShift    = 12
	pageSize     = 1 << pageShift
	pageMask     = pageSize - 1
	wordsPerPage = pageSize / 64
)

type page [wordsPerPage]uint64

func (p *page) empty() bool {
	for _, w := range p {
		if w != 0 {
			return false
		}
	}
	return true
}

// Range is a half-open byte range [Addr, Addr+Len).
type Range struct {
	Addr uint64
	Len  uint64
}

// End returns the first address past the range.
func (r Range) End() uint64 {
	return r.Addr + r.Len
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Addr, r.End())
}

// Store is a sparse shadow memory holding one taint bit per emulated byte.
// Untouched bytes are clean. A Store belongs to one emulated session and is
// not safe for concurrent use.
type Store struct {
	pages map[uint64]*page
}

// NewStore creates an empty (all clean) store.
func NewStore() *Store {
	return &Store{pages: make(map[uint64]*page)}
}

// lowMask returns a mask of the n low bits (n <= 64).
func lowMask(n uint64) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << n) - 1
}

// chunk returns how many bytes starting at addr fit in the current shadow word,
// capped at n.
func chunk(addr, n uint64) uint64 {
	return min(n, 64-(addr&63))
}

// load returns the taint bits of [addr, addr+n), n <= 64, bit i = byte addr+i.
func (s *Store) load(addr, n uint64) uint64 {
	var v, got uint64
	for got < n {
		a := addr + got
		k := chunk(a, n-got)
		if p := s.pages[a>>pageShift]; p != nil {
			off := a & pageMask
			v |= ((p[off>>6] >> (off & 63)) & lowMask(k)) << got
		}
		got += k
	}
	return v
}

// store writes the taint bits of [addr, addr+n), n <= 64.
func (s *Store) store(addr, n, v uint64) {
	var done uint64
	for done < n {
		a := addr + done
		k := chunk(a, n-done)
		bitsv := (v >> done) & lowMask(k)
		pn := a >> pageShift
		p := s.pages[pn]
		if p == nil {
			if bitsv == 0 {
				done += k
				continue
			}
			p = new(page)
			s.pages[pn] = p
		}
		off := a & pageMask
		shift := off & 63
		mask := lowMask(k) << shift
		p[off>>6] = p[off>>6]&^mask | bitsv<<shift
		if bitsv == 0 && p.empty() {
			delete(s.pages, pn)
		}
		done += k
	}
}

// Set overwrites the taint state of [addr, addr+n). A zero-length range is a no-op.
func (s *Store) Set(addr, n uint64, tainted bool) {
	var fill uint64
	if tainted {
		fill = ^uint64(0)
	}
	for n > 0 {
		// Clearing an absent page is a no-op; skip to the next one.
		if !tainted && s.pages[addr>>pageShift] == nil {
			skip := min(n, pageSize-(addr&pageMask))
			addr += skip
			n -= skip
			continue
		}
		k := chunk(addr, n)
		s.store(addr, k, fill)
		addr += k
		n -= k
	}
}

// IsTainted reports whether the byte at addr is tainted.
func (s *Store) IsTainted(addr uint64) bool {
	return s.load(addr, 1) != 0
}

// IsRangeTainted reports whether any byte in [addr, addr+n) is tainted.
func (s *Store) IsRangeTainted(addr, n uint64) bool {
	for n > 0 {
		if s.pages[addr>>pageShift] == nil {
			skip := min(n, pageSize-(addr&pageMask))
			addr += skip
			n -= skip
			continue
		}
		k := chunk(addr, n)
		if s.load(addr, k) != 0 {
			return true
		}
		addr += k
		n -= k
	}
	return false
}

// Copy copies the taint of [src, src+n) onto [dst, dst+n) byte for byte.
// The source is snapshotted first, so overlapping ranges behave like a copy
// through a temporary buffer.
func (s *Store) Copy(src, dst, n uint64) {
	if n == 0 || src == dst {
		return
	}
	snap := make([]uint64, (n+63)/64)
	for i := range snap {
		off := uint64(i) * 64
		snap[i] = s.load(src+off, min(64, n-off))
	}
	for i, v := range snap {
		off := uint64(i) * 64
		s.store(dst+off, min(64, n-off), v)
	}
}

// TaintedRanges returns the maximal tainted sub-ranges of [addr, addr+n).
// Like IsRangeTainted it walks n bytes, wrapping at the top of the address
// space.
func (s *Store) TaintedRanges(addr, n uint64) []Range {
	var out []Range
	for n > 0 {
		if s.pages[addr>>pageShift] == nil {
			skip := min(n, pageSize-(addr&pageMask))
			addr += skip
			n -= skip
			continue
		}
		if s.IsTainted(addr) {
			if len(out) > 0 && out[len(out)-1].End() == addr {
				out[len(out)-1].Len++
			} else {
				out = append(out, Range{Addr: addr, Len: 1})
			}
		}
		addr++
		n--
	}
	return out
}

// Ranges returns every tainted range in the store, sorted by address.
func (s *Store) Ranges() []Range {
	var out []Range
	for _, pn := range slices.Sorted(maps.Keys(s.pages)) {
		base := pn << pageShift
		for _, r := range s.TaintedRanges(base, pageSize) {
			if len(out) > 0 && out[len(out)-1].End() == r.Addr {
				out[len(out)-1].Len += r.Len
				continue
			}
			out = append(out, r)
		}
	}
	return out
}

// Count returns the number of tainted bytes.
func (s *Store) Count() uint64 {
	var total uint64
	for _, p := range s.pages {
		for _, w := range p {
			total += uint64(bits.OnesCount64(w))
		}
	}
	return total
}
