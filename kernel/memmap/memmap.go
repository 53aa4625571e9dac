// Package memmap builds and maintains the architecture-neutral system
// memory map (§4.A): a sorted, non-overlapping list of physical memory
// regions handed in by the boot protocol (§6), plus the two arch-specific
// passes that bracket it (low-memory reservation and the legacy DMA
// window carve-out).
//
// Grounded on the teacher's boot-time region handling in
// mem.Phys_init (biscuit/src/mem/mem.go) and on
// original_source/kernel/arch/generic_x86/mmap.c for the E820-style
// region-kind set and the "reserved beats available" merge rule.
package memmap

import (
	"fmt"
	"sort"
	"strings"
)

/// Kind classifies a physical memory region.
type Kind int

const (
	Available Kind = iota
	Reserved
	AcpiReclaim
	AcpiNvs
	BadRAM
	Bootloader
	KernelImage
	Initrd
	EfiRuntimeRO
	EfiRuntimeRW
)

func (k Kind) String() string {
	switch k {
	case Available:
		return "available"
	case Reserved:
		return "reserved"
	case AcpiReclaim:
		return "acpi-reclaim"
	case AcpiNvs:
		return "acpi-nvs"
	case BadRAM:
		return "badram"
	case Bootloader:
		return "bootloader"
	case KernelImage:
		return "kernel"
	case Initrd:
		return "initrd"
	case EfiRuntimeRO:
		return "efi-runtime-ro"
	case EfiRuntimeRW:
		return "efi-runtime-rw"
	default:
		return "unknown"
	}
}

/// Extra is a bitset of auxiliary region attributes.
type Extra uint32

const (
	LowMem Extra = 1 << iota
	DMA
)

/// Region describes a contiguous run of physical memory.
type Region struct {
	Addr  uint64
	Len   uint64
	Kind  Kind
	Extra Extra
}

func (r Region) end() uint64 { return r.Addr + r.Len }

/// available reports whether bytes in this region may be handed to the
/// page-frame allocator.
func (r Region) available() bool { return r.Kind == Available }

/// MaxDMA bounds the legacy ISA DMA window carved by AddFinalRegions.
const MaxDMA = 256 * 1024

// dmaSearchLimit is the "first 16 MiB" ceiling from §4.A.
const dmaSearchLimit = 16 * 1024 * 1024

/// Table is the sorted, coalescing region list. The zero value is an
/// empty, usable table.
type Table struct {
	regions []Region
}

/// Append inserts region, then re-normalizes the whole table so that
/// overlaps are resolved by "reserved beats available" and the result is
/// sorted by address with no overlaps remaining.
func (t *Table) Append(r Region) {
	t.regions = append(t.regions, r)
	t.normalize()
}

/// Count returns the number of regions currently in the table.
func (t *Table) Count() uint32 { return uint32(len(t.regions)) }

/// Get returns the i'th region. It panics on an out-of-range index, as
/// does every other indexed accessor in the teacher's style.
func (t *Table) Get(i uint32) Region {
	if int(i) >= len(t.regions) {
		panic("memmap: index out of range")
	}
	return t.regions[i]
}

/// Dump produces a canonical, human-readable text report of the table.
func (t *Table) Dump() string {
	var b strings.Builder
	for i, r := range t.regions {
		fmt.Fprintf(&b, "[%2d] %#016x - %#016x (%10d bytes) %-14s extra=%#x\n",
			i, r.Addr, r.end(), r.Len, r.Kind, r.Extra)
	}
	return b.String()
}

// normalize resolves overlaps (reserved beats available) and merges
// adjacent-and-compatible regions, leaving t.regions sorted and
// non-overlapping.
func (t *Table) normalize() {
	rs := t.regions
	sort.Slice(rs, func(i, j int) bool { return rs[i].Addr < rs[j].Addr })

	// Split the region list at every distinct boundary point, assigning
	// each resulting sub-span the "strongest" (least-available) kind of
	// any region covering it. This both resolves overlaps and keeps the
	// invariant that every non-available byte is covered by some region.
	type point struct {
		addr  uint64
		start bool
		idx   int
	}
	pts := make([]point, 0, 2*len(rs))
	for i, r := range rs {
		pts = append(pts, point{r.Addr, true, i}, point{r.end(), false, i})
	}
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].addr != pts[j].addr {
			return pts[i].addr < pts[j].addr
		}
		// process region-ends before region-starts at the same address
		// so a zero-length gap isn't considered "covered".
		return !pts[i].start && pts[j].start
	})

	active := map[int]bool{}
	var out []Region
	var spanStart uint64
	flush := func(spanEnd uint64) {
		if spanEnd <= spanStart || len(active) == 0 {
			return
		}
		best := rs[firstKey(active)]
		for idx := range active {
			if strength(rs[idx].Kind) > strength(best.Kind) {
				best = rs[idx]
			}
		}
		ex := Extra(0)
		for idx := range active {
			ex |= rs[idx].Extra
		}
		out = append(out, Region{Addr: spanStart, Len: spanEnd - spanStart, Kind: best.Kind, Extra: ex})
	}
	for _, p := range pts {
		flush(p.addr)
		spanStart = p.addr
		if p.start {
			active[p.idx] = true
		} else {
			delete(active, p.idx)
		}
	}

	out = coalesce(out)
	t.regions = out
}

func firstKey(m map[int]bool) int {
	for k := range m {
		return k
	}
	panic("memmap: empty active set")
}

// strength orders kinds so overlap resolution always prefers the
// non-available (or more specifically reserved) interpretation.
func strength(k Kind) int {
	if k == Available {
		return 0
	}
	return 1
}

func coalesce(rs []Region) []Region {
	if len(rs) == 0 {
		return rs
	}
	out := rs[:1]
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if last.end() == r.Addr && last.Kind == r.Kind && last.Extra == r.Extra {
			last.Len += r.Len
			continue
		}
		out = append(out, r)
	}
	return out
}

/// AddInitialRegions applies the x86 boot-time passes that must run
/// before anything else consults the table: the first 64 KiB is reserved
/// outright, and a synthetic 0-1MiB "available" region is layered in so
/// ACPI tables in low memory remain reachable.
func (t *Table) AddInitialRegions() {
	t.Append(Region{Addr: 0, Len: 1 << 20, Kind: Available, Extra: LowMem})
	t.Append(Region{Addr: 0, Len: 64 * 1024, Kind: Reserved, Extra: LowMem})
}

/// AddFinalRegions carves a DMA window of at most MaxDMA bytes out of
/// available memory in the first 16MiB, tagging it with Extra DMA. It
/// shrinks the donor region rather than duplicating it, so no byte is
/// covered twice; the window itself keeps Kind Available, so total
/// available bytes do not change.
func (t *Table) AddFinalRegions() {
	for i := range t.regions {
		r := &t.regions[i]
		if !r.available() || r.Addr >= dmaSearchLimit {
			continue
		}
		limit := r.end()
		if limit > dmaSearchLimit {
			limit = dmaSearchLimit
		}
		window := limit - r.Addr
		if window > MaxDMA {
			window = MaxDMA
		}
		if window == 0 {
			continue
		}
		dma := Region{Addr: r.Addr, Len: window, Kind: Available, Extra: r.Extra | DMA}
		if window == r.Len {
			*r = dma
		} else {
			r.Addr += window
			r.Len -= window
			t.regions = append(t.regions, Region{})
			copy(t.regions[i+2:], t.regions[i+1:])
			t.regions[i+1] = dma
		}
		return
	}
}

/// TotalDMA sums the bytes tagged Extra DMA across the table — the
/// invariant AddFinalRegions must uphold is TotalDMA() <= MaxDMA.
func (t *Table) TotalDMA() uint64 {
	var n uint64
	for _, r := range t.regions {
		if r.Extra&DMA != 0 {
			n += r.Len
		}
	}
	return n
}
