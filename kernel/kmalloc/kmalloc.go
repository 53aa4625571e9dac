// Package kmalloc implements the kernel heap hierarchy (§4.D): a
// buddy-style allocator over a complete binary tree of per-node flag
// bytes, arranged as a hierarchy of heaps selected by requested size, plus
// an optional leak detector.
//
// Grounded on the teacher's allocator shape — an embedded mutex guarding
// counters, "assert against double-free" panics (biscuit/src/mem/mem.go's
// Physmem_t._refdec/_phys_put) and lazy physical backing
// (biscuit/src/circbuf/circbuf.go's Cb_ensure) — generalized to the
// explicit buddy-tree algorithm spec.md §3/§4.D specifies. The leak
// detector follows biscuit/src/caller/caller.go's use of
// runtime.Callers/runtime.CallersFrames to fingerprint call sites, and
// reports via a real pprof profile (see DESIGN.md and SPEC_FULL.md's
// DOMAIN STACK).
package kmalloc

import (
	"runtime"
	"sync"

	"github.com/google/pprof/profile"

	"kcore/kernel/defs"
	"kcore/kernel/paging"
	"kcore/kernel/physmem"
)

/// AlignFlags requests a minimum alignment, expressed as a multiple of
/// pointer size (4 bytes, matching the 32-bit target).
type AlignFlags uint32

const ptrSize = 4

const (
	AlignNone AlignFlags = 0
	Align2x   AlignFlags = 2 * ptrSize
	Align4x   AlignFlags = 4 * ptrSize
	Align8x   AlignFlags = 8 * ptrSize
	Align16x  AlignFlags = 16 * ptrSize
)

/// MultiStep is a flag bit that the alignment handling masks off and
/// otherwise ignores: passing it to Alloc or AlignedKmalloc does not split
/// a request. Splitting a request larger than any single registered
/// heap's capacity is done by HeapSet.AllocMultiStep, which takes no
/// flags; its parts are NOT necessarily virtually contiguous and may come
/// from different heaps in the hierarchy.
const MultiStep AlignFlags = 1 << 31

// node flag bits, one byte per tree node (§3).
const (
	nodeAllocated uint8 = 1 << iota
	nodeSplit
	nodeFull
)

/// Heap manages one contiguous virtual range as a buddy allocator over a
/// complete binary tree of node-flag bytes (§3/§4.D).
type Heap struct {
	mu sync.Mutex

	vaddrBase      defs.Va_t
	size           int
	minBlockSize   int
	allocBlockSize int
	linear         bool

	meta    []uint8 // 1-indexed; meta[0] unused
	numLeaf int
	depth   int // leaf depth

	mgr    *paging.Manager
	pdir   *paging.Pdir
	phys   *physmem.Allocator_t
	mapped map[int]bool // alloc_block_size-granule index -> backed
}

/// NewHeap constructs a Heap covering [vaddrBase, vaddrBase+size) with the
/// given granularities. linear heaps (vaddrBase inside the kernel linear
/// mapping) skip the virtual-mapping step entirely, per §4.D. phys may be
/// nil for a linear heap, since it never needs to back itself.
func NewHeap(mgr *paging.Manager, pdir *paging.Pdir, phys *physmem.Allocator_t, vaddrBase defs.Va_t, size, minBlockSize, allocBlockSize int) *Heap {
	if size <= 0 || minBlockSize <= 0 || size%minBlockSize != 0 {
		panic("kmalloc: bad heap geometry")
	}
	numLeaf := size / minBlockSize
	if numLeaf&(numLeaf-1) != 0 {
		panic("kmalloc: leaf count must be a power of two")
	}
	depth := 0
	for 1<<depth < numLeaf {
		depth++
	}
	h := &Heap{
		vaddrBase:      vaddrBase,
		size:           size,
		minBlockSize:   minBlockSize,
		allocBlockSize: allocBlockSize,
		linear:         paging.IsLinear(vaddrBase),
		meta:           make([]uint8, 2*numLeaf),
		numLeaf:        numLeaf,
		depth:          depth,
		mgr:            mgr,
		pdir:           pdir,
		phys:           phys,
		mapped:         make(map[int]bool),
	}
	return h
}

func nodeDepth(i int) int {
	d := 0
	for v := i; v > 1; v >>= 1 {
		d++
	}
	return d
}

func (h *Heap) blockSizeAt(depth int) int { return h.size >> depth }

func (h *Heap) blockAddr(i int) defs.Va_t {
	d := nodeDepth(i)
	bs := h.blockSizeAt(d)
	idx := i - (1 << d)
	return h.vaddrBase + defs.Va_t(idx*bs)
}

func (h *Heap) get(i int) uint8  { return h.meta[i] }
func (h *Heap) set(i int, f uint8) { h.meta[i] |= f }
func (h *Heap) clr(i int, f uint8) { h.meta[i] &^= f }
func (h *Heap) isFull(i int) bool      { return h.meta[i]&nodeFull != 0 }
func (h *Heap) isSplit(i int) bool     { return h.meta[i]&nodeSplit != 0 }
func (h *Heap) isAllocated(i int) bool { return h.meta[i]&nodeAllocated != 0 }

func (h *Heap) recomputeFull(i int) {
	if h.isAllocated(i) {
		h.set(i, nodeFull)
		return
	}
	if h.isSplit(i) && h.isFull(2*i) && h.isFull(2*i+1) {
		h.set(i, nodeFull)
	} else {
		h.clr(i, nodeFull)
	}
}

func (h *Heap) propagateFullUp(i int) {
	for i > 1 {
		i /= 2
		h.recomputeFull(i)
	}
}

// targetDepth returns the tree depth whose block size is the smallest
// power-of-two multiple of minBlockSize that is >= want. blockSizeAt
// grows monotonically as d decreases, so the first (deepest) depth that
// satisfies it is already the smallest adequate block.
func (h *Heap) targetDepth(want int) (int, bool) {
	for d := h.depth; d >= 0; d-- {
		if h.blockSizeAt(d) >= want {
			return d, true
		}
	}
	return 0, false
}

// alloc1 walks from the root to targetDepth, splitting nodes as needed
// and preferring the child whose full flag is clear, then marks the leaf
// allocated and propagates full upward.
func (h *Heap) alloc1(want int) (int, bool) {
	d, ok := h.targetDepth(want)
	if !ok {
		return 0, false
	}
	i := 1
	for nodeDepth(i) < d {
		if !h.isSplit(i) {
			if h.isAllocated(i) {
				return 0, false
			}
			h.set(i, nodeSplit)
		}
		l, r := 2*i, 2*i+1
		switch {
		case !h.isFull(l):
			i = l
		case !h.isFull(r):
			i = r
		default:
			return 0, false
		}
	}
	if h.isFull(i) {
		return 0, false
	}
	h.set(i, nodeAllocated)
	h.propagateFullUp(i)
	return i, true
}

func (h *Heap) leafEmpty(i int) bool {
	return !h.isAllocated(i) && !h.isSplit(i)
}

func (h *Heap) free1(i int) {
	if !h.isAllocated(i) {
		panic("kmalloc: free of unallocated block")
	}
	h.clr(i, nodeAllocated)
	h.recomputeFull(i)
	h.propagateFullUp(i)
	for i > 1 {
		p := i / 2
		l, r := 2*p, 2*p+1
		if !h.leafEmpty(l) || !h.leafEmpty(r) {
			break
		}
		h.clr(p, nodeSplit)
		h.clr(p, nodeFull)
		i = p
	}
}

func alignFor(flags AlignFlags) int {
	a := int(flags &^ MultiStep)
	if a == 0 {
		return 1
	}
	return a
}

// ensureBacked maps the alloc_block_size granule containing va if it has
// not yet been handed out, matching §4.D: "non-linear heaps call
// map_pages lazily when a previously untouched alloc_block_size chunk is
// first handed out."
func (h *Heap) ensureBacked(va defs.Va_t) defs.Err_t {
	if h.linear || h.mgr == nil {
		return 0
	}
	granule := int(va-h.vaddrBase) / h.allocBlockSize
	if h.mapped[granule] {
		return 0
	}
	gva := h.vaddrBase + defs.Va_t(granule*h.allocBlockSize)
	n := h.allocBlockSize / paging.PageSize
	for i := 0; i < n; i++ {
		pg := h.phys.AllocPage()
		if pg == physmem.InvalidPa {
			return defs.ENOMEM
		}
		if err := h.mgr.MapPage(h.pdir, gva+defs.Va_t(i*paging.PageSize), pg, paging.FlagP|paging.FlagW); err != 0 {
			return err
		}
	}
	h.mapped[granule] = true
	return 0
}

// wantFor computes the internal block size alloc1 must satisfy for a
// request of n bytes at the given alignment: Alloc and FreeAligned must
// agree on this exactly, or a freed block would resolve to the wrong
// tree depth.
func (h *Heap) wantFor(n int, flags AlignFlags) int {
	align := alignFor(flags)
	want := n
	if align > h.minBlockSize {
		want = n + align - h.minBlockSize
	}
	if want < h.minBlockSize {
		want = h.minBlockSize
	}
	return want
}

/// Alloc reserves a block of at least n bytes at the given alignment and
/// returns its virtual address, or ok=false on exhaustion.
func (h *Heap) Alloc(n int, flags AlignFlags) (defs.Va_t, bool) {
	if n <= 0 {
		panic("kmalloc: bad size")
	}
	want := h.wantFor(n, flags)
	h.mu.Lock()
	i, ok := h.alloc1(want)
	if !ok {
		h.mu.Unlock()
		return 0, false
	}
	va := h.blockAddr(i)
	h.mu.Unlock()
	if err := h.ensureBacked(va); err != 0 {
		h.mu.Lock()
		h.free1(i)
		h.mu.Unlock()
		return 0, false
	}
	return va, true
}

/// Free releases the block at va that was allocated with Alloc(origSize,
/// AlignNone). Use FreeAligned for a block that was allocated with
/// non-trivial alignment flags.
func (h *Heap) Free(va defs.Va_t, origSize int) {
	h.FreeAligned(va, origSize, AlignNone)
}

/// FreeAligned releases the block at va that was allocated with
/// Alloc(origSize, flags); flags must match the original call exactly,
/// since alignment changes the internal block size Alloc rounded up to.
func (h *Heap) FreeAligned(va defs.Va_t, origSize int, flags AlignFlags) {
	want := h.wantFor(origSize, flags)
	d, ok := h.targetDepth(want)
	if !ok {
		panic("kmalloc: size too large for heap")
	}
	bs := h.blockSizeAt(d)
	idx := int(va-h.vaddrBase) / bs
	i := (1 << d) + idx
	h.mu.Lock()
	defer h.mu.Unlock()
	h.free1(i)
}

/// Contains reports whether va falls within this heap's virtual range.
func (h *Heap) Contains(va defs.Va_t) bool {
	return va >= h.vaddrBase && va < h.vaddrBase+defs.Va_t(h.size)
}

/// MinBlockSize returns the heap's granularity (the "heap granularity" of
/// the GLOSSARY).
func (h *Heap) MinBlockSize() int { return h.minBlockSize }

/// Size returns the heap's total managed size in bytes.
func (h *Heap) Size() int { return h.size }

/// AllocBlockSize returns the unit at which this heap backs virtual with
/// physical memory.
func (h *Heap) AllocBlockSize() int { return h.allocBlockSize }

/// KmallocHeapsCount bounds the number of heaps in one hierarchy (§4.D).
const KmallocHeapsCount = 8

/// HeapSet is the registered hierarchy of heaps that kmalloc/kfree2
/// dispatch across, selecting by requested size (§4.D).
type HeapSet struct {
	mu    sync.Mutex
	heaps []*Heap

	leak *leakDetector
}

/// NewHeapSet constructs an empty heap hierarchy. Individual heaps carry
/// their own physmem.Allocator_t reference (passed to NewHeap), so
/// HeapSet itself stays storage-agnostic.
func NewHeapSet() *HeapSet {
	return &HeapSet{}
}

/// Register adds a heap to the hierarchy. It panics past
/// KmallocHeapsCount, matching the teacher's hard-coded-limit style.
func (hs *HeapSet) Register(h *Heap) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.heaps) >= KmallocHeapsCount {
		panic("kmalloc: too many heaps registered")
	}
	hs.heaps = append(hs.heaps, h)
}

// pick selects the smallest-capacity heap whose size holds n and whose
// allocBlockSize is <= n. If no heap qualifies, it falls back to the heap
// with the smallest minBlockSize whose size still holds n.
func (hs *HeapSet) pick(n int) *Heap {
	var best *Heap
	for _, h := range hs.heaps {
		if h.size < n || h.allocBlockSize > n {
			continue
		}
		if best == nil || h.size < best.size {
			best = h
		}
	}
	if best != nil {
		return best
	}
	// fallback: smallest-granularity heap still able to hold n at all.
	for _, h := range hs.heaps {
		if h.size >= n && (best == nil || h.minBlockSize < best.minBlockSize) {
			best = h
		}
	}
	return best
}

func (hs *HeapSet) owner(va defs.Va_t) *Heap {
	for _, h := range hs.heaps {
		if h.Contains(va) {
			return h
		}
	}
	return nil
}

/// Kmalloc allocates n bytes from the smallest heap able to serve the
/// request, returning a nil-equivalent (0, false) on exhaustion.
func (hs *HeapSet) Kmalloc(n int) (defs.Va_t, bool) {
	return hs.AlignedKmalloc(n, AlignNone)
}

/// Kzmalloc is Kmalloc followed by zeroing, using the physical backing
/// bytes exposed by physmem (this simulated kernel keeps real byte
/// contents behind every mapped page for COW and leak-report purposes).
/// A heap built without a paging.Manager has no backing bytes, so nothing
/// is zeroed for it.
func (hs *HeapSet) Kzmalloc(n int) (defs.Va_t, bool) {
	va, ok := hs.Kmalloc(n)
	if !ok {
		return 0, false
	}
	if h := hs.owner(va); h != nil && h.mgr != nil {
		if err := h.mgr.VirtualWrite(h.pdir, va, make([]byte, n)); err != 0 {
			hs.Kfree2(va, n)
			return 0, false
		}
	}
	return va, true
}

/// AlignedKmalloc allocates n bytes with the requested alignment flags.
func (hs *HeapSet) AlignedKmalloc(n int, flags AlignFlags) (defs.Va_t, bool) {
	h := hs.pick(n)
	if h == nil {
		return 0, false
	}
	va, ok := h.Alloc(n, flags)
	if ok && hs.leak != nil {
		hs.leak.record(va, n)
	}
	return va, ok
}

/// MultiStepPart is one chunk of a HeapSet.AllocMultiStep request, large
/// enough for its owning heap to Free it back with Kfree2 later.
type MultiStepPart struct {
	Va   defs.Va_t
	Size int
}

/// AllocMultiStep satisfies a request larger than any single registered
/// heap's capacity by chaining Kmalloc calls, each capped to the largest
/// heap's size, across the hierarchy. No single Heap can ever hold more
/// than its own size in live allocations at once, so a request exceeding
/// every heap's capacity can only be served as multiple independent
/// parts — possibly from different heaps, and not virtually contiguous.
/// On partial failure every part allocated so far is rolled back.
func (hs *HeapSet) AllocMultiStep(n int) ([]MultiStepPart, bool) {
	hs.mu.Lock()
	var largest int
	for _, h := range hs.heaps {
		if h.size > largest {
			largest = h.size
		}
	}
	hs.mu.Unlock()
	if largest == 0 {
		return nil, false
	}

	remaining := n
	var parts []MultiStepPart
	for remaining > 0 {
		take := largest
		if remaining < take {
			take = remaining
		}
		va, ok := hs.Kmalloc(take)
		if !ok {
			for _, p := range parts {
				hs.Kfree2(p.Va, p.Size)
			}
			return nil, false
		}
		parts = append(parts, MultiStepPart{Va: va, Size: take})
		remaining -= take
	}
	return parts, true
}

/// Kfree2 releases a pointer previously returned by Kmalloc/Kzmalloc;
/// size must match the original request. Freeing from an unknown heap
/// range is a panic (§4.D "per_heap_kfree with an unknown pointer is a
/// panic").
func (hs *HeapSet) Kfree2(va defs.Va_t, size int) {
	h := hs.owner(va)
	if h == nil {
		panic("kmalloc: kfree2 of pointer owned by no heap")
	}
	h.Free(va, size)
	if hs.leak != nil {
		hs.leak.forget(va)
	}
}

/// AlignedKfree2 releases a pointer previously returned by
/// AlignedKmalloc(size, flags); flags must match the original call.
func (hs *HeapSet) AlignedKfree2(va defs.Va_t, size int, flags AlignFlags) {
	h := hs.owner(va)
	if h == nil {
		panic("kmalloc: kfree2 of pointer owned by no heap")
	}
	h.FreeAligned(va, size, flags)
	if hs.leak != nil {
		hs.leak.forget(va)
	}
}

/// PerHeapKmalloc/PerHeapKfree let a subsystem (e.g. a process's mmap
/// heap) own a single Heap directly rather than going through a HeapSet.
func PerHeapKmalloc(h *Heap, n int, flags AlignFlags) (defs.Va_t, bool) {
	return h.Alloc(n, flags)
}

func PerHeapKfree(h *Heap, va defs.Va_t, size int) {
	h.Free(va, size)
}

// --- leak detector -------------------------------------------------------

type liveAlloc struct {
	size int
	pcs  []uintptr
}

type leakDetector struct {
	mu   sync.Mutex
	live map[defs.Va_t]liveAlloc
}

/// EnableLeakDetection turns on caller-address tracking for every future
/// allocation through hs.
func (hs *HeapSet) EnableLeakDetection() {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.leak = &leakDetector{live: make(map[defs.Va_t]liveAlloc)}
}

func (ld *leakDetector) record(va defs.Va_t, size int) {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(4, pcs)
	ld.mu.Lock()
	defer ld.mu.Unlock()
	ld.live[va] = liveAlloc{size: size, pcs: pcs[:n]}
}

func (ld *leakDetector) forget(va defs.Va_t) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	delete(ld.live, va)
}

/// LeakProfile builds a pprof profile.Profile with one sample per live
/// allocation, its location derived from the recorded caller PC — the
/// "reports still-live allocations" shutdown behavior of §4.D, rendered
/// as a real heap profile instead of a text dump.
func (hs *HeapSet) LeakProfile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "allocations", Unit: "count"}, {Type: "space", Unit: "bytes"}},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}
	if hs.leak == nil {
		return p
	}
	hs.leak.mu.Lock()
	defer hs.leak.mu.Unlock()

	funcByAddr := map[uintptr]*profile.Function{}
	locByAddr := map[uintptr]*profile.Location{}
	var nextID uint64
	id := func() uint64 { nextID++; return nextID }

	for va, la := range hs.leak.live {
		var locs []*profile.Location
		frames := runtime.CallersFrames(la.pcs)
		for {
			fr, more := frames.Next()
			if loc, ok := locByAddr[fr.PC]; ok {
				locs = append(locs, loc)
			} else {
				fn, ok := funcByAddr[fr.PC]
				if !ok {
					fn = &profile.Function{ID: id(), Name: fr.Function, Filename: fr.File}
					funcByAddr[fr.PC] = fn
					p.Function = append(p.Function, fn)
				}
				loc := &profile.Location{
					ID:   id(),
					Line: []profile.Line{{Function: fn, Line: int64(fr.Line)}},
				}
				locByAddr[fr.PC] = loc
				p.Location = append(p.Location, loc)
				locs = append(locs, loc)
			}
			if !more {
				break
			}
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{1, int64(la.size)},
			Label:    map[string][]string{"addr": {formatVa(va)}},
		})
	}
	return p
}

func formatVa(va defs.Va_t) string {
	const hex = "0123456789abcdef"
	if va == 0 {
		return "0x0"
	}
	var buf [2 + 16]byte
	i := len(buf)
	v := uint64(va)
	for v > 0 {
		i--
		buf[i] = hex[v&0xf]
		v >>= 4
	}
	i--
	buf[i] = 'x'
	i--
	buf[i] = '0'
	return string(buf[i:])
}
