// Package paging implements virtual memory: per-process page directories
// over a shared kernel linear mapping, copy-on-write fork, hi-vmem
// reservation, and safe cross-pdir copies (§4.C).
//
// The address space is modeled as a classic two-level x86 layout (10-bit
// directory index / 10-bit table index / 12-bit offset) exactly as §3
// describes pdir: "Logically a two-level map from virtual address to
// {physical page, user-bit, rw-bit, present, large, pat}". Page-table
// pages are tracked in a registry keyed by their physmem address, the
// same pattern as the teacher's kpages/kpgadd tracker in
// biscuit/src/mem/dmap.go; PTE manipulation and the Lock-per-address-space
// style are grounded on biscuit/src/vm/as.go's Vm_t (Lock_pmap/
// Unlock_pmap, Sys_pgfault, Page_insert/Page_remove).
package paging

import (
	"sync"

	"kcore/kernel/defs"
	"kcore/kernel/physmem"
)

// EntriesPerTable is the fan-out of each directory/table level.
const EntriesPerTable = 1024

// PageSize mirrors physmem.PageSize; paging never disagrees with the
// frame allocator about the unit of mapping.
const PageSize = physmem.PageSize

/// Flags are the caller-visible PTE attributes (§3).
type Flags uint32

const (
	FlagP     Flags = 1 << iota // present
	FlagW                       // writable
	FlagU                       // user-accessible
	FlagLarge                   // large page
	FlagPAT                     // page attribute table bit

	flagCOW // internal: page is copy-on-write and must fault on write
)

const (
	/// KernelBaseVA is the start of the kernel half of every address
	/// space (the classic 3:1 split).
	KernelBaseVA defs.Va_t = 0xC0000000
	/// LinearMappingMB is the size, in MiB, of the identity-shifted
	/// linear mapping installed at KernelBaseVA.
	LinearMappingMB = 256
	/// LinearMappingEnd is the first VA past the linear mapping.
	LinearMappingEnd defs.Va_t = KernelBaseVA + defs.Va_t(LinearMappingMB)<<20
	/// KernelTopVA is the last page-aligned VA in the address space.
	KernelTopVA defs.Va_t = 0xFFFFF000
	/// UserMin is the lowest user-mappable VA; page 0 stays unmapped as
	/// a null-pointer-dereference guard.
	UserMin defs.Va_t = PageSize
)

func dirIndex(va defs.Va_t) int   { return int(va>>22) & (EntriesPerTable - 1) }
func tblIndex(va defs.Va_t) int   { return int(va>>12) & (EntriesPerTable - 1) }
func pageBase(va defs.Va_t) defs.Va_t {
	return va &^ defs.Va_t(PageSize-1)
}

// IsLinear reports whether va falls in the shared kernel linear mapping,
// where §4.D says heaps "skip the virtual-mapping step": the physical
// address is a pure function of va, never a page-table lookup.
func IsLinear(va defs.Va_t) bool {
	return va >= KernelBaseVA && va < LinearMappingEnd
}

// LinearPA returns the physical address backing a linear-mapped va.
func LinearPA(va defs.Va_t) defs.Pa_t {
	return defs.Pa_t(va - KernelBaseVA)
}

// LinearVA returns the linear-mapped va backing a physical address.
func LinearVA(pa defs.Pa_t) defs.Va_t {
	return KernelBaseVA + defs.Va_t(pa)
}

type pte struct {
	pa    defs.Pa_t
	flags Flags
}

func (e pte) present() bool { return e.flags&FlagP != 0 }

type pagetable_t [EntriesPerTable]pte

/// Pdir is an opaque per-process page directory (§3). The kernel half
/// (indices covering [KernelBaseVA, top)) is shared with every other
/// Pdir; the user half is private until PdirClone marks it COW.
type Pdir struct {
	mgr  *Manager
	dirs [EntriesPerTable]*pagetable_t
}

func kernelDirStart() int { return dirIndex(KernelBaseVA) }

/// Manager is the singleton-per-boot virtual memory runtime: it owns the
/// frame allocator, the kernel pdir, the page-table-page registry and the
/// COW refcount table. Constructed once by Init(), matching spec.md §9's
/// "singleton runtime module with explicit init()/teardown()" guidance.
type Manager struct {
	mu        sync.Mutex
	phys      *physmem.Allocator_t
	kernel    *Pdir
	tables    map[defs.Pa_t]*pagetable_t
	refcounts map[defs.Pa_t]int32
	zeroPage  defs.Pa_t
	hiNext    defs.Va_t
	hiRegions map[defs.Va_t]uintptr
}

/// ZeropageRefcount is the sentinel refcount recorded for the shared zero
/// page: "shared-forever", never decremented to zero by ordinary faults.
const ZeropageRefcount = 1 << 30

/// Init constructs a Manager over phys, allocating the shared zero page
/// and the (initially empty) kernel pdir.
func Init(phys *physmem.Allocator_t) *Manager {
	m := &Manager{
		phys:      phys,
		tables:    make(map[defs.Pa_t]*pagetable_t),
		refcounts: make(map[defs.Pa_t]int32),
		hiNext:    LinearMappingEnd,
		hiRegions: make(map[defs.Va_t]uintptr),
	}
	m.kernel = &Pdir{mgr: m}
	zp := phys.AllocPage()
	if zp == physmem.InvalidPa {
		panic("paging: out of memory initializing zero page")
	}
	clear(phys.Bytes(zp))
	m.zeroPage = zp
	m.refcounts[zp] = ZeropageRefcount
	return m
}

/// Kernel returns the shared kernel pdir.
func (m *Manager) Kernel() *Pdir { return m.kernel }

/// ZeroPage returns the physical address of the shared zero page.
func (m *Manager) ZeroPage() defs.Pa_t { return m.zeroPage }

func (m *Manager) refUp(pa defs.Pa_t) {
	if m.refcounts[pa] >= ZeropageRefcount {
		return
	}
	m.refcounts[pa]++
}

// refDown decrements pa's refcount and frees the frame (via physmem) if
// it drops to zero. Never touches the zero page's sentinel count.
func (m *Manager) refDown(pa defs.Pa_t) {
	if pa == m.zeroPage {
		return
	}
	c := m.refcounts[pa]
	if c <= 0 {
		panic("paging: refDown on frame with zero refcount")
	}
	c--
	if c == 0 {
		delete(m.refcounts, pa)
		m.phys.FreePage(pa)
		return
	}
	m.refcounts[pa] = c
}

/// Refcount returns the current COW refcount of the frame at pa.
func (m *Manager) Refcount(pa defs.Pa_t) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refcounts[pa]
}

/// NewPdir allocates a process pdir whose kernel half points at the same
/// page-table pages as the kernel pdir ("page-table pages themselves are
/// shared" — §3).
func (m *Manager) NewPdir() *Pdir {
	m.mu.Lock()
	defer m.mu.Unlock()
	pd := &Pdir{mgr: m}
	for i := kernelDirStart(); i < EntriesPerTable; i++ {
		pd.dirs[i] = m.kernel.dirs[i]
	}
	return pd
}

// tableFor returns the table covering va in pd, allocating a fresh
// page-table page (via physmem) if create is true and none exists yet.
func (m *Manager) tableFor(pd *Pdir, va defs.Va_t, create bool) *pagetable_t {
	di := dirIndex(va)
	t := pd.dirs[di]
	if t == nil && create {
		pa := m.phys.AllocPage()
		if pa == physmem.InvalidPa {
			return nil
		}
		t = &pagetable_t{}
		m.tables[pa] = t
		pd.dirs[di] = t
		if di >= kernelDirStart() {
			// a new kernel-half table must be visible to every
			// existing pdir, not just the one that triggered the
			// fault; §3 calls this "entries are copied on first
			// write to the directory".
			m.kernel.dirs[di] = t
		}
	}
	return t
}

/// MapPage installs a single mapping. va and pa must be page-aligned;
/// mapping an already-present va returns EEXIST.
func (m *Manager) MapPage(pd *Pdir, va defs.Va_t, pa defs.Pa_t, flags Flags) defs.Err_t {
	if pageBase(va) != va || defs.Pa_t(pa)%PageSize != 0 {
		return defs.EINVAL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tableFor(pd, va, true)
	if t == nil {
		return defs.ENOMEM
	}
	e := &t[tblIndex(va)]
	if e.present() {
		return defs.EEXIST
	}
	*e = pte{pa: pa, flags: flags | FlagP}
	return 0
}

/// MapPages maps n consecutive pages starting at va/pa and returns the
/// number actually mapped so the caller can roll back on partial failure.
func (m *Manager) MapPages(pd *Pdir, va defs.Va_t, pa defs.Pa_t, n int, flags Flags) int {
	for i := 0; i < n; i++ {
		err := m.MapPage(pd, va+defs.Va_t(i*PageSize), pa+defs.Pa_t(i*PageSize), flags)
		if err != 0 {
			return i
		}
	}
	return n
}

/// MapZeroPage maps the shared read-only zero page at va, for BSS and
/// fresh anonymous mappings.
func (m *Manager) MapZeroPage(pd *Pdir, va defs.Va_t, extra Flags) defs.Err_t {
	return m.MapPage(pd, va, m.zeroPage, (extra &^ FlagW) | flagCOW)
}

/// UnmapPage removes the mapping at va. It asserts (panics) that the page
/// was mapped, matching §4.C's strict contract; freePA additionally drops
/// the frame's COW refcount (freeing it at zero).
func (m *Manager) UnmapPage(pd *Pdir, va defs.Va_t, freePA bool) {
	ok := m.unmap1(pd, va, freePA)
	if !ok {
		panic("paging: unmap of unmapped page")
	}
}

/// UnmapPagePermissive is UnmapPage's tolerant sibling: it returns whether
/// anything was unmapped instead of panicking on a hole.
func (m *Manager) UnmapPagePermissive(pd *Pdir, va defs.Va_t, freePA bool) bool {
	return m.unmap1(pd, va, freePA)
}

func (m *Manager) unmap1(pd *Pdir, va defs.Va_t, freePA bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tableFor(pd, va, false)
	if t == nil {
		return false
	}
	e := &t[tblIndex(va)]
	if !e.present() {
		return false
	}
	pa := e.pa
	*e = pte{}
	if freePA {
		m.refDown(pa)
	}
	return true
}

/// UnmapPages strictly unmaps n consecutive pages starting at va.
func (m *Manager) UnmapPages(pd *Pdir, va defs.Va_t, n int, freePA bool) {
	for i := 0; i < n; i++ {
		m.UnmapPage(pd, va+defs.Va_t(i*PageSize), freePA)
	}
}

/// UnmapPagesPermissive unmaps n consecutive pages, tolerating holes, and
/// returns the count actually unmapped.
func (m *Manager) UnmapPagesPermissive(pd *Pdir, va defs.Va_t, n int, freePA bool) int {
	c := 0
	for i := 0; i < n; i++ {
		if m.UnmapPagePermissive(pd, va+defs.Va_t(i*PageSize), freePA) {
			c++
		}
	}
	return c
}

/// IsMapped reports whether va has a present mapping in pd.
func (m *Manager) IsMapped(pd *Pdir, va defs.Va_t) bool {
	_, ok := m.GetMapping(pd, va)
	return ok
}

/// GetMapping returns the physical page backing va in pd, if mapped.
func (m *Manager) GetMapping(pd *Pdir, va defs.Va_t) (defs.Pa_t, bool) {
	if IsLinear(va) {
		return LinearPA(pageBase(va)), true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tableFor(pd, va, false)
	if t == nil {
		return 0, false
	}
	e := t[tblIndex(va)]
	if !e.present() {
		return 0, false
	}
	return e.pa, true
}

/// PdirClone performs the lazy COW clone used by fork (§4.C): every
/// present writable user PTE in src is cleared of its write bit in both
/// src and the new child, and the backing frame's refcount is bumped.
func (m *Manager) PdirClone(src *Pdir) *Pdir {
	child := m.NewPdir()
	m.mu.Lock()
	defer m.mu.Unlock()
	for di := 0; di < kernelDirStart(); di++ {
		st := src.dirs[di]
		if st == nil {
			continue
		}
		ct := &pagetable_t{}
		for ti, e := range st {
			if !e.present() {
				continue
			}
			ne := e
			if e.flags&FlagW != 0 {
				ne.flags = (ne.flags &^ FlagW) | flagCOW
				st[ti].flags = ne.flags
			}
			ct[ti] = ne
			if e.pa != m.zeroPage {
				m.refUp(e.pa)
			}
		}
		child.dirs[di] = ct
	}
	return child
}

/// PdirDeepClone eagerly copies every present user page into freshly
/// allocated frames — used when COW is disabled.
func (m *Manager) PdirDeepClone(src *Pdir) (*Pdir, defs.Err_t) {
	child := m.NewPdir()
	m.mu.Lock()
	defer m.mu.Unlock()
	for di := 0; di < kernelDirStart(); di++ {
		st := src.dirs[di]
		if st == nil {
			continue
		}
		for ti, e := range st {
			if !e.present() {
				continue
			}
			npa := m.phys.AllocPage()
			if npa == physmem.InvalidPa {
				return nil, defs.ENOMEM
			}
			copy(m.phys.Bytes(npa), m.phys.Bytes(e.pa))
			m.refcounts[npa] = 1
			t := m.tableFor(child, defs.Va_t(di<<22|ti<<12), true)
			t[ti] = pte{pa: npa, flags: e.flags &^ flagCOW}
		}
	}
	return child, 0
}

/// PdirDestroy walks the user half, frees any remaining frames, drops
/// refs on shared frames, then releases the directory's own page-table
/// pages.
func (m *Manager) PdirDestroy(pd *Pdir) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for di := 0; di < kernelDirStart(); di++ {
		t := pd.dirs[di]
		if t == nil {
			continue
		}
		for _, e := range t {
			if e.present() && e.pa != m.zeroPage {
				m.refDown(e.pa)
			}
		}
		for pa, tt := range m.tables {
			if tt == t {
				delete(m.tables, pa)
				m.phys.FreePage(pa)
				break
			}
		}
		pd.dirs[di] = nil
	}
}

/// HandlePotentialCOW resolves a write-protection fault at fa in pd: if
/// the page is COW and shared (refcount > 1), a private copy is made and
/// remapped writable; if it is COW but uniquely held, it is simply
/// remapped writable in place. Returns false if fa is not a COW page at
/// all (caller should treat this as a genuine fault).
func (m *Manager) HandlePotentialCOW(pd *Pdir, fa defs.Va_t) (bool, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tableFor(pd, fa, false)
	if t == nil {
		return false, 0
	}
	e := &t[tblIndex(fa)]
	if !e.present() || e.flags&flagCOW == 0 {
		return false, 0
	}
	oldpa := e.pa
	if oldpa == m.zeroPage || m.refcounts[oldpa] > 1 {
		npa := m.phys.AllocPage()
		if npa == physmem.InvalidPa {
			return true, defs.ENOMEM
		}
		copy(m.phys.Bytes(npa), m.phys.Bytes(oldpa))
		m.refcounts[npa] = 1
		m.refDown(oldpa)
		e.pa = npa
	}
	e.flags = (e.flags | FlagW) &^ flagCOW
	return true, 0
}

/// HiVmemReserve reserves size bytes of kernel virtual address space in
/// the hole above the linear mapping, for ad-hoc device/IO mappings. It
/// reserves VA only; no physical backing is mapped.
func (m *Manager) HiVmemReserve(size uintptr) (defs.Va_t, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sz := uintptr(PageSize) * ((size + PageSize - 1) / PageSize)
	start := m.hiNext
	if defs.Va_t(uintptr(start)+sz) > KernelTopVA {
		return 0, defs.ENOMEM
	}
	m.hiRegions[start] = sz
	m.hiNext += defs.Va_t(sz)
	return start, 0
}

/// HiVmemRelease releases a region previously returned by HiVmemReserve.
func (m *Manager) HiVmemRelease(va defs.Va_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hiRegions, va)
}

/// VirtualRead copies len(dst) bytes from va in pd into dst, a
/// cross-pdir-safe read used by debuggers and waitpid status transfer.
/// It fails with EFAULT if any covered page is unmapped.
func (m *Manager) VirtualRead(pd *Pdir, va defs.Va_t, dst []byte) defs.Err_t {
	off := 0
	for off < len(dst) {
		cur := va + defs.Va_t(off)
		pa, ok := m.GetMapping(pd, pageBase(cur))
		if !ok {
			return defs.EFAULT
		}
		pageOff := int(cur) & (PageSize - 1)
		n := min(len(dst)-off, PageSize-pageOff)
		src := m.phys.Bytes(pa)[pageOff : pageOff+n]
		copy(dst[off:off+n], src)
		off += n
	}
	return 0
}

/// VirtualWrite copies src into va in pd, failing with EFAULT if any
/// covered page is unmapped.
func (m *Manager) VirtualWrite(pd *Pdir, va defs.Va_t, src []byte) defs.Err_t {
	off := 0
	for off < len(src) {
		cur := va + defs.Va_t(off)
		pa, ok := m.GetMapping(pd, pageBase(cur))
		if !ok {
			return defs.EFAULT
		}
		pageOff := int(cur) & (PageSize - 1)
		n := min(len(src)-off, PageSize-pageOff)
		dst := m.phys.Bytes(pa)[pageOff : pageOff+n]
		copy(dst, src[off:off+n])
		off += n
	}
	return 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
