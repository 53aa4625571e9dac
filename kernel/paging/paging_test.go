package paging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kcore/kernel/defs"
	"kcore/kernel/physmem"
)

func TestMapPageAndGetMapping(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)
	pd := mgr.NewPdir()
	pa := phys.AllocPage()
	va := UserMin

	require.EqualValues(t, 0, mgr.MapPage(pd, va, pa, FlagP|FlagW|FlagU))
	require.True(t, mgr.IsMapped(pd, va))

	got, ok := mgr.GetMapping(pd, va)
	require.True(t, ok)
	require.Equal(t, pa, got)
}

func TestMapPageRejectsUnalignedAndDuplicate(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)
	pd := mgr.NewPdir()
	pa := phys.AllocPage()
	va := UserMin

	require.Equal(t, defs.EINVAL, mgr.MapPage(pd, va+1, pa, FlagP))

	require.EqualValues(t, 0, mgr.MapPage(pd, va, pa, FlagP|FlagW))
	require.Equal(t, defs.EEXIST, mgr.MapPage(pd, va, pa, FlagP))
}

func TestUnmapPagePanicsOnHole(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)
	pd := mgr.NewPdir()

	require.Panics(t, func() { mgr.UnmapPage(pd, UserMin, false) })
	require.False(t, mgr.UnmapPagePermissive(pd, UserMin, false))
}

func TestUnmapPageFreesFrame(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)
	pd := mgr.NewPdir()
	pa := phys.AllocPage()
	mgr.refcounts[pa] = 1

	require.EqualValues(t, 0, mgr.MapPage(pd, UserMin, pa, FlagP|FlagW))
	mgr.UnmapPage(pd, UserMin, true)
	require.False(t, mgr.IsMapped(pd, UserMin))
}

func TestPdirCloneMarksCOWAndBumpsRefcount(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)
	parent := mgr.NewPdir()
	pa := phys.AllocPage()
	va := UserMin
	require.EqualValues(t, 0, mgr.MapPage(parent, va, pa, FlagP|FlagW|FlagU))

	child := mgr.PdirClone(parent)
	require.EqualValues(t, 1, mgr.Refcount(pa))

	got, ok := mgr.GetMapping(child, va)
	require.True(t, ok)
	require.Equal(t, pa, got)

	for _, pd := range []*Pdir{parent, child} {
		e := mgr.tableFor(pd, va, false)[tblIndex(va)]
		require.Zero(t, e.flags&FlagW)
		require.NotZero(t, e.flags&flagCOW)
	}
}

func TestHandlePotentialCOWInPlaceWhenUniquelyHeld(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)
	parent := mgr.NewPdir()
	pa := phys.AllocPage()
	va := UserMin
	require.EqualValues(t, 0, mgr.MapPage(parent, va, pa, FlagP|FlagW|FlagU))

	child := mgr.PdirClone(parent)
	require.EqualValues(t, 1, mgr.Refcount(pa))

	ok, err := mgr.HandlePotentialCOW(child, va)
	require.True(t, ok)
	require.Zero(t, err)

	got, _ := mgr.GetMapping(child, va)
	require.Equal(t, pa, got)
	require.EqualValues(t, 1, mgr.Refcount(pa))
}

func TestHandlePotentialCOWCopiesWhenSharedByMoreThanOne(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)
	parent := mgr.NewPdir()
	pa := phys.AllocPage()
	va := UserMin
	require.EqualValues(t, 0, mgr.MapPage(parent, va, pa, FlagP|FlagW|FlagU))

	child1 := mgr.PdirClone(parent)
	child2 := mgr.PdirClone(parent)
	_ = child2
	require.EqualValues(t, 2, mgr.Refcount(pa))

	ok, err := mgr.HandlePotentialCOW(child1, va)
	require.True(t, ok)
	require.Zero(t, err)

	newPa, _ := mgr.GetMapping(child1, va)
	require.NotEqual(t, pa, newPa)

	parentPa, _ := mgr.GetMapping(parent, va)
	require.Equal(t, pa, parentPa)

	require.EqualValues(t, 1, mgr.Refcount(pa))
}

func TestHandlePotentialCOWFalseForOrdinaryPage(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)
	pd := mgr.NewPdir()
	pa := phys.AllocPage()
	va := UserMin
	require.EqualValues(t, 0, mgr.MapPage(pd, va, pa, FlagP|FlagW|FlagU))

	ok, err := mgr.HandlePotentialCOW(pd, va)
	require.False(t, ok)
	require.Zero(t, err)
}

func TestHandlePotentialCOWOnZeroPageAllocatesPrivateCopy(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)
	pd := mgr.NewPdir()
	va := UserMin
	require.EqualValues(t, 0, mgr.MapZeroPage(pd, va, FlagU))

	ok, err := mgr.HandlePotentialCOW(pd, va)
	require.True(t, ok)
	require.Zero(t, err)

	got, _ := mgr.GetMapping(pd, va)
	require.NotEqual(t, mgr.ZeroPage(), got)
}

func TestVirtualReadWriteAcrossPageBoundary(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)
	pd := mgr.NewPdir()

	pa0 := phys.AllocPage()
	pa1 := phys.AllocPage()
	base := UserMin
	require.EqualValues(t, 0, mgr.MapPage(pd, base, pa0, FlagP|FlagW|FlagU))
	require.EqualValues(t, 0, mgr.MapPage(pd, base+PageSize, pa1, FlagP|FlagW|FlagU))

	start := base + defs.Va_t(PageSize-5)
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	require.Zero(t, mgr.VirtualWrite(pd, start, data))

	out := make([]byte, len(data))
	require.Zero(t, mgr.VirtualRead(pd, start, out))
	require.Equal(t, data, out)
}

func TestVirtualReadFaultsOnHole(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)
	pd := mgr.NewPdir()

	buf := make([]byte, 16)
	require.Equal(t, defs.EFAULT, mgr.VirtualRead(pd, UserMin, buf))
}

func TestHiVmemReserveIsSequentialAndBounded(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)

	va1, err := mgr.HiVmemReserve(PageSize)
	require.Zero(t, err)
	require.GreaterOrEqual(t, va1, LinearMappingEnd)

	va2, err := mgr.HiVmemReserve(2 * PageSize)
	require.Zero(t, err)
	require.Equal(t, va1+PageSize, va2)

	mgr.HiVmemRelease(va1)
	mgr.HiVmemRelease(va2)
}

func TestLinearMappingRoundTrip(t *testing.T) {
	pa := defs.Pa_t(0x5000)
	va := LinearVA(pa)
	require.True(t, IsLinear(va))
	require.Equal(t, pa, LinearPA(va))
	require.False(t, IsLinear(KernelBaseVA-1))
}

func TestNewPdirSharesExistingKernelHalfTables(t *testing.T) {
	phys := physmem.New(1024)
	mgr := Init(phys)
	kva := LinearMappingEnd
	kpa := phys.AllocPage()
	require.EqualValues(t, 0, mgr.MapPage(mgr.Kernel(), kva, kpa, FlagP|FlagW))

	pd := mgr.NewPdir()
	got, ok := mgr.GetMapping(pd, kva)
	require.True(t, ok)
	require.Equal(t, kpa, got)
}
