package physmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kcore/kernel/defs"
)

func TestAllocFreeInvariant(t *testing.T) {
	a := New(256)
	var pages []defs.Pa_t
	for i := 0; i < 100; i++ {
		pa := a.AllocPage()
		require.NotEqual(t, InvalidPa, pa)
		pages = append(pages, pa)
	}
	require.EqualValues(t, 100, a.AllocCount())
	require.EqualValues(t, 100, a.Popcount())

	for _, pa := range pages[:50] {
		a.FreePage(pa)
	}
	require.EqualValues(t, 50, a.AllocCount())
	require.EqualValues(t, 50, a.Popcount())
}

func TestDoubleFreePanics(t *testing.T) {
	a := New(8)
	pa := a.AllocPage()
	a.FreePage(pa)
	require.Panics(t, func() { a.FreePage(pa) })
}

func TestExhaustion(t *testing.T) {
	a := New(4)
	for i := 0; i < 4; i++ {
		require.NotEqual(t, InvalidPa, a.AllocPage())
	}
	require.Equal(t, InvalidPa, a.AllocPage())
}

func TestAlloc8And32Pages(t *testing.T) {
	a := New(256)
	pa8 := a.Alloc8Pages()
	require.NotEqual(t, InvalidPa, pa8)
	require.Zero(t, uint64(pa8)%(8*PageSize))

	pa32 := a.Alloc32PagesAligned()
	require.NotEqual(t, InvalidPa, pa32)
	require.Zero(t, uint64(pa32)%(32*PageSize))

	a.Free8Pages(pa8)
	a.Free32Pages(pa32)
	require.EqualValues(t, 0, a.AllocCount())
}

func TestBytesRoundTrip(t *testing.T) {
	a := New(4)
	pa := a.AllocPage()
	b := a.Bytes(pa)
	require.Len(t, b, PageSize)
	b[0] = 0xAB
	require.Equal(t, byte(0xAB), a.Bytes(pa)[0])
}

func TestMarkReservedDoesNotDoubleCount(t *testing.T) {
	a := New(1024)
	a.MarkReserved(0, 1)
	require.EqualValues(t, 256, a.AllocCount())
	a.MarkReserved(0, 1)
	require.EqualValues(t, 256, a.AllocCount())
}
