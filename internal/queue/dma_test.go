package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/nvqe/internal/pciio"
)

func TestNewRegionAllocatesAndPins(t *testing.T) {
	alloc := pciio.NewFakeAllocator(0x10000)
	r, err := NewRegion(alloc, 4096)
	require.NoError(t, err)
	defer r.Free(alloc)

	require.Len(t, r.Virt(), 4096)
	require.NotZero(t, r.Phys())
}

func TestRegionSliceAndPhysAt(t *testing.T) {
	alloc := pciio.NewFakeAllocator(0x20000)
	r, err := NewRegion(alloc, 8192)
	require.NoError(t, err)
	defer r.Free(alloc)

	s := r.Slice(4096, 100)
	require.Len(t, s, 100)
	require.Equal(t, r.Phys()+4096, r.PhysAt(4096))
}

func TestNewRegionRejectsNonPositiveSize(t *testing.T) {
	alloc := pciio.NewFakeAllocator(0)
	_, err := NewRegion(alloc, 0)
	require.Error(t, err)
}
