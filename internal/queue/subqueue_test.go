package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/nvqe/internal/nvme"
	"github.com/behrlich/nvqe/internal/pciio"
)

func TestSubmissionRingReserveAndFull(t *testing.T) {
	alloc := pciio.NewFakeAllocator(0x500000)
	sq, err := NewSubmissionRing(alloc, 1, 4, 0)
	require.NoError(t, err)
	defer sq.Free(alloc)

	require.True(t, sq.IsEmpty())
	require.False(t, sq.IsFull())
	require.Equal(t, 3, sq.FreeSlots()) // L-1

	for i := 0; i < 3; i++ {
		_, ok := sq.Reserve(nvme.SubmissionEntry{CID: uint16(i)})
		require.True(t, ok)
	}
	require.True(t, sq.IsFull())
	_, ok := sq.Reserve(nvme.SubmissionEntry{CID: 99})
	require.False(t, ok)
}

func TestSubmissionRingReleaseSlots(t *testing.T) {
	alloc := pciio.NewFakeAllocator(0x500000)
	sq, err := NewSubmissionRing(alloc, 1, 4, 0)
	require.NoError(t, err)
	defer sq.Free(alloc)

	for i := 0; i < 3; i++ {
		_, _ = sq.Reserve(nvme.SubmissionEntry{CID: uint16(i)})
	}
	require.True(t, sq.IsFull())

	sq.ReleaseSlots(2)
	require.False(t, sq.IsFull())
	require.Equal(t, 2, sq.FreeSlots())
}

func TestSubmissionRingPhysAddr(t *testing.T) {
	alloc := pciio.NewFakeAllocator(0x600000)
	sq, err := NewSubmissionRing(alloc, 0, 8, 0)
	require.NoError(t, err)
	defer sq.Free(alloc)
	require.Equal(t, uint64(0x600000), sq.PhysAddr())
}
