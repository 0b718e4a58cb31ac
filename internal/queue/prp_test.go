package queue

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/nvqe/internal/nvme"
	"github.com/behrlich/nvqe/internal/pciio"
)

func TestPRPBuilderSinglePage(t *testing.T) {
	alloc := pciio.NewFakeAllocator(0x400000) // page-aligned base
	data, err := NewRegion(alloc, nvme.PRPPageSize*4)
	require.NoError(t, err)
	defer data.Free(alloc)

	b, err := NewPRPBuilder(alloc, 4)
	require.NoError(t, err)
	defer b.Free(alloc)

	prp1, prp2, needsList, err := b.Build(data, 0, 1024, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(data.Phys()), prp1)
	require.Zero(t, prp2)
	require.False(t, needsList)
}

func TestPRPBuilderTwoPages(t *testing.T) {
	alloc := pciio.NewFakeAllocator(0x400000)
	data, err := NewRegion(alloc, nvme.PRPPageSize*4)
	require.NoError(t, err)
	defer data.Free(alloc)

	b, err := NewPRPBuilder(alloc, 4)
	require.NoError(t, err)
	defer b.Free(alloc)

	// offset 0, length spans exactly two 4KiB pages.
	prp1, prp2, needsList, err := b.Build(data, 0, nvme.PRPPageSize*2, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(data.Phys()), prp1)
	require.Equal(t, uint64(data.Phys())+nvme.PRPPageSize, prp2)
	require.False(t, needsList)
}

func TestPRPBuilderNeedsListPage(t *testing.T) {
	alloc := pciio.NewFakeAllocator(0x400000)
	data, err := NewRegion(alloc, nvme.PRPPageSize*8)
	require.NoError(t, err)
	defer data.Free(alloc)

	b, err := NewPRPBuilder(alloc, 4)
	require.NoError(t, err)
	defer b.Free(alloc)

	const cid = uint16(2)
	length := nvme.PRPPageSize * 5 // 5 pages -> list covers pages 2..5 (4 entries)
	prp1, prp2, needsList, err := b.Build(data, 0, length, cid)
	require.NoError(t, err)
	require.True(t, needsList)
	require.Equal(t, uint64(data.Phys()), prp1)

	listBuf := b.listPages.Slice(int(cid)*nvme.PRPPageSize, nvme.PRPPageSize)
	require.Equal(t, uint64(b.listPages.PhysAt(int(cid)*nvme.PRPPageSize)), prp2)
	for i := 0; i < 4; i++ {
		got := binary.LittleEndian.Uint64(listBuf[i*8:])
		want := uint64(data.Phys()) + uint64((i+1)*nvme.PRPPageSize)
		require.Equal(t, want, got)
	}
}

func TestPRPBuilderTransferTooLarge(t *testing.T) {
	alloc := pciio.NewFakeAllocator(0x400000)
	data, err := NewRegion(alloc, 4<<20)
	require.NoError(t, err)
	defer data.Free(alloc)

	b, err := NewPRPBuilder(alloc, 2)
	require.NoError(t, err)
	defer b.Free(alloc)

	_, _, _, err = b.Build(data, 0, maxChunkBytes+nvme.PRPPageSize*2, 0)
	require.Error(t, err)
	var tooLarge *TransferTooLargeError
	require.ErrorAs(t, err, &tooLarge)
}
