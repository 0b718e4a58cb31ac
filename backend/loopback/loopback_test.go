package loopback

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/nvqe/internal/nvme"
	"github.com/behrlich/nvqe/internal/pciio"
	"github.com/behrlich/nvqe/internal/queue"
)

func TestBringUpReachesReady(t *testing.T) {
	dev, err := New(1024, 512)
	require.NoError(t, err)
	dev.Start()
	defer dev.Stop()

	ctrl, namespaces, err := pciio.NewFromMapping(dev.Mapping(), dev.Allocator())
	require.NoError(t, err)
	defer ctrl.Close()

	require.Len(t, namespaces, 1)
	require.EqualValues(t, 1, namespaces[0].ID)
	require.EqualValues(t, 1024, namespaces[0].Blocks)
	require.EqualValues(t, 512, namespaces[0].BlockSize)
}

func TestCreateAndDeleteIOQueuePair(t *testing.T) {
	dev, err := New(1024, 512)
	require.NoError(t, err)
	dev.Start()
	defer dev.Stop()

	ctrl, namespaces, err := pciio.NewFromMapping(dev.Mapping(), dev.Allocator())
	require.NoError(t, err)
	defer ctrl.Close()

	qp, err := queue.NewQueuePair(dev.Allocator(), ctrl.RegisterWindow(), 1, 8, ctrl.DoorbellStride(), namespaces[0].ID, namespaces[0].BlockSize)
	require.NoError(t, err)
	defer qp.Close(dev.Allocator())

	require.NoError(t, ctrl.CreateIOQueuePair(1, 8, uintptr(qp.SQPhys()), uintptr(qp.CQPhys())))
	require.NoError(t, ctrl.DeleteIOQueuePair(1))
}

func TestIOReadWriteRoundTrip(t *testing.T) {
	dev, err := New(1024, 512)
	require.NoError(t, err)
	dev.Start()
	defer dev.Stop()

	ctrl, namespaces, err := pciio.NewFromMapping(dev.Mapping(), dev.Allocator())
	require.NoError(t, err)
	defer ctrl.Close()

	alloc := dev.Allocator()
	qp, err := queue.NewQueuePair(alloc, ctrl.RegisterWindow(), 1, 8, ctrl.DoorbellStride(), namespaces[0].ID, namespaces[0].BlockSize)
	require.NoError(t, err)
	defer qp.Close(alloc)
	require.NoError(t, ctrl.CreateIOQueuePair(1, 8, uintptr(qp.SQPhys()), uintptr(qp.CQPhys())))
	defer ctrl.DeleteIOQueuePair(1)

	poller := queue.NewPoller(qp, -1, nil, 16)
	poller.Start()
	defer poller.Stop()

	region, err := queue.NewRegion(alloc, 512)
	require.NoError(t, err)
	defer region.Free(alloc)
	copy(region.Virt(), []byte("Hello World!"))

	qp.Lock()
	tail, cids, err := qp.SubmitAsync(region, 0, 512, 0, nvme.OpIOWrite)
	require.NoError(t, err)
	require.Len(t, cids, 1)
	ch := make(chan queue.Completion, 1)
	require.NoError(t, qp.Insert(cids[0], ch))
	qp.SetTail(tail)
	qp.Unlock()

	c := <-ch
	require.NoError(t, c.Err)
	require.Equal(t, uint16(0), c.Status)

	readRegion, err := queue.NewRegion(alloc, 512)
	require.NoError(t, err)
	defer readRegion.Free(alloc)

	qp.Lock()
	tail, cids, err = qp.SubmitAsync(readRegion, 0, 512, 0, nvme.OpIORead)
	require.NoError(t, err)
	require.Len(t, cids, 1)
	ch2 := make(chan queue.Completion, 1)
	require.NoError(t, qp.Insert(cids[0], ch2))
	qp.SetTail(tail)
	qp.Unlock()

	c = <-ch2
	require.NoError(t, c.Err)
	require.Equal(t, uint16(0), c.Status)
	require.Equal(t, "Hello World!", string(readRegion.Virt()[:12]))
}

func TestIOWriteOutOfRangeLBA(t *testing.T) {
	dev, err := New(4, 512)
	require.NoError(t, err)
	dev.Start()
	defer dev.Stop()

	ctrl, namespaces, err := pciio.NewFromMapping(dev.Mapping(), dev.Allocator())
	require.NoError(t, err)
	defer ctrl.Close()

	alloc := dev.Allocator()
	qp, err := queue.NewQueuePair(alloc, ctrl.RegisterWindow(), 1, 8, ctrl.DoorbellStride(), namespaces[0].ID, namespaces[0].BlockSize)
	require.NoError(t, err)
	defer qp.Close(alloc)
	require.NoError(t, ctrl.CreateIOQueuePair(1, 8, uintptr(qp.SQPhys()), uintptr(qp.CQPhys())))
	defer ctrl.DeleteIOQueuePair(1)

	poller := queue.NewPoller(qp, -1, nil, 16)
	poller.Start()
	defer poller.Stop()

	region, err := queue.NewRegion(alloc, 512)
	require.NoError(t, err)
	defer region.Free(alloc)

	qp.Lock()
	tail, cids, err := qp.SubmitAsync(region, 0, 512, 5, nvme.OpIOWrite) // ns has only 4 blocks
	require.NoError(t, err)
	require.Len(t, cids, 1)
	ch := make(chan queue.Completion, 1)
	require.NoError(t, qp.Insert(cids[0], ch))
	qp.SetTail(tail)
	qp.Unlock()

	c := <-ch
	require.Equal(t, uint16(nvme.StatusLBAOutOfRange), c.Status)
}
