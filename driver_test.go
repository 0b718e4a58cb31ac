package nvqe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/nvqe/backend/loopback"
	"github.com/behrlich/nvqe/internal/nvme"
	"github.com/behrlich/nvqe/internal/pciio"
)

// newTestDriver brings up a Driver against a loopback-simulated
// controller with nsBlocks 512-byte blocks across queueCount queue pairs
// of length queueLength, returning the Driver and a cleanup func the
// caller must defer.
func newTestDriver(t *testing.T, nsBlocks uint64, queueCount, queueLength int) (*Driver, func()) {
	t.Helper()

	dev, err := loopback.New(nsBlocks, 512)
	require.NoError(t, err)
	dev.Start()

	params := DeviceParams{QueueCount: queueCount, QueueLength: queueLength, PollBudget: 16}
	opts := DefaultOptions()

	ctrl, namespaces, err := pciio.NewFromMapping(dev.Mapping(), dev.Allocator())
	require.NoError(t, err)
	drv, err := NewFromController(ctrl, namespaces, dev.Allocator(), params, opts)
	require.NoError(t, err)

	return drv, func() {
		require.NoError(t, drv.Cleanup())
		dev.Stop()
	}
}

func TestDriverReadWriteRoundTrip(t *testing.T) {
	drv, cleanup := newTestDriver(t, 64, 1, 8)
	defer cleanup()

	buf, err := drv.AllocateBuffer(512)
	require.NoError(t, err)
	defer drv.FreeBuffer(buf)
	copy(buf.Bytes(), "Hello World!")

	wreqs, err := drv.Write(0, buf, 0)
	require.NoError(t, err)
	require.Len(t, wreqs, 1)
	require.NoError(t, wreqs[0].Wait(context.Background()))

	readBuf, err := drv.AllocateBuffer(512)
	require.NoError(t, err)
	defer drv.FreeBuffer(readBuf)

	rreqs, err := drv.Read(0, readBuf, 0)
	require.NoError(t, err)
	require.Len(t, rreqs, 1)
	require.NoError(t, rreqs[0].Wait(context.Background()))

	require.Equal(t, "Hello World!", string(readBuf.Bytes()[:12]))
}

func TestDriverLargeWriteRequiresPRPList(t *testing.T) {
	const blocks = 8192
	drv, cleanup := newTestDriver(t, blocks, 1, 8)
	defer cleanup()

	size := 2 << 20 // 2 MiB, exactly one PRP window's worth of chunking
	writeBuf, err := drv.AllocateBuffer(size)
	require.NoError(t, err)
	defer drv.FreeBuffer(writeBuf)
	for i := range writeBuf.Bytes() {
		writeBuf.Bytes()[i] = byte(i % 251)
	}

	wreqs, err := drv.Write(0, writeBuf, 0)
	require.NoError(t, err)
	require.Len(t, wreqs, 1)
	require.NoError(t, wreqs[0].Wait(context.Background()))

	readBuf, err := drv.AllocateBuffer(size)
	require.NoError(t, err)
	defer drv.FreeBuffer(readBuf)

	rreqs, err := drv.Read(0, readBuf, 0)
	require.NoError(t, err)
	require.Len(t, rreqs, 1)
	require.NoError(t, rreqs[0].Wait(context.Background()))

	require.Equal(t, writeBuf.Bytes(), readBuf.Bytes())
}

func TestDriverSpillsToNextQueueUnderContention(t *testing.T) {
	drv, cleanup := newTestDriver(t, 64, 2, 8)
	defer cleanup()

	first := drv.pairs[0]
	first.Lock() // simulate queue 0 being busy so submission spills to queue 1

	buf, err := drv.AllocateBuffer(512)
	require.NoError(t, err)
	defer drv.FreeBuffer(buf)

	reqs, err := drv.Read(0, buf, 0)
	first.Unlock()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, drv.pairs[1].ID(), reqs[0].QueueID())
	require.NoError(t, reqs[0].Wait(context.Background()))
}

func TestDriverWriteOutOfRangeLBA(t *testing.T) {
	drv, cleanup := newTestDriver(t, 4, 1, 8)
	defer cleanup()

	buf, err := drv.AllocateBuffer(512)
	require.NoError(t, err)
	defer drv.FreeBuffer(buf)

	reqs, err := drv.Write(0, buf, 5) // namespace only has 4 blocks
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	err = reqs[0].Wait(context.Background())
	require.Error(t, err)
	status, ok := StatusOf(err)
	require.True(t, ok)
	require.Equal(t, uint16(nvme.StatusLBAOutOfRange), status)
}

func TestDriverCleanupIsIdempotent(t *testing.T) {
	dev, err := loopback.New(64, 512)
	require.NoError(t, err)
	dev.Start()
	defer dev.Stop()

	ctrl, namespaces, err := pciio.NewFromMapping(dev.Mapping(), dev.Allocator())
	require.NoError(t, err)
	drv, err := NewFromController(ctrl, namespaces, dev.Allocator(), DeviceParams{QueueCount: 1, QueueLength: 8, PollBudget: 16}, DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, drv.Cleanup())
	require.NoError(t, drv.Cleanup()) // second call is a no-op, not an error

	buf, err := drv.AllocateBuffer(512)
	require.NoError(t, err)
	defer drv.FreeBuffer(buf)

	_, err = drv.Write(0, buf, 0)
	require.ErrorIs(t, err, ErrShutdown)
}
