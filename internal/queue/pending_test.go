package queue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPendingTableInsertRemove(t *testing.T) {
	pt := NewPendingTable(2)
	ch := make(notifier, 1)

	require.NoError(t, pt.Insert(5, ch))
	require.Equal(t, 1, pt.Len())

	got, ok := pt.Remove(5)
	require.True(t, ok)
	require.Equal(t, notifier(ch), got)
	require.Equal(t, 0, pt.Len())
}

func TestPendingTableRejectsDuplicateCID(t *testing.T) {
	pt := NewPendingTable(4)
	require.NoError(t, pt.Insert(1, make(notifier, 1)))
	require.Error(t, pt.Insert(1, make(notifier, 1)))
}

func TestPendingTableRejectsOverCapacity(t *testing.T) {
	pt := NewPendingTable(1)
	require.NoError(t, pt.Insert(1, make(notifier, 1)))
	require.Error(t, pt.Insert(2, make(notifier, 1)))
}

func TestPendingTableRemoveUnknownCIDIsNotOK(t *testing.T) {
	pt := NewPendingTable(4)
	_, ok := pt.Remove(42)
	require.False(t, ok)
}

func TestPendingTableCloseAllDeliversChannelClosed(t *testing.T) {
	pt := NewPendingTable(4)
	ch := make(notifier, 1)
	require.NoError(t, pt.Insert(1, ch))

	wantErr := errors.New("shutting down")
	pt.CloseAll(wantErr)

	require.Equal(t, 0, pt.Len())
	c := <-ch
	require.Equal(t, wantErr, c.Err)
}
