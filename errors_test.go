package nvqe

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("Driver.New", ErrCodeNotNvme, "pci class 0x020000 is not NVMe")

	require.Equal(t, "Driver.New", err.Op)
	require.Equal(t, ErrCodeNotNvme, err.Code)
	require.Equal(t, "nvqe: pci class 0x020000 is not NVMe (op=Driver.New)", err.Error())
}

func TestNewQueueError(t *testing.T) {
	err := NewQueueError("QueuePair.SubmitAsync", 2, ErrCodeQueueFull, "ring full")

	require.Equal(t, 2, err.Queue)
	require.Equal(t, ErrCodeQueueFull, err.Code)
	require.Contains(t, err.Error(), "queue=2")
}

func TestNewNvmeStatusError(t *testing.T) {
	err := NewNvmeStatusError(1, 42, 0x0080)

	require.Equal(t, ErrCodeNvmeStatus, err.Code)
	require.Equal(t, uint16(0x0080), err.Status)
	require.Contains(t, err.Error(), "status=0x0080")
	require.Contains(t, err.Error(), "cid=42")

	status, ok := StatusOf(err)
	require.True(t, ok)
	require.Equal(t, uint16(0x0080), status)
}

func TestWrapErrorPreservesInnerContext(t *testing.T) {
	inner := NewQueueError("QueuePair.SubmitAsync", 3, ErrCodeTransferTooLarge, "too big")
	wrapped := WrapError("Driver.Write", inner)

	require.Equal(t, "Driver.Write", wrapped.Op)
	require.Equal(t, 3, wrapped.Queue)
	require.Equal(t, ErrCodeTransferTooLarge, wrapped.Code)
}

func TestWrapErrorGeneric(t *testing.T) {
	wrapped := WrapError("Driver.Read", fmt.Errorf("boom"))
	require.Equal(t, ErrCodeInvalidArgument, wrapped.Code)
	require.Equal(t, "boom", wrapped.Msg)
}

func TestWrapErrorNil(t *testing.T) {
	require.Nil(t, WrapError("op", nil))
}

func TestErrorIsSentinelComparable(t *testing.T) {
	err := NewError("Driver.Cleanup", ErrCodeShutdown, "already cleaned up")
	require.True(t, errors.Is(err, ErrShutdown))
	require.False(t, errors.Is(err, ErrQueueFull))
}

func TestIsCode(t *testing.T) {
	err := NewError("Driver.New", ErrCodeResourceExhausted, "no huge pages")

	require.True(t, IsCode(err, ErrCodeResourceExhausted))
	require.False(t, IsCode(err, ErrCodeQueueFull))
	require.False(t, IsCode(nil, ErrCodeResourceExhausted))
}

func TestStatusOfNonStatusError(t *testing.T) {
	err := NewError("Driver.New", ErrCodeControllerInit, "CSTS.RDY timeout")
	_, ok := StatusOf(err)
	require.False(t, ok)
}

func TestErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("underlying")
	err := &Error{Op: "x", Code: ErrCodeInvalidArgument, Inner: inner}
	require.Equal(t, inner, err.Unwrap())
	require.True(t, errors.Is(err, err))
}
