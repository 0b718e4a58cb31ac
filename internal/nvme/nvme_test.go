package nvme

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestStructSizes(t *testing.T) {
	require.Equal(t, 64, int(unsafe.Sizeof(SubmissionEntry{})))
	require.Equal(t, 16, int(unsafe.Sizeof(CompletionEntry{})))
	require.Equal(t, 4096, int(unsafe.Sizeof(IdentifyController{})))
	require.Equal(t, 4096, int(unsafe.Sizeof(IdentifyNamespace{})))
}

func TestCompletionEntryPhase(t *testing.T) {
	c := CompletionEntry{StatusPT: 0x0001}
	require.True(t, c.Phase())
	require.Equal(t, uint16(0), c.StatusCode())

	c.StatusPT = (StatusLBAOutOfRange << StatusCodeShift) | 0
	require.False(t, c.Phase())
	require.Equal(t, uint16(StatusLBAOutOfRange), c.StatusCode())
}

func TestSQEMarshalRoundTrip(t *testing.T) {
	e := SubmissionEntry{
		OPC: OpIOWrite, CID: 42, NSID: 1,
		PRP1: 0xdeadbeef, PRP2: 0xcafef00d,
	}
	e.SetReadWrite(1024, 7)

	buf := make([]byte, SQEntrySize)
	require.NoError(t, MarshalSQE(&e, buf))

	got, err := UnmarshalSQE(buf)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestCQEMarshalRoundTrip(t *testing.T) {
	c := CompletionEntry{DW0: 1, SQHead: 3, SQID: 1, CID: 42, StatusPT: 0x0001}
	buf := make([]byte, CQEntrySize)
	require.NoError(t, MarshalCQE(&c, buf))

	got, err := UnmarshalCQE(buf)
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestMarshalErrorOnShortBuffer(t *testing.T) {
	_, err := UnmarshalSQE(make([]byte, 4))
	require.Error(t, err)
	var merr *MarshalError
	require.ErrorAs(t, err, &merr)
}

func TestDoorbellOffset(t *testing.T) {
	// DSTRD=0 -> stride of 4 bytes; queue 0 SQ at 0x1000, CQ at 0x1004.
	require.Equal(t, uintptr(0x1000), DoorbellOffset(0, 0, false))
	require.Equal(t, uintptr(0x1004), DoorbellOffset(0, 0, true))
	// queue 1 SQ at 0x1008, CQ at 0x100c.
	require.Equal(t, uintptr(0x1008), DoorbellOffset(1, 0, false))
	require.Equal(t, uintptr(0x100c), DoorbellOffset(1, 0, true))
	// DSTRD=1 doubles the stride to 8 bytes.
	require.Equal(t, uintptr(0x1010), DoorbellOffset(1, 1, false))
}

func TestNamespaceBlockSize(t *testing.T) {
	ns := IdentifyNamespace{FLBAS: 0}
	ns.LBAF[0] = LBAFormat{LBADS: 9} // 2^9 = 512
	require.Equal(t, uint32(512), ns.BlockSize())
}
