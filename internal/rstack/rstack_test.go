package rstack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/ftraced/internal/ctlpipe"
	"github.com/ehrlich-b/ftraced/internal/shmring"
	"github.com/ehrlich-b/ftraced/internal/trigger"
)

func testRing(t *testing.T) *shmring.Ring {
	t.Helper()
	_, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	pipe := ctlpipe.New(int(w.Fd()))
	ring := shmring.New("0011223344556677", 999, 64*1024, 4, pipe)
	require.NoError(t, ring.Prepare())
	t.Cleanup(func() {
		ring.Close()
		// Stand in for the recorder, which unlinks drained segments.
		names, _ := filepath.Glob("/dev/shm/ftrace-0011223344556677-999-*")
		for _, n := range names {
			os.Remove(n)
		}
	})
	return ring
}

func TestPushPopTracksDepth(t *testing.T) {
	s := NewStack(8, 256)
	require.Equal(t, 0, s.Depth())

	e := s.Push()
	e.ChildIP = 0x1234
	require.Equal(t, 1, s.Depth())
	require.Equal(t, e, s.Top())

	s.Pop()
	require.Equal(t, 0, s.Depth())
}

func TestRecordTraceDataEmitsEntryThenExit(t *testing.T) {
	ring := testRing(t)
	s := NewStack(8, 256)

	e := s.Push()
	e.StartTime = 100
	e.ChildIP = 0xabc
	e.Depth = 0
	s.IncRecordIdx()

	e.EndTime = 250
	require.NoError(t, RecordTraceData(ring, s, 0, 0))
	require.True(t, e.Flags&FlagWritten != 0)
}

func TestRecordTraceDataSkipsBelowThreshold(t *testing.T) {
	ring := testRing(t)
	s := NewStack(8, 256)

	e := s.Push()
	e.StartTime = 100
	e.EndTime = 110 // duration 10ns
	e.ChildIP = 0xabc

	require.NoError(t, RecordTraceData(ring, s, 0, 1_000_000))
	require.True(t, e.Flags&FlagWritten == 0, "short call below threshold should not be written")
}

func TestRecordTraceDataForcesTraceRegardlessOfThreshold(t *testing.T) {
	ring := testRing(t)
	s := NewStack(8, 256)

	e := s.Push()
	e.StartTime = 100
	e.EndTime = 110
	e.ChildIP = 0xabc
	e.Flags |= FlagTrace

	require.NoError(t, RecordTraceData(ring, s, 0, 1_000_000))
	require.True(t, e.Flags&FlagWritten != 0, "a Trace call below threshold should still be written")
}

func TestPackArgsFixedSizeValue(t *testing.T) {
	specs := []trigger.ArgSpec{{Direction: trigger.ArgDirectionEntry, Size: 8}}
	values := []ArgValue{{Bytes: []byte{1, 2, 3, 4, 5, 6, 7, 8}}}
	buf := make([]byte, 64)

	ok := PackArgs(buf, specs, values, trigger.ArgDirectionEntry)
	require.True(t, ok)

	payload := trimToLen(buf)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, payload)
}

func TestPackArgsStringValue(t *testing.T) {
	specs := []trigger.ArgSpec{{Direction: trigger.ArgDirectionEntry, IsString: true}}
	values := []ArgValue{{Bytes: []byte("hello"), IsString: true}}
	buf := make([]byte, 64)

	ok := PackArgs(buf, specs, values, trigger.ArgDirectionEntry)
	require.True(t, ok)
	payload := trimToLen(buf)
	require.NotEmpty(t, payload)
}

func TestPackArgsNullString(t *testing.T) {
	specs := []trigger.ArgSpec{{Direction: trigger.ArgDirectionEntry, IsString: true}}
	values := []ArgValue{{IsString: true, Null: true}}
	buf := make([]byte, 64)

	ok := PackArgs(buf, specs, values, trigger.ArgDirectionEntry)
	require.True(t, ok)
	payload := trimToLen(buf)
	require.Len(t, payload, 8)
}

func TestPackArgsOverflowDropsPayload(t *testing.T) {
	specs := []trigger.ArgSpec{{Direction: trigger.ArgDirectionEntry, Size: 64}}
	values := []ArgValue{{Bytes: make([]byte, 64)}}
	buf := make([]byte, 8) // too small for a 64-byte fixed value

	ok := PackArgs(buf, specs, values, trigger.ArgDirectionEntry)
	require.False(t, ok)
}
