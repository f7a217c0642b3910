package shmring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/ftraced/internal/ctlpipe"
)

func testRing(t *testing.T, bufSize, maxBuf int) (*Ring, func()) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	pipe := ctlpipe.New(int(w.Fd()))
	ring := New("deadbeefcafef00d", 4242, bufSize, maxBuf, pipe)
	return ring, func() {
		ring.Close()
		r.Close()
		w.Close()
		// Stand in for the recorder, which unlinks drained segments.
		names, _ := filepath.Glob("/dev/shm/ftrace-deadbeefcafef00d-4242-*")
		for _, n := range names {
			os.Remove(n)
		}
	}
}

func TestPrepareAllocatesFirstSegmentAndSpare(t *testing.T) {
	ring, cleanup := testRing(t, 4096, 4)
	defer cleanup()

	require.NoError(t, ring.Prepare())
	require.Len(t, ring.buffers, 2)
	require.Equal(t, FlagRecording, ring.buffers[0].flag())
	require.Equal(t, FlagNew, ring.buffers[1].flag(), "the spare segment sits idle until the first rotation")
}

func TestAppendWritesRecordAndAdvancesSize(t *testing.T) {
	ring, cleanup := testRing(t, 4096, 4)
	defer cleanup()
	require.NoError(t, ring.Prepare())

	rec := Record{Time: 100, Type: TypeEntry, Depth: 1, Addr: 0xdeadbeef}
	require.NoError(t, ring.Append(rec, nil))

	buf := ring.buffers[0]
	require.EqualValues(t, RecordSize, buf.size())

	got := Decode(buf.data()[0:RecordSize])
	require.Equal(t, rec, got)
}

func TestRotateReusesSpareBeforeGrowing(t *testing.T) {
	// Buffer fits exactly one record, so every other Append forces a
	// rotation; the idle spare Prepare left behind must be used first.
	ring, cleanup := testRing(t, HeaderSize+RecordSize, 4)
	defer cleanup()
	require.NoError(t, ring.Prepare())

	rec := Record{Time: 1, Type: TypeEntry, Depth: 0, Addr: 1}
	require.NoError(t, ring.Append(rec, nil)) // fills buffers[0]
	require.NoError(t, ring.Append(rec, nil)) // rotate: must reuse buffers[1], not grow

	require.Len(t, ring.buffers, 2)
	require.Equal(t, 1, ring.curr)
	require.Equal(t, FlagWritten, ring.buffers[0].flag())
	require.Equal(t, FlagRecording, ring.buffers[1].flag())
}

func TestRotateGrowsOnceNoSegmentIsIdle(t *testing.T) {
	ring, cleanup := testRing(t, HeaderSize+RecordSize, 4)
	defer cleanup()
	require.NoError(t, ring.Prepare())

	rec := Record{Time: 1, Type: TypeEntry, Depth: 0, Addr: 1}
	require.NoError(t, ring.Append(rec, nil)) // fills buffers[0]
	require.NoError(t, ring.Append(rec, nil)) // rotate onto the spare, buffers[1]
	require.NoError(t, ring.Append(rec, nil)) // rotate again: no New segment left, must grow

	require.Len(t, ring.buffers, 3)
	require.Equal(t, 2, ring.curr)
	require.Equal(t, FlagRecording, ring.buffers[2].flag())
}

func TestAppendDropsWhenCapReachedWithNothingIdle(t *testing.T) {
	ring, cleanup := testRing(t, HeaderSize+RecordSize, 2)
	defer cleanup()
	require.NoError(t, ring.Prepare())
	require.Len(t, ring.buffers, 2)

	rec := Record{Time: 1, Type: TypeEntry, Depth: 0, Addr: 1}
	require.NoError(t, ring.Append(rec, nil)) // fills buffers[0]
	require.NoError(t, ring.Append(rec, nil)) // rotate onto the spare, buffers[1]
	// Both segments are now non-New and maxBuf (2) blocks growth: the
	// next rotation has nothing to reuse and must drop instead.
	require.NoError(t, ring.Append(rec, nil))
	require.Equal(t, uint32(1), ring.losts)
	require.Equal(t, -1, ring.curr)
}

func TestAppendDropsWhenSegmentAllocationFails(t *testing.T) {
	ring, cleanup := testRing(t, HeaderSize+RecordSize, 4)
	defer cleanup()

	// Collide with the very first segment name so the ring's first
	// allocation attempt fails the way it would under real resource
	// exhaustion, with no segments yet in place to fall back on.
	path := shmPath(ring.segmentName(0))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, 0600)
	require.NoError(t, err)
	f.Close()
	defer os.Remove(path)

	rec := Record{Time: 1, Type: TypeEntry, Depth: 0, Addr: 1}
	require.NoError(t, ring.Append(rec, nil))
	require.Equal(t, uint32(1), ring.losts)
	require.Equal(t, -1, ring.curr)
}

func TestRotateShrinksTrailingWrittenRun(t *testing.T) {
	ring, cleanup := testRing(t, HeaderSize+RecordSize, 8)
	defer cleanup()
	require.NoError(t, ring.Prepare()) // buffers[0] Recording, buffers[1] New spare

	// Normal rotation always finds the idle spare (or grows) before it
	// would ever need to shrink, so a trailing run of Written segments
	// worth shrinking only arises once a consumer has fallen behind and
	// left several of them undrained at once. Simulate that directly.
	require.NoError(t, ring.growLocked())
	require.NoError(t, ring.growLocked())
	require.NoError(t, ring.growLocked())
	require.Len(t, ring.buffers, 5)
	for _, b := range ring.buffers[2:] {
		b.setFlag(FlagWritten)
	}
	ring.curr = 0 // buffers[0] is the live segment about to be finalized

	require.NoError(t, ring.rotateLocked())

	require.Len(t, ring.buffers, 4, "three trailing Written segments must be shrunk by one")
	require.Equal(t, 1, ring.curr, "the idle spare (buffers[1]) is reused before anything grows")
	require.Equal(t, FlagRecording, ring.buffers[1].flag())
}

func TestRotateWritesLostRecordAtHeadOfNextSegment(t *testing.T) {
	ring, cleanup := testRing(t, HeaderSize+2*RecordSize, 4)
	defer cleanup()
	require.NoError(t, ring.Prepare())

	ring.mu.Lock()
	ring.losts = 3
	ring.mu.Unlock()

	require.NoError(t, ring.Rotate())

	buf := ring.buffers[ring.curr]
	got := Decode(buf.data()[0:RecordSize])
	require.Equal(t, TypeLost, got.Type)
	require.Equal(t, uint64(3), got.Addr)
	require.EqualValues(t, RecordSize, buf.size())

	ring.mu.Lock()
	n := ring.losts
	ring.mu.Unlock()
	require.Zero(t, n, "losts must be reset once folded into an in-band record")
}
