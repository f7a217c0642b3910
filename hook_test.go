package ftraced

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/ftraced/internal/clock"
	"github.com/ehrlich-b/ftraced/internal/ctlpipe"
	"github.com/ehrlich-b/ftraced/internal/lifecycle"
	"github.com/ehrlich-b/ftraced/internal/shmring"
	"github.com/ehrlich-b/ftraced/internal/trigger"
)

// resetThread pins the test to one OS thread and clears any ThreadData a
// prior test left behind for it, the way a real process would start each
// traced thread fresh. Without LockOSThread, two tests could land on the
// same OS thread and silently reuse each other's stack/ring sizing.
func resetThread(t *testing.T) {
	t.Helper()
	runtime.LockOSThread()
	ThreadFini()
	t.Cleanup(func() {
		ThreadFini()
		runtime.UnlockOSThread()
		// Stand in for the recorder, which unlinks drained segments.
		names, _ := filepath.Glob("/dev/shm/ftrace-00112233aabbccdd-*")
		for _, n := range names {
			os.Remove(n)
		}
	})
}

func newTestSession(pipe *ctlpipe.Pipe, triggers *trigger.Table, thresholdNS uint64, mode trigger.FilterMode, defaultDepth, maxStackDepth int) *lifecycle.Session {
	if triggers == nil {
		triggers = trigger.NewTable(nil)
	}
	s := &lifecycle.Session{
		SessionID:     "00112233aabbccdd",
		PID:           4242,
		Pipe:          pipe,
		BufferSize:    8192,
		MaxBuf:        4,
		MaxStackDepth: maxStackDepth,
		ThresholdNS:   thresholdNS,
		FilterMode:    mode,
		DefaultDepth:  defaultDepth,
		Triggers:      triggers,
	}
	s.GlobalEnabled.Store(true)
	return s
}

// readSegmentName drains control frames until it sees the RecStart that
// thread init's Prepare sends for the first segment, returning its name.
func readSegmentName(t *testing.T, fp *FakePipe) string {
	t.Helper()
	for {
		typ, payload, err := fp.ReadMessage()
		require.NoError(t, err)
		if typ == ctlpipe.MsgRecStart {
			return string(payload)
		}
	}
}

func TestOnEntryOnExitRecordsCallAboveThreshold(t *testing.T) {
	resetThread(t)
	fp, err := NewFakePipe()
	require.NoError(t, err)
	defer fp.Close()

	s := newTestSession(fp.WritePipe(), nil, 0, trigger.FilterModeNone, 1<<20, 16)
	Bootstrap(s)

	var parentLoc uintptr = 0xdeadbeef
	child := uintptr(0x401000)

	rc := OnEntry(&parentLoc, child, nil)
	require.Equal(t, int32(0), rc)
	require.Equal(t, ReturnTrampoline, parentLoc)

	ret := OnExit(0)
	require.Equal(t, uintptr(0xdeadbeef), ret)

	name := readSegmentName(t, fp)
	rec := &MockRecorder{Triggers: s.Triggers}
	records, err := rec.DrainSegment(name)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, shmring.TypeEntry, records[0].Type)
	require.Equal(t, child, uintptr(records[0].Addr))
	require.Equal(t, shmring.TypeExit, records[1].Type)
	require.Equal(t, child, uintptr(records[1].Addr))
}

func TestOnExitSkipsCallBelowThreshold(t *testing.T) {
	resetThread(t)
	fp, err := NewFakePipe()
	require.NoError(t, err)
	defer fp.Close()

	// A threshold no real call on this machine could clear.
	s := newTestSession(fp.WritePipe(), nil, 1_000_000_000_000, trigger.FilterModeNone, 1<<20, 16)
	Bootstrap(s)

	var parentLoc uintptr = 0x1
	child := uintptr(0x402000)
	require.Equal(t, int32(0), OnEntry(&parentLoc, child, nil))
	OnExit(0)

	name := readSegmentName(t, fp)
	rec := &MockRecorder{Triggers: s.Triggers}
	records, err := rec.DrainSegment(name)
	require.NoError(t, err)
	require.Empty(t, records, "a call well under threshold, with no descendant, must not be recorded")
}

func TestOnEntryIncludeFilterGatesUnmatchedCalls(t *testing.T) {
	resetThread(t)
	fp, err := NewFakePipe()
	require.NoError(t, err)
	defer fp.Close()

	included := uintptr(0x403000)
	tbl := trigger.NewTable([]trigger.Trigger{
		{Addr: included, Flags: trigger.FlagFilter, Mode: trigger.FilterModeInclude},
	})
	s := newTestSession(fp.WritePipe(), tbl, 0, trigger.FilterModeInclude, 8, 16)
	Bootstrap(s)

	var unmatchedLoc uintptr = 0x1
	unmatched := uintptr(0x9999)
	rc := OnEntry(&unmatchedLoc, unmatched, nil)
	require.Equal(t, int32(-1), rc, "a call outside any include match must be filtered out")
	require.Equal(t, uintptr(0x1), unmatchedLoc, "a filtered call must not hijack the return address")

	var includedLoc uintptr = 0x2
	rc = OnEntry(&includedLoc, included, nil)
	require.Equal(t, int32(0), rc)
	require.Equal(t, ReturnTrampoline, includedLoc)

	var nestedLoc uintptr = 0x3
	nested := uintptr(0xaaaa)
	rc = OnEntry(&nestedLoc, nested, nil)
	require.Equal(t, int32(0), rc, "a call nested under an include match passes even without its own match")

	OnExit(0) // nested
	OnExit(0) // included

	name := readSegmentName(t, fp)
	rec := &MockRecorder{Triggers: s.Triggers}
	records, err := rec.DrainSegment(name)
	require.NoError(t, err)
	require.NotEmpty(t, records, "the included call and its nested descendant should have been recorded")
}

func TestOnEntryCapturesArgumentPayload(t *testing.T) {
	resetThread(t)
	fp, err := NewFakePipe()
	require.NoError(t, err)
	defer fp.Close()

	child := uintptr(0x404000)
	tbl := trigger.NewTable([]trigger.Trigger{
		{
			Addr:  child,
			Flags: trigger.FlagArgument,
			Args:  []trigger.ArgSpec{{Direction: trigger.ArgDirectionEntry, Size: 8}},
		},
	})
	s := newTestSession(fp.WritePipe(), tbl, 0, trigger.FilterModeNone, 1<<20, 16)
	Bootstrap(s)

	var parentLoc uintptr = 0x1
	regs := &Regs{RDI: 0xcafebabe}
	require.Equal(t, int32(0), OnEntry(&parentLoc, child, regs))
	OnExit(0)

	name := readSegmentName(t, fp)
	rec := &MockRecorder{Triggers: s.Triggers}
	records, err := rec.DrainSegment(name)
	require.NoError(t, err)
	require.Len(t, records, 2)

	entry := records[0]
	require.Equal(t, shmring.TypeEntry, entry.Type)
	require.NotZero(t, entry.Flags&shmring.FlagMore)
	require.Len(t, entry.Payload, 8)

	var got uint64
	for i := 0; i < 8; i++ {
		got |= uint64(entry.Payload[i]) << (8 * i)
	}
	require.Equal(t, uint64(0xcafebabe), got)
}

func TestAfterForkChildDiscardsParentThreadState(t *testing.T) {
	resetThread(t)
	fp, err := NewFakePipe()
	require.NoError(t, err)
	defer fp.Close()

	parent := newTestSession(fp.WritePipe(), nil, 0, trigger.FilterModeNone, 1<<20, 16)
	Bootstrap(parent)

	var parentLoc uintptr = 0x1
	require.Equal(t, int32(0), OnEntry(&parentLoc, 0x405000, nil))

	_, ok := lookupThread(clock.TID())
	require.True(t, ok, "the calling thread should have live ThreadData before the fork")

	require.NoError(t, AfterForkChild(parent.PID))

	_, ok = lookupThread(clock.TID())
	require.False(t, ok, "AfterForkChild must discard inherited ThreadData")

	child := CurrentSession()
	require.NotNil(t, child)
	require.NotSame(t, parent, child)
	require.Equal(t, parent.SessionID, child.SessionID, "the child keeps the parent's session id")
}
