// Package rstack implements the bounded per-thread return-stack and the
// deferred record encoder that drains it into a shmring.Ring. It mirrors
// go-ublk's preference for pre-sized, non-allocating hot-path state
// (runner.go sizes its tagStates/ioCmds arrays once at construction) over
// a linked list or growable slice on every call.
package rstack

import (
	"strconv"

	"github.com/ehrlich-b/ftraced/internal/shmring"
	"github.com/ehrlich-b/ftraced/internal/trigger"
)

// Flag is a bitset of per-call state tracked on an RStackEntry.
type Flag uint16

const (
	FlagWritten  Flag = 1 << iota // the ENTRY record for this call has been emitted
	FlagNoRecord                 // this call is filtered out, never emit ENTRY/EXIT
	FlagFiltered                 // a Filter trigger matched this call
	FlagNoTrace                  // an explicit notrace trigger matched
	FlagArgument                 // an Argument trigger matched; entry args were packed
	FlagRetval                   // a Retval trigger matched; retval will be packed at exit
	FlagTrace                    // a Trace trigger forces recording regardless of threshold
	FlagDisabled                 // recordable, but global_enabled was false at entry
	FlagRecover                  // the original return address was restored for this call
)

// RStackEntry is one frame of the return stack.
type RStackEntry struct {
	Depth            int // RecordIdx at entry time
	ParentLoc        uintptr
	ParentIP         uintptr
	ChildIP          uintptr
	StartTime        uint64
	EndTime          uint64 // zero until the call returns
	Flags            Flag
	FilterDepthSaved int
	DynIdx           int             // PLT index, or -1 when not applicable (PLT hooking is out of scope here)
	Trigger          *trigger.Trigger // the trigger EntryCheck matched for this call, for ExitCheck to restore against
}

func (e *RStackEntry) recordable() bool {
	return e.Flags&(FlagNoRecord|FlagDisabled) == 0
}

// Stack is the bounded return-stack plus its paired argument scratch
// buffers for one traced thread.
type Stack struct {
	entries    []RStackEntry
	entryArgs  [][]byte
	retvalArgs [][]byte
	idx        int
	recordIdx  int
}

// NewStack allocates a stack with room for maxDepth frames, each with an
// argBufSize scratch region for entry arguments and another for retval.
func NewStack(maxDepth, argBufSize int) *Stack {
	s := &Stack{
		entries:    make([]RStackEntry, maxDepth),
		entryArgs:  make([][]byte, maxDepth),
		retvalArgs: make([][]byte, maxDepth),
	}
	for i := range s.entries {
		s.entryArgs[i] = make([]byte, argBufSize)
		s.retvalArgs[i] = make([]byte, argBufSize)
	}
	return s
}

// Depth returns the current call depth (number of frames pushed).
func (s *Stack) Depth() int { return s.idx }

// MaxDepth returns the configured capacity.
func (s *Stack) MaxDepth() int { return len(s.entries) }

// RecordIdx returns the number of recordable ancestors currently on the
// stack, i.e. the value a freshly pushed frame's Depth field should take.
func (s *Stack) RecordIdx() int { return s.recordIdx }

// Push reserves the next frame and returns a pointer to it for the caller
// to populate. It does not itself decide recordability; call IncRecordIdx
// afterward if the frame turns out to be recordable.
func (s *Stack) Push() *RStackEntry {
	e := &s.entries[s.idx]
	*e = RStackEntry{Depth: s.recordIdx, DynIdx: -1}
	s.idx++
	return e
}

// IncRecordIdx and DecRecordIdx track how many ancestors on the stack are
// recordable, independent of raw call depth (invariant 5: record_idx
// equals the count of ancestors that are not NoRecord).
func (s *Stack) IncRecordIdx() { s.recordIdx++ }
func (s *Stack) DecRecordIdx() {
	if s.recordIdx > 0 {
		s.recordIdx--
	}
}

// Top returns the most recently pushed, not-yet-popped frame.
func (s *Stack) Top() *RStackEntry {
	if s.idx == 0 {
		return nil
	}
	return &s.entries[s.idx-1]
}

// Pop removes the top frame.
func (s *Stack) Pop() {
	if s.idx > 0 {
		s.idx--
	}
}

// EntryArgBuf and RetvalArgBuf return the fixed scratch buffer for the
// frame at the given stack index, used to stage packed argument bytes
// between EntryRecord/ExitRecord and the deferred encoder.
func (s *Stack) EntryArgBuf(idx int) []byte  { return s.entryArgs[idx] }
func (s *Stack) RetvalArgBuf(idx int) []byte { return s.retvalArgs[idx] }

// emitEntry writes one ENTRY record (plus staged argument payload, if any)
// for the frame at idx.
func emitEntry(ring *shmring.Ring, e *RStackEntry, payload []byte) error {
	rec := shmring.Record{
		Time:  e.StartTime,
		Type:  shmring.TypeEntry,
		Depth: depthByte(e.Depth),
		Addr:  uint64(e.ChildIP),
	}
	return ring.Append(rec, payload)
}

func emitExit(ring *shmring.Ring, e *RStackEntry, payload []byte) error {
	rec := shmring.Record{
		Time:  e.EndTime,
		Type:  shmring.TypeExit,
		Depth: depthByte(e.Depth),
		Addr:  uint64(e.ChildIP),
	}
	return ring.Append(rec, payload)
}

func depthByte(d int) uint8 {
	if d > 255 {
		return 255
	}
	return uint8(d)
}

// RecordTraceData implements the deferred-emission walk. It is called at
// EXIT (or by a forced flush, e.g. when tracing is switched off mid-call):
// it walks backward from topIdx while ancestors are still unwritten,
// counting recordable ones, then walks forward emitting their ENTRY
// records. The frame at topIdx itself is handled separately: its entry is
// only emitted once something makes it worth recording — its own exit
// clears the threshold, a Trace trigger forces it, or a deeper descendant
// already forced the write out from under it — never merely because this
// function was called. thresholdNS gates whether a completed call is
// worth recording at all.
func RecordTraceData(ring *shmring.Ring, s *Stack, topIdx int, thresholdNS uint64) error {
	start := topIdx
	for start > 0 && s.entries[start-1].Flags&FlagWritten == 0 {
		start--
	}

	for i := start; i < topIdx; i++ {
		e := &s.entries[i]
		if !e.recordable() || e.Flags&FlagWritten != 0 {
			continue
		}
		var payload []byte
		if e.Flags&FlagArgument != 0 {
			payload = s.entryArgs[i]
		}
		if err := emitEntry(ring, e, trimToLen(payload)); err != nil {
			lost := topIdx - i + 1
			return &DropErr{Count: lost, Cause: err}
		}
		e.Flags |= FlagWritten
	}

	top := &s.entries[topIdx]
	if top.EndTime == 0 {
		// Still in flight: an ancestor flush, not this call's own exit.
		// Its own entry/exit decision happens when it returns.
		return nil
	}
	if !shouldEmitExit(top, thresholdNS) {
		return nil
	}

	if top.recordable() && top.Flags&FlagWritten == 0 {
		var entryPayload []byte
		if top.Flags&FlagArgument != 0 {
			entryPayload = s.entryArgs[topIdx]
		}
		if err := emitEntry(ring, top, trimToLen(entryPayload)); err != nil {
			return &DropErr{Count: 1, Cause: err}
		}
		top.Flags |= FlagWritten
	}

	var payload []byte
	if top.Flags&FlagRetval != 0 {
		payload = s.retvalArgs[topIdx]
	}
	if err := emitExit(ring, top, trimToLen(payload)); err != nil {
		return &DropErr{Count: 1, Cause: err}
	}
	return nil
}

// shouldEmitExit implements the emission rule: never for NoRecord/Disabled
// calls; otherwise when the call met the duration threshold, or a
// descendant already forced the ENTRY to be written, or a Trace trigger
// forces it regardless of threshold.
func shouldEmitExit(e *RStackEntry, thresholdNS uint64) bool {
	if !e.recordable() {
		return false
	}
	if e.Flags&FlagTrace != 0 {
		return true
	}
	if e.Flags&FlagWritten != 0 {
		return true
	}
	duration := e.EndTime - e.StartTime
	return duration >= thresholdNS
}

// trimToLen reads the 4-byte length prefix an argbuf slot was packed with
// and returns only the meaningful payload bytes (nil if nothing was
// packed).
func trimToLen(buf []byte) []byte {
	if len(buf) < 4 {
		return nil
	}
	n := int(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
	if n <= 0 || 4+n > len(buf) {
		return nil
	}
	return buf[4 : 4+n]
}

// DropErr reports that the encoder failed to emit and is dropping Count
// pending records as a result.
type DropErr struct {
	Count int
	Cause error
}

func (e *DropErr) Error() string {
	return "rstack: dropped " + strconv.Itoa(e.Count) + " records: " + e.Cause.Error()
}

func (e *DropErr) Unwrap() error { return e.Cause }
