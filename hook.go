package ftraced

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/ftraced/internal/clock"
	"github.com/ehrlich-b/ftraced/internal/ctlpipe"
	"github.com/ehrlich-b/ftraced/internal/ftlog"
	"github.com/ehrlich-b/ftraced/internal/lifecycle"
	"github.com/ehrlich-b/ftraced/internal/rstack"
	"github.com/ehrlich-b/ftraced/internal/shmring"
	"github.com/ehrlich-b/ftraced/internal/trigger"
)

// Regs is an architecture-specific register snapshot, filled in by the
// instrumentation shim before calling OnEntry and consulted only when a
// trigger's argument spec asks for values to be read out of registers
// rather than off the stack. The System V AMD64 integer-argument
// registers are named directly; other architectures would add their own
// Regs variant behind a build tag (out of scope here, per §6).
type Regs struct {
	RDI, RSI, RDX, RCX, R8, R9 uint64
}

// Arg reads the n'th System V integer argument register (0-indexed).
func (r *Regs) Arg(n int) uint64 {
	if r == nil {
		return 0
	}
	switch n {
	case 0:
		return r.RDI
	case 1:
		return r.RSI
	case 2:
		return r.RDX
	case 3:
		return r.RCX
	case 4:
		return r.R8
	case 5:
		return r.R9
	default:
		return 0
	}
}

// ThreadData is the per-thread state lazily created on the first hook
// invocation on a given OS thread (identified by clock.TID) and torn down
// by ThreadFini or at process shutdown. Goroutines that want deterministic
// per-thread state must call runtime.LockOSThread first, the same
// discipline the teacher's queue.Runner used to pin its I/O loop to one OS
// thread (see SPEC_FULL §9).
type ThreadData struct {
	TID            uint64
	RecursionGuard bool
	Stack          *rstack.Stack
	Filter         trigger.FilterState
	EnableCached   bool
	Shmem          *shmring.Ring
}

var (
	active  atomic.Pointer[lifecycle.Session]
	threads sync.Map // map[uint64]*ThreadData
)

// Bootstrap installs the process-wide Session a host's process-init path
// built (normally via internal/lifecycle.Init). Every hook entry point is
// a no-op until this has been called once.
func Bootstrap(s *lifecycle.Session) {
	active.Store(s)
}

// CurrentSession returns the installed Session, or nil before Bootstrap.
func CurrentSession() *lifecycle.Session {
	return active.Load()
}

// ShouldStop reports whether hooks on the calling thread must currently be
// no-ops: no Session installed yet, the process is past fini, or this
// thread is already inside a hook call (the reentrancy guard tripped by a
// traced allocator recursing into the hook it's itself being called from).
func ShouldStop() bool {
	s := active.Load()
	if s == nil || s.MCountFinished.Load() {
		return true
	}
	if v, ok := threads.Load(clock.TID()); ok {
		return v.(*ThreadData).RecursionGuard
	}
	return false
}

// lookupThread returns the ThreadData for tid, if one has been created.
func lookupThread(tid uint64) (*ThreadData, bool) {
	v, ok := threads.Load(tid)
	if !ok {
		return nil, false
	}
	return v.(*ThreadData), true
}

// initThreadData allocates and publishes a brand-new ThreadData for tid.
// RecursionGuard is set to true in the literal before the struct is ever
// visible to another lookup, so every allocation this function performs
// (the rstack arrays, the shmem ring's first segment) runs "inside" the
// guard exactly as §4.6 requires: a traced allocator recursing into
// OnEntry on this same thread during this call sees RecursionGuard==true
// and becomes a no-op.
func initThreadData(s *lifecycle.Session, tid uint64) *ThreadData {
	td := &ThreadData{TID: tid, RecursionGuard: true, EnableCached: s.GlobalEnabled.Load()}
	td.Filter.Depth = s.DefaultDepth
	threads.Store(tid, td)

	td.Stack = rstack.NewStack(s.MaxStackDepth, DefaultArgBufSize)
	td.Shmem = shmring.New(s.SessionID, tid, s.BufferSize, s.MaxBuf, s.Pipe)
	if err := td.Shmem.Prepare(); err != nil {
		lifecycle.Abort("shmring.Prepare", err)
	}

	payload := ctlpipe.TIDPayload(clock.NowNS(), s.PID, uint32(tid))
	if err := s.Pipe.Send(ctlpipe.MsgTID, payload); err != nil {
		lifecycle.Abort("ctlpipe.Send(TID)", err)
	}
	return td
}

// ThreadFini tears down the calling thread's state: flushes any pending
// lost-event count, finalizes and unmaps its shmem ring, and removes it
// from the registry. Call it explicitly before a goroutine that owns a
// ThreadData returns, mirroring the teacher's explicit Runner.Close rather
// than relying on GC finalization for anything safety-critical.
func ThreadFini() {
	tid := clock.TID()
	v, ok := threads.LoadAndDelete(tid)
	if !ok {
		return
	}
	td := v.(*ThreadData)
	if err := td.Shmem.FlushLost(); err != nil {
		ftlog.Warn("hook: error flushing lost count at thread fini", "tid", tid, "err", err)
	}
	if err := td.Shmem.Close(); err != nil {
		ftlog.Warn("hook: error closing shmem ring at thread fini", "tid", tid, "err", err)
	}
}

// OnEntry is the mcount-style entry hook, called by compiler-inserted
// instrumentation with the address of the slot holding the caller's
// return address, the callee address, and (when argument capture from
// registers is configured) a register snapshot. It returns 0 and hijacks
// *parentLoc to ReturnTrampoline when the call should be tracked (a Recover
// trigger then puts the original address back for the call), or -1
// (leaving *parentLoc untouched) when the call is filtered out — in which
// case the instrumentation must not install a return trampoline, since no
// matching OnExit will ever fire.
func OnEntry(parentLoc *uintptr, child uintptr, regs *Regs) int32 {
	s := active.Load()
	if s == nil || s.MCountFinished.Load() {
		return -1
	}

	tid := clock.TID()
	td, existed := lookupThread(tid)
	if existed {
		if td.RecursionGuard {
			return -1
		}
		td.RecursionGuard = true
	} else {
		td = initThreadData(s, tid)
	}
	defer func() { td.RecursionGuard = false }()

	if td.Stack.Depth() >= s.MaxStackDepth {
		lifecycle.Abort("trigger.EntryCheck", trigger.ErrStackOverflow)
	}

	result, tr := trigger.EntryCheck(&td.Filter, td.Stack.Depth(), s.MaxStackDepth, s.DefaultDepth, s.FilterMode, &s.GlobalEnabled, s.Triggers, child)
	if result == trigger.FilterOut {
		return -1
	}

	e := td.Stack.Push()
	e.ParentLoc = uintptr(unsafe.Pointer(parentLoc))
	e.ParentIP = *parentLoc
	e.ChildIP = child
	e.StartTime = clock.NowNS()
	e.Trigger = tr

	*parentLoc = ReturnTrampoline

	entryRecord(s, td, e, tr, regs)
	return 0
}

// OnExit is the mcount-style return hook. It pops the matching frame,
// stamps EndTime, runs the exit-side filter/record logic, and returns the
// original return address the instrumentation's trampoline should jump to
// (restoring the call's natural control flow).
func OnExit(retval uint64) uintptr {
	s := active.Load()
	if s == nil {
		return 0
	}
	td, ok := lookupThread(clock.TID())
	if !ok || td.Stack.Depth() == 0 {
		return 0
	}

	td.RecursionGuard = true
	defer func() { td.RecursionGuard = false }()

	e := td.Stack.Top()
	e.EndTime = clock.NowNS()
	exitRecord(s, td, e, retval)
	parentIP := e.ParentIP
	td.Stack.Pop()
	return parentIP
}

// Enter is the cyg_profile-style entry hook: unlike OnEntry it never
// hijacks a return address, so it always pushes a frame — marking it
// NoRecord when filtered out — so the matching Exit call can pop exactly
// one frame regardless of the filter verdict.
func Enter(child, parent uintptr) {
	s := active.Load()
	if s == nil || s.MCountFinished.Load() {
		return
	}

	tid := clock.TID()
	td, existed := lookupThread(tid)
	if existed {
		if td.RecursionGuard {
			return
		}
		td.RecursionGuard = true
	} else {
		td = initThreadData(s, tid)
	}
	defer func() { td.RecursionGuard = false }()

	if td.Stack.Depth() >= s.MaxStackDepth {
		lifecycle.Abort("trigger.EntryCheck", trigger.ErrStackOverflow)
	}

	result, tr := trigger.EntryCheck(&td.Filter, td.Stack.Depth(), s.MaxStackDepth, s.DefaultDepth, s.FilterMode, &s.GlobalEnabled, s.Triggers, child)

	e := td.Stack.Push()
	e.ParentIP = parent
	e.ChildIP = child
	e.Trigger = tr
	if result == trigger.FilterOut {
		e.Flags |= rstack.FlagNoRecord
		e.FilterDepthSaved = td.Filter.SavedDepth
		// StartTime stays zero: duration would otherwise be huge and the
		// emission rule must gate on flags, not solely on threshold.
		return
	}
	e.StartTime = clock.NowNS()
	entryRecord(s, td, e, tr, nil)
}

// Exit is the cyg_profile-style return hook, popping exactly the frame
// Enter pushed for this (child, parent) pair.
func Exit(child, parent uintptr) {
	s := active.Load()
	if s == nil {
		return
	}
	td, ok := lookupThread(clock.TID())
	if !ok || td.Stack.Depth() == 0 {
		return
	}

	td.RecursionGuard = true
	defer func() { td.RecursionGuard = false }()

	e := td.Stack.Top()
	if e.Flags&rstack.FlagNoRecord == 0 {
		e.EndTime = clock.NowNS()
	}
	exitRecord(s, td, e, 0)
	td.Stack.Pop()
}

// entryRecord implements §4.5's EntryRecord for a frame its caller already
// pushed (and marked NoRecord, if filtered out): it copies forward the
// Filtered/Retval/Trace/Recover bits a matched trigger carries, advances
// RecordIdx for recordable calls, packs entry arguments
// when requested, forces a flush when tracing was just switched off
// out from under an in-flight call, and performs return-address recovery.
func entryRecord(s *lifecycle.Session, td *ThreadData, e *rstack.RStackEntry, tr *trigger.Trigger, regs *Regs) {
	e.FilterDepthSaved = td.Filter.SavedDepth

	if tr != nil {
		if tr.Flags&trigger.FlagFilter != 0 {
			e.Flags |= rstack.FlagFiltered
		}
		if tr.Flags&trigger.FlagRetval != 0 {
			e.Flags |= rstack.FlagRetval
		}
		if tr.Flags&trigger.FlagTrace != 0 {
			e.Flags |= rstack.FlagTrace
		}
		if tr.Flags&trigger.FlagRecover != 0 {
			e.Flags |= rstack.FlagRecover
		}
	}

	if e.Flags&rstack.FlagNoRecord == 0 {
		td.Stack.IncRecordIdx()
		if !s.GlobalEnabled.Load() {
			e.Flags |= rstack.FlagDisabled
		} else if tr != nil && tr.Flags&trigger.FlagArgument != 0 {
			packEntryArgs(td, e, tr, regs)
		}
	}

	enabled := s.GlobalEnabled.Load()
	if td.EnableCached != enabled {
		if !enabled {
			if err := rstack.RecordTraceData(td.Shmem, td.Stack, td.Stack.Depth()-1, s.ThresholdNS); err != nil {
				abortOnPipeDrop("rstack.RecordTraceData(trace-off)", err)
			}
		}
		td.EnableCached = enabled
	}

	if e.Flags&rstack.FlagRecover != 0 && e.ParentLoc != 0 {
		*(*uintptr)(unsafe.Pointer(e.ParentLoc)) = e.ParentIP
	}
}

// exitRecord implements §4.5's ExitRecord: restores the filter-depth
// budget, un-hijacks a recovered return address, decrements RecordIdx,
// packs the retval payload if requested, and drives the deferred-emission
// encoder.
func exitRecord(s *lifecycle.Session, td *ThreadData, e *rstack.RStackEntry, retval uint64) {
	td.Filter.SavedDepth = e.FilterDepthSaved
	trigger.ExitCheck(&td.Filter, e.Trigger)

	if e.Flags&rstack.FlagRecover != 0 && e.ParentLoc != 0 {
		*(*uintptr)(unsafe.Pointer(e.ParentLoc)) = ReturnTrampoline
	}

	if e.Flags&rstack.FlagNoRecord == 0 {
		td.Stack.DecRecordIdx()
		if e.Flags&rstack.FlagRetval != 0 {
			packRetval(td, e, retval)
		}
	}

	if err := rstack.RecordTraceData(td.Shmem, td.Stack, td.Stack.Depth()-1, s.ThresholdNS); err != nil {
		abortOnPipeDrop("rstack.RecordTraceData(exit)", err)
	}
}

// abortOnPipeDrop unwraps a *rstack.DropErr from a failed emission and
// escalates it per §4.2/§4.8: a shmem allocation failure degrades to
// dropping mode inside shmring.rotateLocked and never reaches here as a
// DropErr in the first place, so any Cause that does surface is a control
// pipe write failure, which is fatal.
func abortOnPipeDrop(op string, err error) {
	var dropErr *rstack.DropErr
	if errors.As(err, &dropErr) {
		lifecycle.Abort(op, dropErr.Cause)
		return
	}
	ftlog.Debug("hook: dropped frames", "op", op, "err", err)
}

// packEntryArgs reads the values a trigger's Argument spec describes out
// of regs and packs them into this frame's entry argbuf slot.
func packEntryArgs(td *ThreadData, e *rstack.RStackEntry, tr *trigger.Trigger, regs *Regs) {
	idx := td.Stack.Depth() - 1
	values := make([]rstack.ArgValue, len(tr.Args))
	reg := 0
	for i, spec := range tr.Args {
		if spec.Direction != trigger.ArgDirectionEntry {
			continue
		}
		if spec.IsString {
			values[i] = readStringArg(regs.Arg(reg))
		} else {
			v := regs.Arg(reg)
			buf := make([]byte, 8)
			for b := 0; b < 8 && b < int(spec.Size); b++ {
				buf[b] = byte(v >> (8 * b))
			}
			values[i] = rstack.ArgValue{Bytes: buf[:spec.Size]}
		}
		reg++
	}
	if !rstack.PackArgs(td.Stack.EntryArgBuf(idx), tr.Args, values, trigger.ArgDirectionEntry) {
		ftlog.Debug("hook: argument payload overflow, dropping payload only", "child", e.ChildIP)
		e.Flags &^= rstack.FlagArgument
		return
	}
	e.Flags |= rstack.FlagArgument
}

// packRetval packs the raw return value into this frame's retval argbuf
// slot according to its trigger's Retval spec. retval is the callee's
// single machine-word return value; multi-word/struct returns are out of
// scope for this runtime (§1 — only a single register is hijacked).
func packRetval(td *ThreadData, e *rstack.RStackEntry, retval uint64) {
	idx := td.Stack.Depth() - 1
	tr := e.Trigger
	if tr == nil {
		return
	}
	values := make([]rstack.ArgValue, len(tr.Args))
	for i, spec := range tr.Args {
		if spec.Direction != trigger.ArgDirectionRetval {
			continue
		}
		buf := make([]byte, 8)
		for b := 0; b < 8 && b < int(spec.Size); b++ {
			buf[b] = byte(retval >> (8 * b))
		}
		values[i] = rstack.ArgValue{Bytes: buf[:spec.Size]}
	}
	if !rstack.PackArgs(td.Stack.RetvalArgBuf(idx), tr.Args, values, trigger.ArgDirectionRetval) {
		ftlog.Debug("hook: retval payload overflow, dropping payload only", "child", e.ChildIP)
		e.Flags &^= rstack.FlagRetval
	}
}

// readStringArg treats v as a NUL-terminated C string pointer. Reading
// traced-process memory through a raw pointer has no safe Go equivalent
// off this thread's own stack; a real arch-specific shim would read the
// bytes via the same process's memory directly (it's already mapped) and
// is exercised here only up to the point of producing an ArgValue — nil
// is never read through, a null pointer is reported as Null instead.
func readStringArg(ptr uint64) rstack.ArgValue {
	if ptr == 0 {
		return rstack.ArgValue{IsString: true, Null: true}
	}
	return rstack.ArgValue{IsString: true, Bytes: cString(uintptr(ptr))}
}

// maxCStringArg bounds a single captured argument string so a garbage or
// unterminated pointer can't turn one hook call into an unbounded scan.
const maxCStringArg = 4096

// cString scans forward from ptr for a NUL terminator. It is the
// direct-memory read a real entry hook performs against its own process's
// already-mapped address space (the traced program and the tracer share
// one address space by construction — this runtime is preloaded into it).
func cString(ptr uintptr) []byte {
	var out []byte
	for i := 0; i < maxCStringArg; i++ {
		b := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return out
}
