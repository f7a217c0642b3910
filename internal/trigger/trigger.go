// Package trigger implements the filter/trigger decision engine: given a
// call address and the calling thread's current filter state, it decides
// whether the call should be recorded, and what special handling (argument
// capture, trace on/off, depth override, recover) applies. Building and
// parsing the trigger expressions themselves is out of scope here; this
// package only consumes an already-built, address-sorted table, the way
// go-ublk's internal/ctrl consumes already-validated DeviceParams rather
// than parsing a config file itself.
package trigger

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// FilterMode is the trigger table's overall filter disposition.
type FilterMode int

const (
	FilterModeNone FilterMode = iota
	FilterModeInclude
	FilterModeExclude
)

// Flag is a bitset of the special behaviors a Trigger can request.
type Flag uint16

const (
	FlagFilter   Flag = 1 << iota // this trigger participates in include/exclude counting
	FlagDepth                     // Depth carries a numeric override
	FlagTraceOn                   // flips Session.GlobalEnabled true
	FlagTraceOff                  // flips Session.GlobalEnabled false
	FlagArgument                  // Args describes entry-side values to capture
	FlagRetval                    // Args describes exit-side values to capture
	FlagTrace                     // force-record this subtree regardless of threshold
	FlagRecover                   // restore the original return address for this call
)

// ArgDirection distinguishes entry-time argument capture from exit-time
// return-value capture; both use the same ArgSpec shape.
type ArgDirection int

const (
	ArgDirectionEntry ArgDirection = iota
	ArgDirectionRetval
)

// ArgSpec describes one value to capture, in declaration order.
type ArgSpec struct {
	Direction ArgDirection
	Size      uint32 // byte width for fixed-size values; ignored for strings
	IsString  bool
}

// Trigger is one entry in the address-keyed trigger table.
type Trigger struct {
	Addr   uintptr
	Flags  Flag
	Mode   FilterMode // meaningful only when Flags&FlagFilter != 0
	Depth  int        // meaningful only when Flags&FlagDepth != 0
	Args   []ArgSpec
}

// Table is a sorted, binary-searched address -> Trigger map, mirroring
// go-ublk's preference for a small sorted slice over a tree structure for
// tables that are built once and read often.
type Table struct {
	entries []Trigger
}

// NewTable sorts a copy of entries by address and returns a Table. The
// caller (a symbol-loading/parsing collaborator, out of scope here) is
// responsible for producing well-formed entries.
func NewTable(entries []Trigger) *Table {
	cp := make([]Trigger, len(entries))
	copy(cp, entries)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Addr < cp[j].Addr })
	return &Table{entries: cp}
}

// Lookup finds the Trigger registered for addr, if any.
func (t *Table) Lookup(addr uintptr) (*Trigger, bool) {
	if t == nil {
		return nil, false
	}
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Addr >= addr })
	if i < len(t.entries) && t.entries[i].Addr == addr {
		return &t.entries[i], true
	}
	return nil, false
}

// FilterState is the per-thread nested-filter bookkeeping the engine reads
// and mutates across a call tree.
type FilterState struct {
	Depth      int // remaining allowed depth under an active Depth override
	InCount    int // nested include-filter matches currently open
	OutCount   int // nested exclude-filter matches currently open
	SavedDepth int // scratch, set by EntryCheck for the matching exit to restore
}

// Result is EntryCheck's verdict for one call.
type Result int

const (
	FilterIn Result = iota
	FilterOut
)

// ErrStackOverflow is the error the dispatcher hands to the lifecycle abort
// path when idx has reached maxStackDepth. EntryCheck itself reports that
// case as FilterOut; it never returns this error.
var ErrStackOverflow = fmt.Errorf("trigger: call stack exceeds configured max depth")

// EntryCheck implements the five-state decision in the spec: depth-limit
// check, nested filter counting, global enable gating, and depth-budget
// gating. It never modifies the table; besides fs, which the caller owns
// per-thread, the only state it writes is globalEnabled, when a matched
// trigger carries TraceOn or TraceOff.
func EntryCheck(fs *FilterState, idx, maxStackDepth, defaultDepth int, mode FilterMode, globalEnabled *atomic.Bool, table *Table, child uintptr) (Result, *Trigger) {
	if idx >= maxStackDepth {
		return FilterOut, nil
	}

	fs.SavedDepth = fs.Depth

	if fs.OutCount > 0 {
		return FilterOut, nil
	}

	tr, ok := table.Lookup(child)
	if ok && tr.Flags&FlagFilter != 0 {
		switch tr.Mode {
		case FilterModeInclude:
			fs.InCount++
		case FilterModeExclude:
			fs.OutCount++
		}
		fs.Depth = defaultDepth
	} else if mode == FilterModeInclude && fs.InCount == 0 {
		return FilterOut, nil
	}

	if ok {
		if tr.Flags&FlagDepth != 0 {
			fs.Depth = tr.Depth
		}
		if tr.Flags&FlagTraceOn != 0 {
			globalEnabled.Store(true)
		}
		if tr.Flags&FlagTraceOff != 0 {
			globalEnabled.Store(false)
		}
	}

	if !globalEnabled.Load() {
		return FilterIn, tr
	}

	if fs.Depth <= 0 {
		return FilterOut, tr
	}

	fs.Depth--
	return FilterIn, tr
}

// ExitCheck restores the filter-depth budget and nested counters a
// matching EntryCheck consumed. tr is the trigger EntryCheck matched for
// this same call, or nil. fs.Depth is restored from fs.SavedDepth, so when
// calls nest the caller first sets SavedDepth to the value saved on this
// call's own frame.
func ExitCheck(fs *FilterState, tr *Trigger) {
	fs.Depth = fs.SavedDepth
	if tr == nil || tr.Flags&FlagFilter == 0 {
		return
	}
	switch tr.Mode {
	case FilterModeInclude:
		if fs.InCount > 0 {
			fs.InCount--
		}
	case FilterModeExclude:
		if fs.OutCount > 0 {
			fs.OutCount--
		}
	}
}
