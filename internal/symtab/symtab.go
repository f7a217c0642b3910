// Package symtab defines the narrow interface the tracer needs from a
// symbol table: resolving an address to a human name for diagnostics.
// Loading symbols from an ELF/DWARF image and parsing filter/trigger
// expression text are both out of scope for this runtime; a real binary
// would wire a concrete Resolver in from a separate collaborator package.
// No other package in this module imports symtab.
package symtab

// Resolver maps an instrumented address to a display name. Resolution is
// advisory only: nothing in the hot path depends on ok being true.
type Resolver interface {
	Resolve(addr uintptr) (name string, ok bool)
}

// Static is a Resolver backed by a pre-built address->name map, suitable
// for tests and for callers that already loaded symbols through some other
// means (e.g. reading an ELF symbol table at process start).
type Static map[uintptr]string

func (s Static) Resolve(addr uintptr) (string, bool) {
	name, ok := s[addr]
	return name, ok
}

// Nil is a Resolver that never resolves anything, used when no symbol
// table was supplied.
var Nil Resolver = nilResolver{}

type nilResolver struct{}

func (nilResolver) Resolve(uintptr) (string, bool) { return "", false }
