package ftraced

// DefaultArgBufSize is the per-stack-slot scratch buffer size used to
// stage packed argument/retval bytes between EntryRecord/ExitRecord and
// the deferred encoder, mirroring go-ublk's internal/constants pattern of
// a single file of tuned defaults for the bits that control hot-path
// array sizing.
const DefaultArgBufSize = 256

// InvalidDynIdx is the sentinel RStackEntry.DynIdx value meaning "this
// call site has no associated PLT index" — the common case, since PLT
// hooking is a collaborator out of scope for this runtime (§1).
const InvalidDynIdx = -1

// ReturnTrampoline is the sentinel value OnEntry hands back in place of a
// real hijacked return address. A host integration with a codegen-based
// instrumentation pass (out of scope here; see SPEC_FULL §9) is expected
// to treat a non-zero trampoline value as "install your own return-address
// rewrite and call OnExit when it fires".
const ReturnTrampoline uintptr = ^uintptr(0)
