package ftraced

import "fmt"

// BeforeFork announces an impending fork to the recorder. Call this
// immediately before whatever fork/exec primitive the host actually uses;
// Go exposes no pthread_atfork hook for the runtime to install itself
// (SPEC_FULL §9).
func BeforeFork() error {
	s := active.Load()
	if s == nil {
		return fmt.Errorf("ftraced: BeforeFork called before Bootstrap")
	}
	return s.BeforeFork()
}

// AfterForkParent resumes the parent's tracing state unchanged; its
// in-flight shmem buffers and pipe fd are untouched by the child.
func AfterForkParent() {
	s := active.Load()
	if s == nil {
		return
	}
	s.AfterForkParent()
}

// AfterForkChild re-bootstraps tracing in the child process: it discards
// every ThreadData the parent had (the child inherited their mappings via
// fork(2), but must not write through them — §5 requires the child's
// state be entirely self-contained) and installs a fresh Session sharing
// the parent's session id, trigger table, and tuning, with a new pid.
// Callers must invoke this as close to the fork return as possible, before
// any instrumented function runs on the calling thread.
func AfterForkChild(parentPID uint32) error {
	s := active.Load()
	if s == nil {
		return fmt.Errorf("ftraced: AfterForkChild called before Bootstrap")
	}

	child, err := s.ChildSession(parentPID)
	if err != nil {
		return err
	}

	threads.Range(func(key, _ any) bool {
		threads.Delete(key)
		return true
	})

	active.Store(child)
	return nil
}

// Shutdown performs process fini: drains every thread's ring (sending
// RecEnd for anything still Recording), clears the thread registry, closes
// the control pipe, and marks the session finished so any hook call that
// races the destructor becomes a no-op.
func Shutdown() {
	s := active.Load()
	if s == nil {
		return
	}

	threads.Range(func(key, v any) bool {
		td := v.(*ThreadData)
		_ = td.Shmem.FlushLost()
		_ = td.Shmem.Close()
		threads.Delete(key)
		return true
	})

	s.Shutdown()
}
