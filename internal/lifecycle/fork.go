package lifecycle

import (
	"github.com/ehrlich-b/ftraced/internal/clock"
	"github.com/ehrlich-b/ftraced/internal/ctlpipe"
)

// BeforeFork sends ForkStart, announcing the parent's pid/tid to the
// recorder immediately before the host performs its own fork. Go offers no
// pthread_atfork equivalent (see SPEC_FULL §9), so this is called
// explicitly by whatever collaborator wraps the actual fork/exec, not by a
// runtime-installed hook.
func (s *Session) BeforeFork() error {
	payload := ctlpipe.ForkStartPayload(clock.NowNS(), s.PID, uint32(clock.TID()))
	return s.Pipe.Send(ctlpipe.MsgForkStart, payload)
}

// AfterForkParent is a no-op placeholder kept for symmetry with
// AfterForkChild and to give callers one consistent three-call shape
// around a fork, even though the parent's session state needs no fixup:
// its in-flight shmem buffers and pipe fd are untouched by the child.
func (s *Session) AfterForkParent() {}

// ChildSession derives a fresh, self-contained Session for use after a
// fork, in the child process: new pid, same session id (the recorder
// correlates parent/child by session id plus the ForkStart/ForkEnd
// messages), a fresh MaxBuf/BufferSize/trigger configuration copied from
// the parent, GlobalEnabled carried over from the parent, and a cleared
// MCountFinished so the child's hooks keep running. It sends ForkEnd itself.
// The caller (root package's fork wrapper) is responsible for discarding
// any inherited per-thread rings and allocating fresh ones — this package
// has no access to the thread registry, which is owned by the dispatcher.
func (s *Session) ChildSession(parentPID uint32) (*Session, error) {
	child := &Session{
		SessionID:     s.SessionID,
		ExePath:       s.ExePath,
		PID:           clock.PID(),
		Pipe:          s.Pipe,
		BufferSize:    s.BufferSize,
		MaxBuf:        s.MaxBuf,
		MaxStackDepth: s.MaxStackDepth,
		ThresholdNS:   s.ThresholdNS,
		FilterMode:    s.FilterMode,
		DefaultDepth:  s.DefaultDepth,
		Triggers:      s.Triggers,
		OutDir:        s.OutDir,
	}
	child.GlobalEnabled.Store(s.GlobalEnabled.Load())

	payload := ctlpipe.ForkEndPayload(clock.NowNS(), parentPID, uint32(clock.TID()))
	if err := child.Pipe.Send(ctlpipe.MsgForkEnd, payload); err != nil {
		return nil, err
	}
	return child, nil
}
