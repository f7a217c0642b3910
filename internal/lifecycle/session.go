package lifecycle

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ftraced/internal/clock"
	"github.com/ehrlich-b/ftraced/internal/ctlpipe"
	"github.com/ehrlich-b/ftraced/internal/ftlog"
	"github.com/ehrlich-b/ftraced/internal/trigger"
)

// Session is the process-wide state created once at process init and
// destroyed at process fini. It plays the role go-ublk's Device plays for
// a device's lifetime: a single long-lived handle other packages read
// through, with exactly two fields anyone writes after init
// (GlobalEnabled, MCountFinished), both plain atomics so hot-path readers
// never need a lock.
type Session struct {
	SessionID     string
	ExePath       string
	PID           uint32
	Pipe          *ctlpipe.Pipe
	BufferSize    int
	MaxBuf        int
	MaxStackDepth int
	ThresholdNS   uint64
	FilterMode    trigger.FilterMode
	DefaultDepth  int
	Triggers      *trigger.Table
	OutDir        string

	GlobalEnabled  atomic.Bool
	MCountFinished atomic.Bool
}

// sidBytes decodes the hex SessionID into the 16-byte form the Session
// control message payload carries (128 bits, per §3, even though only 64
// bits of entropy were actually drawn — the wire format reserves the
// other half for a future collision-widening change without breaking the
// frame shape).
func (s *Session) sidBytes() [16]byte {
	var out [16]byte
	raw, err := hex.DecodeString(s.SessionID)
	if err == nil {
		copy(out[:], raw)
	}
	return out
}

// Init performs process-wide init: builds the control pipe, derives the
// session id, sends the Session control message, and snapshots
// /proc/self/maps. cfg.PipeFD, if set, must name an already-open FIFO;
// Init checks that with Fstat+S_IFIFO and, when the check fails, logs a
// warning and runs with control messages disabled, the same as when
// FTRACE_PIPE_FD is unset. Recording continues either way.
func Init(cfg *Config, triggers *trigger.Table, exePath string) (*Session, error) {
	pipeFD := -1
	if cfg.PipeFD >= 0 {
		var st unix.Stat_t
		if err := unix.Fstat(cfg.PipeFD, &st); err != nil {
			ftlog.Warn("lifecycle: ignoring unusable pipe fd, control messages disabled", "fd", cfg.PipeFD, "err", err)
		} else if st.Mode&unix.S_IFMT != unix.S_IFIFO {
			ftlog.Warn("lifecycle: ignoring pipe fd that is not a FIFO, control messages disabled", "fd", cfg.PipeFD)
		} else {
			pipeFD = cfg.PipeFD
		}
	}

	sid, err := clock.SessionID()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: session id: %w", err)
	}

	s := &Session{
		SessionID:     sid,
		ExePath:       exePath,
		PID:           clock.PID(),
		Pipe:          ctlpipe.New(pipeFD),
		BufferSize:    cfg.BufferSize,
		MaxBuf:        8,
		MaxStackDepth: cfg.MaxStackDepth,
		ThresholdNS:   cfg.ThresholdNS,
		FilterMode:    cfg.FilterMode(),
		DefaultDepth:  cfg.DefaultDepth,
		Triggers:      triggers,
		OutDir:        cfg.OutDir,
	}
	s.GlobalEnabled.Store(!cfg.Disabled)

	payload := ctlpipe.SessionPayload(clock.NowNS(), s.PID, uint32(clock.TID()), s.sidBytes(), exePath)
	if err := s.Pipe.Send(ctlpipe.MsgSession, payload); err != nil {
		return nil, fmt.Errorf("lifecycle: send session message: %w", err)
	}

	if err := s.writeMapsSnapshot(); err != nil {
		ftlog.Warn("lifecycle: failed to snapshot /proc/self/maps", "err", err)
	}

	return s, nil
}

// writeMapsSnapshot copies /proc/self/maps verbatim to
// <OutDir>/sid-<SessionID>.map, the reference a collaborator symbolizer
// uses to resolve addresses back to load-relative offsets after the fact.
func (s *Session) writeMapsSnapshot() error {
	src, err := os.Open("/proc/self/maps")
	if err != nil {
		return err
	}
	defer src.Close()

	dstPath := filepath.Join(s.OutDir, fmt.Sprintf("sid-%s.map", s.SessionID))
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// Abort is the universal fatal-error escalation path: every Configuration,
// Resource, Protocol, and stack-Overflow error in the runtime funnels
// here. It logs a diagnostic and exits with a distinct, recognizable code
// so a host harness can tell "the tracer aborted" apart from "the traced
// program itself exited non-zero".
const AbortExitCode = 97

func Abort(op string, err error) {
	ftlog.Error("ftraced: fatal error, aborting", "op", op, "err", err)
	os.Exit(AbortExitCode)
}

// Shutdown performs process fini: sends no further control messages of
// its own (callers drain per-thread rings first) beyond closing the pipe,
// and marks MCountFinished so any hook invocation that races the
// destructor becomes a no-op.
func (s *Session) Shutdown() {
	s.MCountFinished.Store(true)
	if err := s.Pipe.Close(); err != nil {
		ftlog.Warn("lifecycle: error closing control pipe at shutdown", "err", err)
	}
}
