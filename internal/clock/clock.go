// Package clock provides the timestamp, session identity, and thread
// identity primitives shared by every other package in the tracer. It
// exists so no other package reaches for time.Now or gettid directly,
// the way go-ublk centralizes device timing in internal/constants.
package clock

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var start = monotonicBase()

func monotonicBase() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is always present on Linux; treat failure as
		// a platform assumption violation rather than a recoverable error.
		panic(fmt.Sprintf("clock: CLOCK_MONOTONIC unavailable: %v", err))
	}
	return ts.Nano()
}

// NowNS returns a monotonic timestamp in nanoseconds suitable for Record.Time.
// It is not wall-clock time and is only meaningful relative to other values
// returned by NowNS within the same process.
func NowNS() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano() - start)
}

var (
	sessionOnce sync.Once
	sessionVal  string
	sessionErr  error
)

// SessionID lazily derives a per-process session identifier on first call
// and caches it. It is 16 hex characters wide to match the shared-memory
// segment naming scheme (/ftrace-<sid>-<tid>-<seq>).
func SessionID() (string, error) {
	sessionOnce.Do(func() {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			sessionErr = fmt.Errorf("clock: session entropy read failed: %w", err)
			return
		}
		sessionVal = hex.EncodeToString(buf)
	})
	return sessionVal, sessionErr
}

// TID returns the kernel thread id of the calling OS thread. Callers that
// need a stable value across the lifetime of a goroutine must first pin it
// with runtime.LockOSThread.
func TID() uint64 {
	return uint64(unix.Gettid())
}

// PID returns the process id of the calling process. It is read on every
// call rather than cached, so a forked child sees its own pid.
func PID() uint32 {
	return uint32(unix.Getpid())
}
