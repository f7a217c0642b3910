// Package ctlpipe implements the framed control-message side channel the
// tracer uses to talk to the external recorder process. The wire format and
// the "short write is fatal" discipline mirror the manual little-endian
// marshaling go-ublk's internal/uapi used for UBLK_CMD control commands,
// adapted from a kernel ioctl payload to a pipe-framed message.
package ctlpipe

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ftraced/internal/bufpool"
)

// Magic identifies the start of a frame so a recorder that attaches mid
// stream, or loses sync after a short read, can resynchronize.
const Magic uint32 = 0xF700F700

// HeaderSize is the fixed-size frame header: magic(4) + type(4) + len(4).
const HeaderSize = 12

// MsgType enumerates control messages sent over the pipe.
type MsgType uint32

const (
	MsgSession   MsgType = iota + 1 // once per process: session id, pid, exe path
	MsgTID                         // once per traced thread
	MsgForkStart                   // parent is about to fork
	MsgForkEnd                     // fork completed, in the child
	MsgRecStart                    // a shared-memory segment became Recording
	MsgRecEnd                      // a shared-memory segment became Written
	MsgLost                        // N records were dropped for lack of buffer space
)

// Pipe is a thin wrapper over a pre-opened, pre-validated FIFO write end.
// Fd -1 means control messaging is disabled (FTRACE_PIPE_FD unset); Send
// becomes a no-op so callers never need to branch on whether a recorder is
// attached.
type Pipe struct {
	fd int
}

// New wraps an already-open, already-validated pipe file descriptor. Pass -1
// to construct a disabled Pipe.
func New(fd int) *Pipe {
	return &Pipe{fd: fd}
}

// Enabled reports whether this Pipe actually writes anywhere.
func (p *Pipe) Enabled() bool {
	return p != nil && p.fd >= 0
}

// Send writes one framed message atomically via a single writev(2) call
// gathering the header and payload, matching the one-syscall-per-message
// discipline the spec requires so partial frames can never interleave with
// another thread's message. A short write is treated as fatal and the error
// is returned for the caller to escalate to process abort; there is no
// partial-frame recovery.
func (p *Pipe) Send(typ MsgType, payload []byte) error {
	if !p.Enabled() {
		return nil
	}

	hdr := bufpool.Get(HeaderSize)
	defer bufpool.Put(hdr)
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(typ))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))

	iov := [][]byte{hdr}
	if len(payload) > 0 {
		iov = append(iov, payload)
	}
	want := HeaderSize + len(payload)

	n, err := unix.Writev(p.fd, iov)
	if err != nil {
		return fmt.Errorf("ctlpipe: writev failed: %w", err)
	}
	if n != want {
		return fmt.Errorf("ctlpipe: short write, wrote %d of %d bytes", n, want)
	}
	return nil
}

// Close releases the underlying descriptor, if any.
func (p *Pipe) Close() error {
	if !p.Enabled() {
		return nil
	}
	fd := p.fd
	p.fd = -1
	return unix.Close(fd)
}
