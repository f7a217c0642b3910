// Package shmring implements the shared-memory ring buffer the tracer
// streams entry/exit/lost records through to the external recorder. It
// plays the role go-ublk's internal/queue mmap'd descriptor/I/O buffers
// play for that project: a region mapped with MAP_SHARED so a second
// process can observe it without a syscall round trip, managed with the
// same raw-mmap discipline go-ublk's runner.go uses for its queue buffers.
package shmring

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ftraced/internal/ctlpipe"
)

// allocError distinguishes "could not allocate a segment" (§4.8: degrade,
// drop events, recover on next rotation) from a control-pipe failure
// (fatal per §4.2) so rotateLocked can tell the two apart without string
// matching.
type allocError struct{ err error }

func (e *allocError) Error() string { return e.err.Error() }
func (e *allocError) Unwrap() error { return e.err }

// Buffer flag states. Only New->Recording and Recording->Written
// transitions occur; a Written segment is never flipped back to
// Recording in place; it's either unmapped by shrinkLocked or left
// alone until the ring hits maxBuf and starts dropping. The consumer
// never writes the flag, it only reads it to decide when to drain.
const (
	FlagNew       uint32 = 0
	FlagRecording uint32 = 1
	FlagWritten   uint32 = 2
)

// HeaderSize is the fixed 8-byte header at the start of every segment:
// a 4-byte flag followed by a 4-byte byte-count of valid data after the
// header.
const HeaderSize = 8

// MinBufferSize is the smallest segment size accepted; anything smaller
// could never hold a single Record plus its header.
const MinBufferSize = HeaderSize + RecordSize

// Buffer is one mapped shared-memory segment.
type Buffer struct {
	name string
	fd   int
	mem  []byte
}

func (b *Buffer) flag() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b.mem[0])))
}

func (b *Buffer) setFlag(v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b.mem[0])), v)
}

func (b *Buffer) casFlag(old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(&b.mem[0])), old, new)
}

func (b *Buffer) size() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b.mem[4])))
}

func (b *Buffer) setSize(v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b.mem[4])), v)
}

func (b *Buffer) capacity() int {
	return len(b.mem) - HeaderSize
}

func (b *Buffer) data() []byte {
	return b.mem[HeaderSize:]
}

// Name returns the POSIX shared-memory object name of this segment, e.g.
// "/ftrace-0123456789abcdef-4821-000".
func (b *Buffer) Name() string {
	return b.name
}

func shmPath(name string) string {
	return "/dev/shm/" + name[1:]
}

// allocBuffer creates and maps a new named POSIX shared-memory segment of
// the requested size. This mirrors shm_open+ftruncate+mmap(MAP_SHARED); Go
// has no shm_open wrapper, but shm_open on Linux is itself just open(2) on
// /dev/shm, which is what glibc does under the hood, so we do the same.
func allocBuffer(name string, size int) (*Buffer, error) {
	fd, err := unix.Open(shmPath(name), unix.O_CREAT|unix.O_RDWR|unix.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmring: open %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: ftruncate %s: %w", name, err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: mmap %s: %w", name, err)
	}
	return &Buffer{name: name, fd: fd, mem: mem}, nil
}

func (b *Buffer) unmap() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	unix.Close(b.fd)
	return err
}

// Ring manages the sequence of shared-memory segments backing one traced
// thread's event stream. Exactly one Ring exists per ThreadData.
type Ring struct {
	sid     string
	tid     uint64
	bufSize int
	maxBuf  int
	pipe    *ctlpipe.Pipe

	mu      sync.Mutex
	buffers []*Buffer
	curr    int // index into buffers, -1 means "dropping, no writable segment"
	nextSeq uint32
	losts   uint32
}

// New constructs a Ring for the given session/thread, not yet backed by any
// segment; call Prepare before the first Append.
func New(sid string, tid uint64, bufSize, maxBuf int, pipe *ctlpipe.Pipe) *Ring {
	if bufSize < MinBufferSize {
		bufSize = MinBufferSize
	}
	if maxBuf < 1 {
		maxBuf = 1
	}
	return &Ring{sid: sid, tid: tid, bufSize: bufSize, maxBuf: maxBuf, pipe: pipe, curr: -1}
}

func (r *Ring) segmentName(seq uint32) string {
	return fmt.Sprintf("/ftrace-%s-%d-%03d", r.sid, r.tid, seq)
}

// Prepare allocates the first segment, marks it Recording, and announces
// it to the recorder; it then best-effort allocates a second, idle spare
// so the first rotation has somewhere to go without waiting on a fresh
// mmap. Mirrors §4.3: "pre-allocates two segments, names them with
// indices 0 and 1, marks segment 0 as RECORDING".
func (r *Ring) Prepare() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.growLocked(); err != nil {
		return err
	}
	// The spare is pure cushion: if it fails to allocate, the first
	// rotation just falls back to growing instead of finding it idle.
	_ = r.allocSpareLocked()
	return nil
}

// growLocked allocates a brand-new segment, marks it Recording, makes it
// current, and announces it over the control pipe.
func (r *Ring) growLocked() error {
	name := r.segmentName(r.nextSeq)
	r.nextSeq++
	buf, err := allocBuffer(name, r.bufSize)
	if err != nil {
		return &allocError{err}
	}
	buf.setFlag(FlagRecording)
	r.buffers = append(r.buffers, buf)
	r.curr = len(r.buffers) - 1
	return r.pipe.Send(ctlpipe.MsgRecStart, ctlpipe.RecStartPayload(name))
}

// allocSpareLocked maps a segment and appends it to the ring without
// touching its flag (it stays FlagNew, the zero value a fresh mmap
// already has) or r.curr. A New segment is the only kind rotateLocked
// will pick up off the shelf instead of growing.
func (r *Ring) allocSpareLocked() error {
	name := r.segmentName(r.nextSeq)
	r.nextSeq++
	buf, err := allocBuffer(name, r.bufSize)
	if err != nil {
		return &allocError{err}
	}
	r.buffers = append(r.buffers, buf)
	return nil
}

// trailingWrittenRun counts how many buffers, walking backward from the
// end of r.buffers, are consecutively in FlagWritten state. shrinkLocked
// uses this to decide when the consumer has fallen far enough behind (or
// was never attached) that reclaiming memory outweighs the risk of
// unmapping a segment it hasn't drained yet.
func (r *Ring) trailingWrittenRun() int {
	n := 0
	for i := len(r.buffers) - 1; i >= 0; i-- {
		if r.buffers[i].flag() != FlagWritten {
			break
		}
		n++
	}
	return n
}

// shrinkLocked unmaps the highest-index buffer once at least three
// trailing segments are sitting Written. A segment that's been Written
// three rotations running is assumed drained; this is the only path that
// ever frees shared memory back to the OS, since a Written segment's flag
// alone can't tell a producer whether the consumer has actually read it.
func (r *Ring) shrinkLocked() {
	if r.trailingWrittenRun() < 3 {
		return
	}
	last := len(r.buffers) - 1
	_ = r.buffers[last].unmap()
	r.buffers = r.buffers[:last]
}

// scanReusableLocked returns the index of the lowest-index segment that
// has never been written to (FlagNew), or -1 if none exists. Only New
// segments are safe to hand straight back to the producer: a Written
// segment might still be mid-drain by the recorder, and this package has
// no ack channel to know either way (§4.3's shrink step is the only
// mechanism that reclaims those).
func (r *Ring) scanReusableLocked() int {
	for i, b := range r.buffers {
		if b.flag() == FlagNew {
			return i
		}
	}
	return -1
}

// Rotate finalizes the current segment (Recording->Written) and selects or
// allocates the next one to write into.
func (r *Ring) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked()
}

func (r *Ring) rotateLocked() error {
	if r.curr >= 0 {
		cur := r.buffers[r.curr]
		if cur.casFlag(FlagRecording, FlagWritten) {
			if err := r.pipe.Send(ctlpipe.MsgRecEnd, ctlpipe.RecEndPayload(cur.Name())); err != nil {
				return err
			}
		}
	}

	if reuse := r.scanReusableLocked(); reuse >= 0 {
		buf := r.buffers[reuse]
		buf.setSize(0)
		buf.setFlag(FlagRecording)
		r.curr = reuse
		r.shrinkLocked()
		if err := r.pipe.Send(ctlpipe.MsgRecStart, ctlpipe.RecStartPayload(buf.Name())); err != nil {
			return err
		}
		return r.writeLostLocked()
	}

	if len(r.buffers) >= r.maxBuf {
		// Resource ceiling reached with nothing idle to reuse; degrade to
		// dropping rather than grow without bound.
		r.curr = -1
		return nil
	}

	if err := r.growLocked(); err != nil {
		var ae *allocError
		if errors.As(err, &ae) {
			// Resource failure: drop events rather than propagate, per
			// §4.8. The next successful rotation will pick up a
			// writable segment and recover.
			r.curr = -1
			return nil
		}
		return err
	}
	r.shrinkLocked()
	return r.writeLostLocked()
}

// writeLostLocked folds any accumulated drop count into a single LOST
// record at the head of the now-current segment and announces it over
// the control pipe, per §4.3 step 6. Called only once rotateLocked has a
// writable r.curr; a no-op when nothing has been dropped.
func (r *Ring) writeLostLocked() error {
	if r.losts == 0 || r.curr < 0 {
		return nil
	}
	n := r.losts
	r.losts = 0

	buf := r.buffers[r.curr]
	rec := Record{Type: TypeLost, Addr: uint64(n)}
	rec.Encode(buf.data()[:RecordSize])
	buf.setSize(RecordSize)

	return r.pipe.Send(ctlpipe.MsgLost, ctlpipe.LostPayload(n))
}

// Append writes one record, with an optional argument/retval payload, into
// the ring. If no segment has room it rotates; if rotation still leaves no
// writable segment with room for the record it counts the record as lost
// and returns nil (the next successful rotation reports the count as an
// in-band LOST record; FlushLost sends any remainder at teardown).
func (r *Ring) Append(rec Record, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := RecordSize
	if len(payload) > 0 {
		rec.Flags |= FlagMore
		total += align8(len(payload))
	}

	if r.curr < 0 || r.remainingLocked() < total {
		if err := r.rotateLocked(); err != nil {
			return err
		}
	}

	if r.curr < 0 || r.remainingLocked() < total {
		r.losts++
		return nil
	}

	buf := r.buffers[r.curr]
	off := int(buf.size())
	rec.Encode(buf.data()[off : off+RecordSize])
	if len(payload) > 0 {
		copy(buf.data()[off+RecordSize:off+RecordSize+len(payload)], payload)
	}
	buf.setSize(uint32(off + total))
	return nil
}

func (r *Ring) remainingLocked() int {
	if r.curr < 0 {
		return 0
	}
	buf := r.buffers[r.curr]
	return buf.capacity() - int(buf.size())
}

// FlushLost sends any drop count accumulated since the last rotation as an
// out-of-band control message. Every successful rotation already folds
// losts into an in-band LOST record via writeLostLocked; FlushLost exists
// for the residual case where drops happened but no further rotation will
// ever occur to host one in-band, notably thread teardown.
func (r *Ring) FlushLost() error {
	r.mu.Lock()
	n := r.losts
	r.losts = 0
	r.mu.Unlock()

	if n == 0 {
		return nil
	}
	return r.pipe.Send(ctlpipe.MsgLost, ctlpipe.LostPayload(n))
}

// Close finalizes the current segment and unmaps every segment this ring
// ever allocated. Unlinking the named segments themselves is the
// recorder's responsibility once it has drained them.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.curr >= 0 {
		cur := r.buffers[r.curr]
		if cur.casFlag(FlagRecording, FlagWritten) {
			_ = r.pipe.Send(ctlpipe.MsgRecEnd, ctlpipe.RecEndPayload(cur.Name()))
		}
		r.curr = -1
	}

	var firstErr error
	for _, b := range r.buffers {
		if err := b.unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
