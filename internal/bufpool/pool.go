// Package bufpool provides pooled byte slices for small scratch buffers;
// its one user is ctlpipe.Send, which takes each frame header from it
// (message payloads are allocated separately). Adapted
// from go-ublk's internal/queue buffer pool, which pools the much larger
// per-tag I/O overflow buffers; here the buckets are sized for control
// messages rather than disk blocks.
package bufpool

import "sync"

const (
	size256  = 256
	size1k   = 1024
	size4k   = 4096
)

var global = struct {
	pool256 sync.Pool
	pool1k  sync.Pool
	pool4k  sync.Pool
}{
	pool256: sync.Pool{New: func() any { b := make([]byte, size256); return &b }},
	pool1k:  sync.Pool{New: func() any { b := make([]byte, size1k); return &b }},
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
}

// Get returns a pooled buffer of at least the requested size. Callers
// needing more than size4k get a plain, unpooled allocation; control
// messages are never that large in practice.
func Get(size int) []byte {
	switch {
	case size <= size256:
		return (*global.pool256.Get().(*[]byte))[:size]
	case size <= size1k:
		return (*global.pool1k.Get().(*[]byte))[:size]
	case size <= size4k:
		return (*global.pool4k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns a buffer obtained from Get back to its pool.
func Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size256:
		global.pool256.Put(&buf)
	case size1k:
		global.pool1k.Put(&buf)
	case size4k:
		global.pool4k.Put(&buf)
	}
}
