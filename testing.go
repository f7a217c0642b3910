package ftraced

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ftraced/internal/ctlpipe"
	"github.com/ehrlich-b/ftraced/internal/shmring"
	"github.com/ehrlich-b/ftraced/internal/trigger"
)

// FakePipe is an in-memory stand-in for the control pipe fd used in unit
// tests instead of a real FIFO, mirroring the role go-ublk's MockBackend
// plays for Backend: it wires a real os.Pipe() pair so ctlpipe's Writev
// discipline is exercised exactly as in production, while giving the test
// a plain io.Reader to decode frames off of.
type FakePipe struct {
	r *os.File
	w *os.File
}

// NewFakePipe creates a connected pipe pair.
func NewFakePipe() (*FakePipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ftraced: NewFakePipe: %w", err)
	}
	return &FakePipe{r: r, w: w}, nil
}

// WritePipe returns a ctlpipe.Pipe bound to the write end, suitable for
// handing to any package under test that expects a *ctlpipe.Pipe.
func (f *FakePipe) WritePipe() *ctlpipe.Pipe {
	return ctlpipe.New(int(f.w.Fd()))
}

// ReadMessage reads and decodes exactly one framed control message,
// blocking until a full frame (or EOF/error) is available.
func (f *FakePipe) ReadMessage() (ctlpipe.MsgType, []byte, error) {
	hdr := make([]byte, ctlpipe.HeaderSize)
	if _, err := io.ReadFull(f.r, hdr); err != nil {
		return 0, nil, err
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:4]); magic != ctlpipe.Magic {
		return 0, nil, fmt.Errorf("ftraced: FakePipe: bad magic %#x", magic)
	}
	typ := ctlpipe.MsgType(binary.LittleEndian.Uint32(hdr[4:8]))
	n := binary.LittleEndian.Uint32(hdr[8:12])
	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return 0, nil, err
		}
	}
	return typ, payload, nil
}

// Close releases both ends of the pipe.
func (f *FakePipe) Close() error {
	err1 := f.r.Close()
	err2 := f.w.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// MockRecorder stands in for the external recorder process in tests: it
// drains a named shmem segment directly, the way a real recorder would
// after observing a RecStart control message, and decodes its records.
// Argument/retval payload sizes aren't self-describing on the wire (per
// §4.3, the length prefix never leaves the producer's argbuf slot), so a
// MockRecorder needs the same trigger.Table the producer traced with to
// know how many bytes follow a More-flagged record, exactly as the real
// recorder would use its own compiled copy of the trigger expression.
type MockRecorder struct {
	Triggers *trigger.Table
}

// DecodedRecord pairs a decoded shmring.Record with its argument/retval
// payload bytes, if any.
type DecodedRecord struct {
	shmring.Record
	Payload []byte
}

// DrainSegment opens, reads, and decodes every record currently written
// to the named shmem segment. It does not alter the segment's flag or
// unlink it, and it releases its own read-only mapping before returning.
func (m *MockRecorder) DrainSegment(name string) ([]DecodedRecord, error) {
	path := "/dev/shm/" + name[1:]
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("ftraced: MockRecorder.DrainSegment: open %s: %w", name, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("ftraced: MockRecorder.DrainSegment: stat %s: %w", name, err)
	}

	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ftraced: MockRecorder.DrainSegment: mmap %s: %w", name, err)
	}
	defer unix.Munmap(mem)

	size := int(binary.LittleEndian.Uint32(mem[4:8]))
	data := mem[shmring.HeaderSize:]

	var out []DecodedRecord
	off := 0
	for off < size {
		rec := shmring.Decode(data[off : off+shmring.RecordSize])
		off += shmring.RecordSize

		var payload []byte
		if rec.Flags&shmring.FlagMore != 0 {
			dir := trigger.ArgDirectionEntry
			if rec.Type == shmring.TypeExit {
				dir = trigger.ArgDirectionRetval
			}
			n, consumed := m.decodePayload(data[off:], rec, dir)
			payload = n
			off += consumed
		}
		out = append(out, DecodedRecord{Record: rec, Payload: payload})
	}
	return out, nil
}

// decodePayload walks the argument specs registered for rec.Addr in the
// matching direction, returning the raw payload bytes (excluding padding)
// and the 8-byte-aligned number of bytes consumed from data.
func (m *MockRecorder) decodePayload(data []byte, rec shmring.Record, dir trigger.ArgDirection) ([]byte, int) {
	var specs []trigger.ArgSpec
	if m.Triggers != nil {
		if tr, ok := m.Triggers.Lookup(uintptr(rec.Addr)); ok {
			specs = tr.Args
		}
	}

	off := 0
	for _, spec := range specs {
		if spec.Direction != dir {
			continue
		}
		if spec.IsString {
			l := int(binary.LittleEndian.Uint16(data[off : off+2]))
			off += align4(2 + l + 1)
		} else {
			off += align4(int(spec.Size))
		}
	}
	return append([]byte(nil), data[:off]...), align8(off)
}

func align4(n int) int { return (n + 3) &^ 3 }
func align8(n int) int { return (n + 7) &^ 7 }
