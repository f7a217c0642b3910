package rstack

import (
	"encoding/binary"

	"github.com/ehrlich-b/ftraced/internal/trigger"
)

// ArgValue is one captured value, already read out of registers or a
// string pointer by the dispatcher; rstack only knows how to pack bytes,
// not how to read the machine state that produced them.
type ArgValue struct {
	Bytes    []byte // fixed-size raw value, or string content excluding NUL
	IsString bool
	Null     bool // string pointer was nil; Bytes is ignored
}

// nullSentinel is the 4-byte fill pattern used in place of string content
// when the source pointer was null.
var nullSentinel = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}

// PackArgs packs values matching dir, in specs declaration order, into
// dst[4:] and writes the total packed length into dst[0:4] as the argbuf
// slot's leading length prefix. It returns false if the packed payload
// would not fit in dst, in which case dst's length prefix is left at zero
// and the caller must emit the record without the Argument/Retval flag.
func PackArgs(dst []byte, specs []trigger.ArgSpec, values []ArgValue, dir trigger.ArgDirection) bool {
	if len(dst) < 4 {
		return false
	}
	binary.LittleEndian.PutUint32(dst[0:4], 0)
	content := dst[4:]
	off := 0

	for i, spec := range specs {
		if spec.Direction != dir {
			continue
		}
		if i >= len(values) {
			break
		}
		v := values[i]

		var need int
		if spec.IsString {
			if v.Null {
				need = align4(2 + 4)
			} else {
				need = align4(2 + len(v.Bytes) + 1)
			}
		} else {
			need = align4(int(spec.Size))
		}

		if off+need > len(content) {
			binary.LittleEndian.PutUint32(dst[0:4], 0)
			return false
		}

		if spec.IsString {
			if v.Null {
				binary.LittleEndian.PutUint16(content[off:off+2], 4)
				copy(content[off+2:off+6], nullSentinel[:])
			} else {
				binary.LittleEndian.PutUint16(content[off:off+2], uint16(len(v.Bytes)))
				copy(content[off+2:off+2+len(v.Bytes)], v.Bytes)
				content[off+2+len(v.Bytes)] = 0
			}
		} else {
			n := copy(content[off:off+int(spec.Size)], v.Bytes)
			for ; n < int(spec.Size); n++ {
				content[off+n] = 0
			}
		}

		off += need
	}

	binary.LittleEndian.PutUint32(dst[0:4], uint32(off))
	return true
}

func align4(n int) int {
	return (n + 3) &^ 3
}
