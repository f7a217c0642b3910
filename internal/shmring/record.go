package shmring

import "encoding/binary"

// Record types.
const (
	TypeEntry uint16 = 0
	TypeExit  uint16 = 1
	TypeLost  uint16 = 2
)

// FlagMore marks that an argument or return-value payload immediately
// follows this record in the buffer, padded to 8-byte alignment.
const FlagMore uint8 = 0x01

// RecordSize is the fixed on-wire size of a Record, field-by-field encoded
// with binary.LittleEndian the way go-ublk's internal/uapi marshals
// UblksrvIOCmd: this struct crosses a process boundary via shared memory, so
// it gets the manual wire encoder rather than an unsafe struct cast.
const RecordSize = 20

// Record is one entry/exit/lost event as it appears in a shared-memory
// ring segment.
type Record struct {
	Time  uint64 // ENTRY: call start, EXIT: call end, LOST: 0
	Type  uint16 // TypeEntry, TypeExit, or TypeLost
	Flags uint8  // FlagMore plus reserved bits
	Depth uint8  // call depth, saturates at 255
	Addr  uint64 // child_ip, or drop count when Type == TypeLost
}

// Encode writes the record into buf[0:RecordSize]. buf must have at least
// RecordSize bytes.
func (r Record) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], r.Time)
	binary.LittleEndian.PutUint16(buf[8:10], r.Type)
	buf[10] = r.Flags
	buf[11] = r.Depth
	binary.LittleEndian.PutUint64(buf[12:20], r.Addr)
}

// Decode reads a Record out of buf[0:RecordSize].
func Decode(buf []byte) Record {
	return Record{
		Time:  binary.LittleEndian.Uint64(buf[0:8]),
		Type:  binary.LittleEndian.Uint16(buf[8:10]),
		Flags: buf[10],
		Depth: buf[11],
		Addr:  binary.LittleEndian.Uint64(buf[12:20]),
	}
}

// align8 rounds n up to the next multiple of 8, the padding the encoder
// applies to argument/retval payload lengths. Records themselves are
// RecordSize (20) bytes, so record offsets in a segment are not 8-aligned.
func align8(n int) int {
	return (n + 7) &^ 7
}
