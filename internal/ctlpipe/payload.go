package ctlpipe

import "encoding/binary"

// SessionPayload builds the MsgSession payload:
// { time:u64, pid:u32, tid:u32, sid:[16]byte, namelen:u32, name:bytes }.
func SessionPayload(timeNS uint64, pid, tid uint32, sid [16]byte, exePath string) []byte {
	buf := make([]byte, 8+4+4+16+4+len(exePath))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], timeNS)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], pid)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], tid)
	off += 4
	copy(buf[off:off+16], sid[:])
	off += 16
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(exePath)))
	off += 4
	copy(buf[off:], exePath)
	return buf
}

// tidLikePayload builds the common { time:u64, pid:u32, tid:u32 } shape
// shared by MsgTID, MsgForkStart and MsgForkEnd.
func tidLikePayload(timeNS uint64, pid, tid uint32) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], timeNS)
	binary.LittleEndian.PutUint32(buf[8:12], pid)
	binary.LittleEndian.PutUint32(buf[12:16], tid)
	return buf
}

// TIDPayload builds the MsgTID payload.
func TIDPayload(timeNS uint64, pid, tid uint32) []byte {
	return tidLikePayload(timeNS, pid, tid)
}

// ForkStartPayload builds the MsgForkStart payload, tid carrying the
// parent's tid at the moment of fork.
func ForkStartPayload(timeNS uint64, pid, tid uint32) []byte {
	return tidLikePayload(timeNS, pid, tid)
}

// ForkEndPayload builds the MsgForkEnd payload, sent from the child: pid
// carries the parent's pid and tid the child's own thread id.
func ForkEndPayload(timeNS uint64, pid, tid uint32) []byte {
	return tidLikePayload(timeNS, pid, tid)
}

// RecStartPayload and RecEndPayload both carry the segment name only; the
// recorder distinguishes New-from-Recording and Recording-from-Written by
// reading the segment's own header flag, the control message just tells it
// when to look.
func RecStartPayload(name string) []byte { return []byte(name) }
func RecEndPayload(name string) []byte   { return []byte(name) }

// LostPayload builds the MsgLost payload: a single u32 count.
func LostPayload(count uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], count)
	return buf
}
