package ctlpipe

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendWritesFramedMessage(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	p := New(int(w.Fd()))
	require.True(t, p.Enabled())

	payload := RecStartPayload("/ftrace-abc123-42-000")
	require.NoError(t, p.Send(MsgRecStart, payload))

	buf := make([]byte, HeaderSize+len(payload))
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
}

func TestDisabledPipeIsNoop(t *testing.T) {
	p := New(-1)
	require.False(t, p.Enabled())
	require.NoError(t, p.Send(MsgForkEnd, nil))
	require.NoError(t, p.Close())
}

func TestPayloadBuilders(t *testing.T) {
	var sid [16]byte
	copy(sid[:], "0123456789abcdef")
	sp := SessionPayload(100, 42, 7, sid, "/bin/app")
	require.Equal(t, uint64(100), leU64(sp[0:8]))
	require.Equal(t, uint32(42), leU32(sp[8:12]))
	require.Equal(t, uint32(7), leU32(sp[12:16]))

	lp := LostPayload(3)
	require.Equal(t, uint32(3), leU32(lp[0:4]))
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
