// Command ftraced-dump is a worked example of the recorder's half of the
// protocol the core runtime speaks: it drains control messages off a pipe
// fd and, on each RecStart, decodes and prints the named shmem segment's
// records. It stands in for "the external recorder process" (out of scope
// as a production component, per spec.md §1) closely enough to exercise
// the wire format end to end in tests and manual runs.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/ehrlich-b/ftraced"
	"github.com/ehrlich-b/ftraced/internal/ctlpipe"
	"github.com/ehrlich-b/ftraced/internal/ftlog"
)

func main() {
	var (
		pipeFD  = flag.Int("fd", -1, "control pipe read-end file descriptor (required)")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if *pipeFD < 0 {
		if v := os.Getenv("FTRACE_DUMP_FD"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*pipeFD = n
			}
		}
	}
	if *pipeFD < 0 {
		log.Fatal("ftraced-dump: -fd (or FTRACE_DUMP_FD) is required")
	}

	logConfig := ftlog.DefaultConfig()
	if *verbose {
		logConfig.Level = ftlog.LevelDebug
	}
	logger := ftlog.New(logConfig)
	ftlog.SetDefault(logger)

	pipe := os.NewFile(uintptr(*pipeFD), "ftraced-ctlpipe")
	rec := &ftraced.MockRecorder{}

	for {
		typ, payload, err := readFrame(pipe)
		if err != nil {
			logger.Info("control pipe closed, exiting", "err", err)
			return
		}

		switch typ {
		case ctlpipe.MsgSession:
			logger.Info("session", "pid", binary.LittleEndian.Uint32(payload[8:12]))
		case ctlpipe.MsgTID:
			logger.Info("thread announced", "tid", binary.LittleEndian.Uint32(payload[12:16]))
		case ctlpipe.MsgForkStart:
			logger.Info("fork starting", "parent_pid", binary.LittleEndian.Uint32(payload[8:12]))
		case ctlpipe.MsgForkEnd:
			logger.Info("fork completed", "pid", binary.LittleEndian.Uint32(payload[8:12]))
		case ctlpipe.MsgRecStart:
			name := string(payload)
			logger.Debug("segment recording", "name", name)
			records, err := rec.DrainSegment(name)
			if err != nil {
				logger.Warn("failed to drain segment", "name", name, "err", err)
				continue
			}
			for _, r := range records {
				fmt.Printf("%s type=%d depth=%d addr=%#x time=%d more=%v\n",
					name, r.Type, r.Depth, r.Addr, r.Time, len(r.Payload) > 0)
			}
		case ctlpipe.MsgRecEnd:
			logger.Debug("segment written", "name", string(payload))
		case ctlpipe.MsgLost:
			logger.Warn("events lost", "count", binary.LittleEndian.Uint32(payload))
		default:
			logger.Warn("unknown control message", "type", typ)
		}
	}
}

// readFrame reads one { magic, type, len, payload } frame off r, the
// mirror image of ctlpipe.Pipe.Send's single-writev discipline.
func readFrame(r *os.File) (ctlpipe.MsgType, []byte, error) {
	hdr := make([]byte, ctlpipe.HeaderSize)
	if _, err := readFull(r, hdr); err != nil {
		return 0, nil, err
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:4]); magic != ctlpipe.Magic {
		return 0, nil, fmt.Errorf("ftraced-dump: bad frame magic %#x", magic)
	}
	typ := ctlpipe.MsgType(binary.LittleEndian.Uint32(hdr[4:8]))
	n := binary.LittleEndian.Uint32(hdr[8:12])
	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if _, err := readFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return typ, payload, nil
}

func readFull(r *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("ftraced-dump: short read")
		}
	}
	return total, nil
}
