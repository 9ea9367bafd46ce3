package broker

import "encoding/binary"

// streamKind identifies the logical stream a demultiplexed frame carries.
type streamKind byte

const (
	streamStdin  streamKind = 0
	streamStdout streamKind = 1
	streamStderr streamKind = 2
)

const frameHeaderLen = 8

// maxFrameLen sanity-bounds a declared payload length. A length beyond this
// can never be a legitimate frame (distinct from an ordinary truncated
// frame, which is simply buffered until more bytes arrive) and is treated
// as a corrupt header, tripping the raw-mode fallback.
const maxFrameLen = 16 * 1024 * 1024

// ExecStreamDemuxer parses the container runtime's 8-byte-header framing
// (byte 0: stream kind; bytes 1-3: zero; bytes 4-7: big-endian uint32
// payload length) into a clean payload stream. It is stateful and
// re-entrant: Feed may be called with arbitrarily sized slices of a larger
// delivery, and buffers a partial header or payload across calls.
//
// This mirrors the framing github.com/docker/docker/pkg/stdcopy parses
// for a container's attached exec stream.
type ExecStreamDemuxer struct {
	raw  bool // sticky: once a raw chunk is emitted, stays raw forever
	pend []byte
}

// NewExecStreamDemuxer constructs a demuxer. If rawStream is true (the
// runtime is known to deliver an already-raw TTY stream), every Feed call
// is passed through unchanged and no frame parsing is attempted.
func NewExecStreamDemuxer(rawStream bool) *ExecStreamDemuxer {
	return &ExecStreamDemuxer{raw: rawStream}
}

// Feed appends buf to any pending bytes and returns zero or more complete
// payload chunks. Partial frames (truncated header or payload) are
// retained internally and completed by a later Feed call.
func (d *ExecStreamDemuxer) Feed(buf []byte) [][]byte {
	if d.raw {
		if len(buf) == 0 {
			return nil
		}
		return [][]byte{append([]byte(nil), buf...)}
	}

	d.pend = append(d.pend, buf...)

	var out [][]byte
	for {
		if len(d.pend) == 0 {
			return out
		}

		kind := streamKind(d.pend[0])
		if kind != streamStdin && kind != streamStdout && kind != streamStderr {
			// Unrecognized leading byte: fall back to raw mode for the
			// remainder of this stream's lifetime, emitting everything
			// buffered so far unchanged.
			d.raw = true
			out = append(out, append([]byte(nil), d.pend...))
			d.pend = nil
			return out
		}

		if len(d.pend) < frameHeaderLen {
			// Truncated header: wait for more bytes.
			return out
		}

		n := binary.BigEndian.Uint32(d.pend[4:8])
		if n > maxFrameLen {
			// Declared length can never fit a real frame: corrupt header,
			// not an ordinary truncation. Fall back to raw mode.
			d.raw = true
			out = append(out, append([]byte(nil), d.pend...))
			d.pend = nil
			return out
		}

		total := frameHeaderLen + int(n)
		if len(d.pend) < total {
			// Truncated payload: wait for more bytes.
			return out
		}

		payload := append([]byte(nil), d.pend[frameHeaderLen:total]...)
		out = append(out, payload)
		d.pend = d.pend[total:]
	}
}

// Close signals end of stream. Any partial frame still buffered is
// discarded (it can never be completed); the caller is expected to treat
// this as the PTY's exit.
func (d *ExecStreamDemuxer) Close() {
	d.pend = nil
}
