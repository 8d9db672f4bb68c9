package engine

import (
	"encoding/binary"
	"io"
)

// Origin tags which standard stream a frame came from.
type Origin uint8

const (
	OriginStdout Origin = 1
	OriginStderr Origin = 2
)

func (o Origin) String() string {
	if o == OriginStderr {
		return "stderr"
	}
	return "stdout"
}

// Frame is one demultiplexed chunk of container output.
type Frame struct {
	Origin  Origin
	Payload []byte
}

const frameHeaderSize = 8

// Demuxer decodes the engine's multiplexed stream format: an 8-byte header
// (stream type, three reserved bytes, big-endian uint32 length) followed
// by the payload. Frames may span any number of Feed calls.
//
// Stream types other than stderr, such as 0 for stdin echo, are tagged as
// stdout.
type Demuxer struct {
	buf []byte
}

// Feed appends p and returns every frame that is now complete. Payloads
// do not alias p.
func (d *Demuxer) Feed(p []byte) []Frame {
	d.buf = append(d.buf, p...)

	var frames []Frame
	off := 0
	for len(d.buf)-off >= frameHeaderSize {
		header := d.buf[off : off+frameHeaderSize]
		size := int(binary.BigEndian.Uint32(header[4:8]))
		if len(d.buf)-off-frameHeaderSize < size {
			break
		}

		origin := OriginStdout
		if header[0] == byte(OriginStderr) {
			origin = OriginStderr
		}

		start := off + frameHeaderSize
		payload := make([]byte, size)
		copy(payload, d.buf[start:start+size])
		frames = append(frames, Frame{Origin: origin, Payload: payload})
		off = start + size
	}

	if off > 0 {
		d.buf = append(d.buf[:0], d.buf[off:]...)
	}
	return frames
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (d *Demuxer) Pending() int {
	return len(d.buf)
}

// Reset drops any buffered partial frame.
func (d *Demuxer) Reset() {
	d.buf = d.buf[:0]
}

// FrameReader turns an attached stream into frames. The framing is chosen
// by the TTY flag fixed when the container was created: TTY output is raw
// and surfaces as stdout frames, everything else is demultiplexed.
type FrameReader struct {
	r     io.Reader
	tty   bool
	demux Demuxer
	buf   []byte
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader, tty bool) *FrameReader {
	return &FrameReader{r: r, tty: tty, buf: make([]byte, 32*1024)}
}

// Next performs one read and returns the frames it completed, which may be
// none. The error is that of the underlying read; frames returned with it
// are still valid.
func (f *FrameReader) Next() ([]Frame, error) {
	n, err := f.r.Read(f.buf)
	if n == 0 {
		return nil, err
	}

	if f.tty {
		payload := make([]byte, n)
		copy(payload, f.buf[:n])
		return []Frame{{Origin: OriginStdout, Payload: payload}}, err
	}
	return f.demux.Feed(f.buf[:n]), err
}

// Pending reports buffered bytes of an incomplete frame.
func (f *FrameReader) Pending() int {
	return f.demux.Pending()
}
