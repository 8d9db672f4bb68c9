package engine

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(kind byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = kind
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestDemuxerSingleFrame(t *testing.T) {
	var d Demuxer

	frames := d.Feed([]byte{0x01, 0, 0, 0, 0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'})

	require.Len(t, frames, 1)
	assert.Equal(t, OriginStdout, frames[0].Origin)
	assert.Equal(t, "hello", string(frames[0].Payload))
	assert.Zero(t, d.Pending())
}

func TestDemuxerTagsChannelsIndependently(t *testing.T) {
	var d Demuxer
	input := append(frame(1, "hello"), frame(2, "err")...)

	frames := d.Feed(input)

	require.Len(t, frames, 2)
	assert.Equal(t, OriginStdout, frames[0].Origin)
	assert.Equal(t, "hello", string(frames[0].Payload))
	assert.Equal(t, OriginStderr, frames[1].Origin)
	assert.Equal(t, "err", string(frames[1].Payload))
}

func TestDemuxerFramesSpanReads(t *testing.T) {
	input := bytes.Join([][]byte{
		frame(1, `{"type":"assistant"}`+"\n"),
		frame(2, "warning: slow disk\n"),
		frame(1, `{"type":"result"}`+"\n"),
	}, nil)

	var d Demuxer
	var got []Frame
	for i := range input {
		got = append(got, d.Feed(input[i:i+1])...)
	}

	require.Len(t, got, 3)
	assert.Equal(t, `{"type":"assistant"}`+"\n", string(got[0].Payload))
	assert.Equal(t, OriginStderr, got[1].Origin)
	assert.Equal(t, `{"type":"result"}`+"\n", string(got[2].Payload))
	assert.Zero(t, d.Pending())
}

func TestDemuxerHoldsPartialFrame(t *testing.T) {
	var d Demuxer
	full := frame(1, "abcdef")

	assert.Empty(t, d.Feed(full[:10]))
	assert.Equal(t, 10, d.Pending())

	frames := d.Feed(full[10:])
	require.Len(t, frames, 1)
	assert.Equal(t, "abcdef", string(frames[0].Payload))
}

func TestDemuxerUnknownTypeIsStdout(t *testing.T) {
	var d Demuxer

	frames := d.Feed(append(frame(0, "echo"), frame(3, "sys")...))

	require.Len(t, frames, 2)
	assert.Equal(t, OriginStdout, frames[0].Origin)
	assert.Equal(t, OriginStdout, frames[1].Origin)
}

func TestDemuxerEmptyFrame(t *testing.T) {
	var d Demuxer

	frames := d.Feed(append(frame(1, ""), frame(1, "x")...))

	require.Len(t, frames, 2)
	assert.Empty(t, frames[0].Payload)
	assert.Equal(t, "x", string(frames[1].Payload))
}

func TestDemuxerPayloadDoesNotAliasInput(t *testing.T) {
	var d Demuxer
	input := frame(1, "keep")

	frames := d.Feed(input)
	input[8] = 'X'

	assert.Equal(t, "keep", string(frames[0].Payload))
}

func TestFrameReaderMultiplexed(t *testing.T) {
	src := iotest.OneByteReader(bytes.NewReader(append(frame(1, "out"), frame(2, "err")...)))
	fr := NewFrameReader(src, false)

	var got []Frame
	for {
		batch, err := fr.Next()
		got = append(got, batch...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	require.Len(t, got, 2)
	assert.Equal(t, "out", string(got[0].Payload))
	assert.Equal(t, OriginStderr, got[1].Origin)
}

func TestFrameReaderTTYPassesThrough(t *testing.T) {
	// A TTY stream starting with 0x01 must not be mistaken for a header.
	raw := []byte{0x01, 0, 0, 0, 0, 0, 0, 5, 'h', 'i'}
	fr := NewFrameReader(bytes.NewReader(raw), true)

	batch, err := fr.Next()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, OriginStdout, batch[0].Origin)
	assert.Equal(t, raw, batch[0].Payload)
}
