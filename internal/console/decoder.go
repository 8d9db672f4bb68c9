package console

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// utf8Stream decodes UTF-8 incrementally. A sequence cut off at the end
// of one chunk is held back and completed by the next, so splitting the
// bytes across frames never changes the text. Invalid bytes become U+FFFD.
type utf8Stream struct {
	t       transform.Transformer
	pending []byte
}

func newUTF8Stream() *utf8Stream {
	return &utf8Stream{t: unicode.UTF8.NewDecoder()}
}

// Decode returns the text completed by p.
func (d *utf8Stream) Decode(p []byte) string {
	src := p
	if len(d.pending) > 0 {
		src = append(d.pending, p...)
	}
	if len(src) == 0 {
		return ""
	}

	// U+FFFD takes three bytes, so every input byte fits in three output
	// bytes; the transformer wants one spare rune of room.
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	nDst, nSrc, _ := d.t.Transform(dst, src, false)

	d.pending = append([]byte(nil), src[nSrc:]...)
	return string(dst[:nDst])
}

// Flush decodes any held-back bytes as if the stream had ended.
func (d *utf8Stream) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	dst := make([]byte, 3*len(d.pending)+utf8.UTFMax)
	nDst, _, _ := d.t.Transform(dst, d.pending, true)
	d.pending = nil
	d.t.Reset()
	return string(dst[:nDst])
}

// sanitizeUTF8 replaces invalid sequences in outgoing text with U+FFFD.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	out, _, err := transform.String(unicode.UTF8.NewDecoder(), s)
	if err != nil {
		return strings.ToValidUTF8(s, "\uFFFD")
	}
	return out
}
