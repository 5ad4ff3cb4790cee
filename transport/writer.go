package transport

import (
	"errors"
	"io"
)

// ErrSize means the framed message exceeded the configured size limit.
var ErrSize = errors.New("transport: message larger than size limit")

// Lines longer than this many octets, excluding the line ending, are
// truncated when MaxLineLength is set. ../rfc/5322:680
const maxLineOctets = 998

// Writer is a write-through frame writer. It replaces the check string at the
// start of a line with the escape string (dot-stuffing for SMTP, the
// ">From "-hack for mbox), converts bare \n line endings to \r\n, and collects
// properties about the written message.
type Writer struct {
	writer io.Writer

	Check         string // Replaced by Escape when found at the start of a line. Empty disables.
	Escape        string
	CRLF          bool  // Convert bare LF line endings to CRLF.
	MaxLineLength bool  // Truncate lines over maxLineOctets.
	Limit         int64 // When > 0, writes fail with ErrSize once Size would pass it.

	Has8bit bool  // Whether a byte with the high/8bit has been written. So whether this needs SMTP 8BITMIME instead of 7BIT.
	Size    int64 // Number of bytes written, may be different from bytes read due to escaping and LF to CRLF conversion.

	pending []byte // Line-start bytes that are still a prefix of Check.
	lineLen int
	atStart bool
	lastCR  bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{writer: w, atStart: true}
}

// Write implements io.Writer. The check string is matched across Write
// boundaries, held bytes are written out by Flush.
func (w *Writer) Write(buf []byte) (int, error) {
	var out []byte
	for _, b := range buf {
		if b&0x80 != 0 {
			w.Has8bit = true
		}

		if w.atStart && w.Check != "" {
			w.pending = append(w.pending, b)
			p := string(w.pending)
			if p == w.Check {
				w.pending = w.pending[:0]
				w.atStart = false
				for i := 0; i < len(w.Escape); i++ {
					out = w.emit(out, w.Escape[i])
				}
			} else if len(p) < len(w.Check) && w.Check[:len(p)] == p {
				// Held, could still become the check string.
			} else {
				hold := append([]byte{}, w.pending...)
				w.pending = w.pending[:0]
				w.atStart = false
				for _, hb := range hold {
					out = w.emit(out, hb)
				}
			}
			continue
		}
		out = w.emit(out, b)
	}
	return len(buf), w.flush(out)
}

// emit appends b to out with line-ending conversion and truncation. A newline
// returns the writer to line-start state where check matching resumes.
func (w *Writer) emit(out []byte, b byte) []byte {
	if b == '\n' {
		if w.CRLF && !w.lastCR {
			out = append(out, '\r')
		}
		out = append(out, '\n')
		w.atStart = true
		w.lastCR = false
		w.lineLen = 0
		return out
	}
	w.atStart = false
	w.lastCR = b == '\r'
	if w.MaxLineLength && w.lineLen >= maxLineOctets && b != '\r' {
		return out
	}
	w.lineLen++
	return append(out, b)
}

func (w *Writer) flush(out []byte) error {
	if len(out) == 0 {
		return nil
	}
	w.Size += int64(len(out))
	if w.Limit > 0 && w.Size > w.Limit {
		return ErrSize
	}
	_, err := w.writer.Write(out)
	return err
}

// Flush writes out any held line-start bytes that did not complete a check
// string match, e.g. a partial "From" at the end of the stream.
func (w *Writer) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	hold := append([]byte{}, w.pending...)
	w.pending = w.pending[:0]
	w.atStart = false
	var out []byte
	for _, b := range hold {
		out = w.emit(out, b)
	}
	return w.flush(out)
}

// AtLineStart reports whether the next byte would begin a new line, used to
// decide whether the terminating dot needs a preceding CRLF.
func (w *Writer) AtLineStart() bool {
	return w.atStart && len(w.pending) == 0
}
