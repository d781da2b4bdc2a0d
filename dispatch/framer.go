package dispatch

import (
	"bufio"
	"bytes"
)

const (
	// Terminator ends every frame written to the device.
	Terminator = "\r\n"

	// MaxLineLength bounds a single buffered response line.
	MaxLineLength = 4096
)

// Encode returns the wire frame for a command.
func Encode(text string) []byte {
	b := make([]byte, 0, len(text)+len(Terminator))
	b = append(b, text...)
	return append(b, Terminator...)
}

// LineDecoder accumulates raw reads and hands out complete response lines.
// It is not safe for concurrent use; the engine owns its decoder.
type LineDecoder struct {
	buf []byte
}

// Feed appends raw bytes read from the transport.
func (d *LineDecoder) Feed(p []byte) { d.buf = append(d.buf, p...) }

// Next removes and returns the next terminated line without its terminator.
// It returns false if no full line is buffered yet.
func (d *LineDecoder) Next() (string, bool) {
	adv, tok, _ := ScanLines(d.buf, false)
	if adv == 0 {
		if len(d.buf) < MaxLineLength {
			return "", false
		}
		// overlong garbage, hand it out rather than growing forever
		adv, tok = MaxLineLength, d.buf[:MaxLineLength]
	}
	line := string(tok)
	d.buf = d.buf[adv:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return line, true
}

// Buffered returns the number of bytes held that do not yet form a line.
func (d *LineDecoder) Buffered() int { return len(d.buf) }

// Reset drops anything buffered.
func (d *LineDecoder) Reset() { d.buf = nil }

// ScanLines is a bufio.SplitFunc for device output. A line ends at '\n'; a
// '\r' directly before it is dropped. At EOF a final unterminated line is
// returned as-is.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}
	if atEOF {
		return len(data), bytes.TrimSuffix(data, []byte{'\r'}), nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = ScanLines
