// Package stream converts raw pseudo-terminal output into text that a thin
// remote client can append directly to a growing display buffer.
//
// Interactive CLI programs emit cursor-addressed control sequences that only
// make sense to a full terminal emulator. The Preprocessor strips those,
// keeps color (SGR) sequences so the client's renderer can apply styling,
// and turns erase-screen sequences into an explicit clear signal.
//
// The Preprocessor is a pure transform with one piece of state: a partial
// escape sequence left dangling at the end of a chunk is retained and
// prefixed to the next chunk, so splitting a stream at arbitrary byte
// boundaries never corrupts the output.
package stream

import "bytes"

// maxPending caps the bytes retained across chunk boundaries while waiting
// for a sequence terminator, so an unterminated sequence from a hostile or
// broken process cannot grow the retained state without bound.
const maxPending = 4096

// Result is the outcome of processing one chunk of raw output.
type Result struct {
	// Text is safe to append to the client's display buffer.
	Text string
	// Clear signals the client should discard all prior text for this
	// session before appending Text.
	Clear bool
}

// Preprocessor normalizes one session's raw output stream. It must be fed
// chunks of a single stream strictly in order and is not safe for concurrent
// use; each session owns exactly one instance.
type Preprocessor struct {
	pending []byte
}

// New creates a Preprocessor with no pending state.
func New() *Preprocessor {
	return &Preprocessor{}
}

// Process normalizes one chunk of raw output.
//
// Escape sequences are consumed left to right:
//   - CSI (ESC '[') sequences are discarded, except SGR ('m' final) which
//     passes through verbatim, and erase-screen (ESC[2J / ESC[3J) which sets
//     Clear and discards text accumulated earlier in the same chunk.
//   - OSC (ESC ']') sequences are consumed through their BEL or ESC-backslash
//     terminator and discarded.
//   - Charset designations (ESC '(' or ESC ')' plus one byte) are discarded.
//   - Any other ESC is discarded as a single byte.
//
// CR, LF, TAB and printable bytes pass through; remaining control bytes are
// dropped. Malformed input never produces an error: the scanner drops what
// it cannot parse and continues.
func (p *Preprocessor) Process(chunk []byte) Result {
	var data []byte
	if len(p.pending) > 0 {
		data = make([]byte, 0, len(p.pending)+len(chunk))
		data = append(data, p.pending...)
		data = append(data, chunk...)
		p.pending = nil
	} else {
		data = chunk
	}

	var out bytes.Buffer
	clear := false

	i := 0
	for i < len(data) {
		b := data[i]

		if b != 0x1b {
			switch {
			case b == '\r' || b == '\n' || b == '\t':
				out.WriteByte(b)
			case b < 0x20 || b == 0x7f:
				// Other C0 controls and DEL carry no display text.
			default:
				out.WriteByte(b)
			}
			i++
			continue
		}

		// ESC with no introducer byte yet: wait for the next chunk.
		if i+1 >= len(data) {
			p.retain(data[i:])
			break
		}

		switch data[i+1] {
		case '[':
			next, res := scanCSI(data, i, &out)
			if !res {
				p.retain(data[i:])
				i = len(data)
				break
			}
			if next < 0 {
				clear = true
				out.Reset()
				next = -next
			}
			i = next

		case ']':
			next, complete := scanOSC(data, i)
			if !complete {
				tail := data[i:]
				if len(tail) > maxPending {
					// OSC bodies are dropped either way, so an oversized
					// unterminated one keeps only the two-byte introducer
					// (plus a dangling ESC that may pair with a backslash
					// in the next chunk) as resume state.
					marker := []byte{0x1b, ']'}
					if tail[len(tail)-1] == 0x1b {
						marker = append(marker, 0x1b)
					}
					p.pending = marker
				} else {
					p.retain(tail)
				}
				i = len(data)
				break
			}
			i = next

		case '(', ')':
			if i+2 >= len(data) {
				p.retain(data[i:])
				i = len(data)
				break
			}
			i += 3

		default:
			// Unknown introducer: drop the ESC alone and rescan.
			i++
		}
	}

	return Result{Text: out.String(), Clear: clear}
}

// retain saves a partial sequence to prefix onto the next chunk.
func (p *Preprocessor) retain(tail []byte) {
	if len(tail) > maxPending {
		return
	}
	p.pending = append([]byte(nil), tail...)
}

// scanCSI consumes a CSI sequence starting at data[start] (which is ESC).
// It returns the index after the sequence and true when the sequence is
// complete. SGR sequences are written verbatim to out. An erase-screen with
// parameter 2 or 3 is reported by negating the returned index; the caller
// translates that into the clear signal.
func scanCSI(data []byte, start int, out *bytes.Buffer) (int, bool) {
	// Parameter bytes 0x30-0x3f and intermediate bytes 0x20-0x2f precede a
	// single final byte in 0x40-0x7e.
	j := start + 2
	for j < len(data) && data[j] >= 0x20 && data[j] <= 0x3f {
		j++
	}
	if j >= len(data) {
		return 0, false
	}

	final := data[j]
	if final < 0x40 || final > 0x7e {
		// Malformed final byte: drop the sequence body, rescan from it.
		return j, true
	}

	switch final {
	case 'm':
		out.Write(data[start : j+1])
	case 'J':
		if n, ok := leadingParam(data[start+2 : j]); ok && (n == 2 || n == 3) {
			return -(j + 1), true
		}
	}
	return j + 1, true
}

// leadingParam parses the first numeric parameter of a CSI body.
func leadingParam(body []byte) (int, bool) {
	n := 0
	seen := false
	for _, c := range body {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
		seen = true
	}
	return n, seen
}

// scanOSC consumes an OSC sequence starting at data[start] (which is ESC).
// The sequence runs through a BEL byte or an ESC-backslash string terminator.
// Returns the index after the terminator and whether it was found.
func scanOSC(data []byte, start int) (int, bool) {
	j := start + 2
	for j < len(data) {
		switch data[j] {
		case 0x07:
			return j + 1, true
		case 0x1b:
			if j+1 >= len(data) {
				return 0, false
			}
			if data[j+1] == '\\' {
				return j + 2, true
			}
		}
		j++
	}
	return 0, false
}
