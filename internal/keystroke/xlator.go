// Package keystroke translates the client's backslash-escape keystroke
// mini-language into raw bytes for the PTY, plus out-of-band window-size
// change events.
package keystroke

import (
	"fmt"
	"log/slog"
)

// Mode names a point in the escape parser at which Translate may pause
// between calls (a `\w` window-size sequence spans one call boundary
// when split across client writes).
type Mode int

const (
	// ModeRaw is the default mode: bytes are passthrough key bytes
	// unless they introduce an escape.
	ModeRaw Mode = iota
	// ModeEscapedChar is entered after a bare backslash; the next byte
	// selects the escape.
	ModeEscapedChar
	// ModeWinSize is entered after `\w`; the following 8 bytes are the
	// zero-padded row/col digits.
	ModeWinSize
)

const winSizeDigits = 8

// Xlator holds the resumable state of one client's keystroke stream.
type Xlator struct {
	log *slog.Logger

	mode Mode
	wsi  int
	wbuf [winSizeDigits]byte

	// Row/Col hold the last successfully parsed window size.
	Row uint16
	Col uint16

	// AppCursor selects ESC O x (true) vs ESC [ x (false) for arrow/
	// home/end translation. The caller owns this flag; TermFilter
	// updates it from PTY output and the session wires it in here.
	AppCursor bool

	kbuf   [8]byte
	kbufsz int
}

// New returns an Xlator in ModeRaw.
func New(log *slog.Logger) *Xlator {
	return &Xlator{log: log}
}

// DumpFunc is called synchronously when the client sends the `\d`
// diagnostic-dump escape. It is a parameter rather than a field so
// tests can construct an Xlator without wiring a real dump sink.
type DumpFunc func()

// Result is the output of one Translate call.
type Result struct {
	// Keys are the raw bytes to write to the PTY, in order.
	Keys []byte
	// SendSigwin is true exactly when a `\w` sequence completed during
	// this call; Row/Col on the Xlator hold the parsed values.
	SendSigwin bool
}

// Translate consumes buf (one client-delivered chunk) and returns the
// raw PTY bytes it produces. dump, if non-nil, is invoked on `\d`.
//
// The kbuf coalescing the source uses exists to batch small pty writes;
// here Keys is simply the concatenation of every kbuf flush made during
// the call, and the flush boundaries are not reported to the caller.
func (x *Xlator) Translate(buf []byte, dump DumpFunc) Result {
	var r Result
	for _, b := range buf {
		if b == '\n' {
			continue
		}

		switch x.mode {
		case ModeRaw:
			if b == '\\' {
				x.mode = ModeEscapedChar
			} else {
				x.addKey(&r, b)
			}

		case ModeEscapedChar:
			x.mode = ModeRaw
			var cursmvbyte byte
			switch b {
			case 'n':
				x.addKey(&r, '\n')
			case '\\':
				x.addKey(&r, '\\')
			case 'w':
				x.wsi = 0
				x.mode = ModeWinSize
			case 'd':
				if dump != nil {
					dump()
				}
			case 'N':
				// wake probe, no-op
			case '^':
				cursmvbyte = 'A'
			case 'v':
				cursmvbyte = 'B'
			case '>':
				cursmvbyte = 'C'
			case '<':
				cursmvbyte = 'D'
			case 'e':
				cursmvbyte = 'F'
			case 'h':
				cursmvbyte = 'H'
			default:
				if x.log != nil {
					x.log.Warn("keystroke: unknown escape", "byte", b)
				}
			}
			if cursmvbyte != 0 {
				x.addKey(&r, 0x1b)
				if x.AppCursor {
					x.addKey(&r, 'O')
				} else {
					x.addKey(&r, '[')
				}
				x.addKey(&r, cursmvbyte)
			}

		case ModeWinSize:
			x.wbuf[x.wsi] = b
			x.wsi++
			if x.wsi != winSizeDigits {
				continue
			}
			row, col, ok := parseWinSize(x.wbuf)
			if ok {
				x.Row, x.Col = row, col
				r.SendSigwin = true
			} else if x.log != nil {
				x.log.Warn("keystroke: invalid window size digits", "digits", string(x.wbuf[:]))
			}
			x.mode = ModeRaw

		default:
			if x.log != nil {
				x.log.Error("keystroke: unknown parser mode", "mode", x.mode)
			}
		}
	}
	x.flush(&r)
	return r
}

// parseWinSize parses the 8-digit %4hu%4hu grammar: four decimal digits
// of row, then four of col. Any non-digit anywhere in the 8 bytes fails
// the parse, matching sscanf's behavior on non-numeric input.
func parseWinSize(digits [winSizeDigits]byte) (row, col uint16, ok bool) {
	var rv, cv uint32
	for i := 0; i < 4; i++ {
		d := digits[i]
		if d < '0' || d > '9' {
			return 0, 0, false
		}
		rv = rv*10 + uint32(d-'0')
	}
	for i := 4; i < 8; i++ {
		d := digits[i]
		if d < '0' || d > '9' {
			return 0, 0, false
		}
		cv = cv*10 + uint32(d-'0')
	}
	return uint16(rv), uint16(cv), true
}

func (x *Xlator) addKey(r *Result, b byte) {
	if x.kbufsz == len(x.kbuf) {
		x.flush(r)
	}
	x.kbuf[x.kbufsz] = b
	x.kbufsz++
}

func (x *Xlator) flush(r *Result) {
	if x.kbufsz == 0 {
		return
	}
	r.Keys = append(r.Keys, x.kbuf[:x.kbufsz]...)
	x.kbufsz = 0
}

// ModeTag renders the parser mode as the single-byte tag the source's
// `escp` field used (0 for raw, '1' for escaped-char, 'w' for
// window-size), for diagnostic dumps.
func (x *Xlator) ModeTag() byte {
	switch x.mode {
	case ModeEscapedChar:
		return '1'
	case ModeWinSize:
		return 'w'
	default:
		return 0
	}
}

// String renders the parser mode for logging.
func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeEscapedChar:
		return "escaped-char"
	case ModeWinSize:
		return "winsize"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}
