// Package termfilter streams PTY output through a line-cursor model,
// interprets a whitelist of terminal escape sequences, and re-encodes
// the bytes for a browser client with non-printable bytes hex-escaped.
package termfilter

import (
	"io"
	"log/slog"
)

const (
	lineBufCap = 1024
	escBufCap  = 1024
)

// Filter holds the resumable state of one session's shell-output
// pipeline. The zero value is usable directly.
type Filter struct {
	log *slog.Logger

	linebuf [lineBufCap]byte
	linepos int
	linesz  int

	escbuf [escBufCap]byte
	escsz  int

	// AltScreen and AppCursor are exported since the keystroke
	// translator for this session needs AppCursor to pick ESC O vs
	// ESC [ for arrow keys, and the session needs both for diagnostics
	// and reattach state recount.
	AltScreen bool
	AppCursor bool

	// SwRow/SwCol are the last negotiated window size, used to snap
	// linepos to the start of the visual row on carriage return.
	SwRow int
	SwCol int

	// RWOut mirrors the source's "rwout" mode: when true the caller
	// should forward this call's client-bound bytes to the browser;
	// when false (e.g. while replaying a log before the client is
	// live) the bytes are computed but withheld.
	RWOut bool

	// TextLog and RawLog, if non-nil, receive completed text-log lines
	// and unmodified raw PTY bytes, respectively.
	TextLog io.Writer
	RawLog  io.Writer

	// DumpFunc is invoked instead of aborting the process on a fatal
	// linesz overflow, so embedding programs can decide how to log and
	// terminate; tests can observe it without the process exiting.
	DumpFunc func(reason string)

	rwout []byte
}

// New returns a Filter with RWOut enabled, matching a freshly attached
// session.
func New(log *slog.Logger) *Filter {
	return &Filter{log: log, RWOut: true}
}

// Process consumes one chunk of PTY output and returns the client-bound
// bytes for this call (the encoded input plus a trailing newline
// separator). Per call the returned slice is a view into an internal
// buffer valid until the next call to Process.
func (f *Filter) Process(buf []byte) []byte {
	f.rwout = f.rwout[:0]

	if f.RawLog != nil && len(buf) > 0 {
		f.RawLog.Write(buf)
	}

	for _, b := range buf {
		f.processByte(b)
		f.deleteCharsAhead()
		f.putrout(b)
	}

	f.putroutraw("\n")
	return f.rwout
}

// processByte applies the line-model / escape-interpretation rules for
// a single PTY output byte, mutating line and escape state. The only
// client-bound output it emits itself is the screen-mode mnemonics for
// the alternate-screen sequences; the byte's own encoding happens
// uniformly for every byte in Process.
func (f *Filter) processByte(b byte) {
	switch {
	case b == '\r':
		f.escsz = 0
		if f.SwCol > 0 {
			f.linepos -= f.linepos % f.SwCol
		} else {
			f.linepos = 0
		}
		return

	case b == '\b':
		if f.linepos > 0 {
			f.linepos--
		}
		return
	}

	if b == 0x07 {
		f.escsz = 0
	}

	if b >= 'A' && b <= 'Z' && f.consumeEsc("\x1b[") {
		switch b {
		case 'K':
			f.linesz = f.linepos
		case 'A':
			f.linepos -= f.SwCol
			f.linepos = wrapMod(f.linepos, lineBufCap)
		case 'C':
			f.linepos++
		}
		return
	}

	if b >= 'a' && b <= 'z' {
		switch {
		case f.consumeEsc("\x1b[?1"):
			f.AppCursor = b == 'h'
			return
		case f.consumeEsc("\x1b[?47"), f.consumeEsc("\x1b[?1047"):
			f.AltScreen = b == 'h'
			if b == 'h' {
				f.putroutraw("\\s2")
			} else {
				f.putroutraw("\\s1")
			}
			return
		case f.consumeEsc("\x1b[?1049"):
			f.AltScreen = b == 'h'
			if b == 'h' {
				f.putroutraw("\\ss\\s2\\cl")
			} else {
				f.putroutraw("\\s1\\rs")
			}
			return
		}
		if f.escsz > 1 && f.escbuf[1] == '[' {
			f.escsz = 0
			return
		}
	}

	if b == 0x1b || f.escsz > 0 {
		if b == 0x1b {
			f.escsz = 0
		}
		if f.escsz < escBufCap {
			f.escbuf[f.escsz] = b
			f.escsz++
		}
		return
	}

	if b == '\n' {
		f.linepos = f.linesz
	}
	if b == 0x07 {
		return
	}

	f.linebuf[f.linepos%lineBufCap] = b
	f.linepos++
	if f.linesz < f.linepos {
		f.linesz = f.linepos
	}

	if b != '\n' && f.linesz < lineBufCap {
		return
	}

	if f.linesz > lineBufCap {
		f.dump("linesz exceeded capacity")
		return
	}

	if f.TextLog != nil {
		f.TextLog.Write(f.linebuf[:f.linesz])
	}
	f.linesz = 0
	f.linepos = 0
}

// consumeEsc reports whether escbuf holds exactly prefix, and if so
// resets escsz to 0 (the escape has been consumed by the caller).
func (f *Filter) consumeEsc(prefix string) bool {
	if f.escsz != len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if f.escbuf[i] != prefix[i] {
			return false
		}
	}
	f.escsz = 0
	return true
}

// deleteCharsAhead recognizes a completed `<digits>P` escape sequence
// (escbuf == ESC [ digits P) and shifts linebuf left by that many
// characters ahead of the cursor, matching xterm's delete-character
// behavior. It does not clear escsz; the sequence's terminator does not
// reset escape-accumulation state any more than upstream does.
func (f *Filter) deleteCharsAhead() {
	if f.escsz < 4 || f.escbuf[f.escsz-1] != 'P' || f.escbuf[1] != '[' {
		return
	}
	digits := f.escbuf[2 : f.escsz-1]
	n, ok := parseDigits(digits)
	if !ok {
		return
	}
	if f.linesz <= f.linepos+n {
		return
	}
	copy(f.linebuf[f.linepos:f.linesz-n], f.linebuf[f.linepos+n:f.linesz])
	f.linesz -= n
}

func parseDigits(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func wrapMod(v, m int) int {
	v %= m
	if v < 0 {
		v += m
	}
	return v
}

// LineState returns the whole line buffer (not trimmed to its logical
// size) together with the cursor and size counters, for diagnostic dumps.
func (f *Filter) LineState() (buf []byte, pos, sz int) {
	return f.linebuf[:], f.linepos, f.linesz
}

// EscState returns the whole escape-accumulation buffer and the number
// of bytes in use, for diagnostic dumps.
func (f *Filter) EscState() (buf []byte, sz int) {
	return f.escbuf[:], f.escsz
}

// RecountState writes the 3-byte screen-mode mnemonic a freshly
// attached client needs to display the correct screen: `\s2` if the
// alternate screen is active, else `\s1`.
func (f *Filter) RecountState(w io.Writer) error {
	if f.AltScreen {
		_, err := w.Write([]byte(`\s2`))
		return err
	}
	_, err := w.Write([]byte(`\s1`))
	return err
}

func (f *Filter) dump(reason string) {
	if f.DumpFunc != nil {
		f.DumpFunc(reason)
		return
	}
	if f.log != nil {
		f.log.Error("termfilter: fatal invariant violation", "reason", reason)
	}
}

// putrout appends one byte to the client-bound buffer: bytes in
// [0x20,0x7E] other than backslash pass through, everything else
// becomes `\hh` in lowercase hex.
func (f *Filter) putrout(b byte) {
	if b == '\\' || b < 0x20 || b > 0x7e {
		f.rwout = append(f.rwout, '\\', hexDigit(b>>4), hexDigit(b))
		return
	}
	f.rwout = append(f.rwout, b)
}

func (f *Filter) putroutraw(s string) {
	f.rwout = append(f.rwout, s...)
}

func hexDigit(v byte) byte {
	v &= 0x0f
	if v < 10 {
		return '0' + v
	}
	return 'a' + (v - 10)
}
