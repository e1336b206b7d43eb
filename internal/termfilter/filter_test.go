package termfilter

import (
	"bytes"
	"testing"
)

func TestProcess_BackspaceEditing(t *testing.T) {
	var textLog bytes.Buffer
	f := New(nil)
	f.TextLog = &textLog

	f.Process([]byte("abcdef\b\033[K\b\033[K\b\033[Kxyz\r\n"))

	got := textLog.String()
	want := "abcxyz\n"
	if got != want {
		t.Fatalf("text log = %q want %q", got, want)
	}
}

func TestProcess_AltScreen1049(t *testing.T) {
	f := New(nil)

	out1 := f.Process([]byte("\033[?1049h"))
	if !bytes.Contains(out1, []byte(`\ss\s2\cl`)) {
		t.Fatalf("enter-altscreen output = %q", out1)
	}
	if !f.AltScreen {
		t.Fatalf("expected alt screen active")
	}

	out2 := f.Process([]byte("\033[?1049l"))
	if !bytes.Contains(out2, []byte(`\s1\rs`)) {
		t.Fatalf("exit-altscreen output = %q", out2)
	}
	if f.AltScreen {
		t.Fatalf("expected alt screen inactive")
	}
}

func TestProcess_OSCTitleDropped(t *testing.T) {
	var textLog bytes.Buffer
	f := New(nil)
	f.TextLog = &textLog

	out := f.Process([]byte("abc\033]0;title\007xyz\r\n"))

	if textLog.String() != "abcxyz\n" {
		t.Fatalf("text log = %q want abcxyz\\n", textLog.String())
	}
	if !bytes.Contains(out, []byte("abc")) || !bytes.Contains(out, []byte("xyz")) {
		t.Fatalf("client output missing abc/xyz: %q", out)
	}
}

func TestProcess_DeleteCharsAhead(t *testing.T) {
	f := New(nil)

	f.Process([]byte("hello world!"))
	// backspace is a recognized cursor-left motion; move back onto 'w'.
	f.Process([]byte("\b\b\b\b\b\b"))
	// delete the 5 characters ahead of the cursor ("world"), leaving "!".
	f.Process([]byte("\033[5P"))

	want := "hello !"
	if f.linesz != len(want) {
		t.Fatalf("linesz after delete = %d want %d", f.linesz, len(want))
	}
	if got := string(f.linebuf[:f.linesz]); got != want {
		t.Fatalf("linebuf after delete = %q want %q", got, want)
	}
}

func TestProcess_PutroutEscaping(t *testing.T) {
	f := New(nil)
	out := f.Process([]byte{0x01, 'a', '\\'})
	want := `\01a\5c` + "\n"
	if string(out) != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestProcess_LinebufFlushAtCapacity(t *testing.T) {
	f := New(nil)
	var textLog bytes.Buffer
	f.TextLog = &textLog

	line := bytes.Repeat([]byte("x"), lineBufCap)
	f.Process(line)

	if textLog.Len() != lineBufCap {
		t.Fatalf("expected flush at exactly capacity, got %d bytes logged", textLog.Len())
	}
}

func TestProcess_LinebufOverflowDumps(t *testing.T) {
	f := New(nil)
	f.linepos = lineBufCap + 10
	f.linesz = lineBufCap

	var reason string
	f.DumpFunc = func(r string) { reason = r }

	f.Process([]byte("x"))

	if reason == "" {
		t.Fatalf("expected DumpFunc to be invoked on overflow")
	}
}

func TestRecountState(t *testing.T) {
	f := New(nil)
	var buf bytes.Buffer
	f.RecountState(&buf)
	if buf.String() != `\s1` {
		t.Fatalf("got %q want \\s1", buf.String())
	}

	f.AltScreen = true
	buf.Reset()
	f.RecountState(&buf)
	if buf.String() != `\s2` {
		t.Fatalf("got %q want \\s2", buf.String())
	}
}
