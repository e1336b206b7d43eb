package wsframe

import (
	"bytes"
	"io"
	"log/slog"
	"syscall"
	"testing"
)

func maskedFrame(opcode byte, payload []byte, mask [4]byte) []byte {
	n := len(payload)
	var hdr []byte
	switch {
	case n < 126:
		hdr = []byte{0x80 | opcode, 0x80 | byte(n)}
	case n <= 0xffff:
		hdr = []byte{0x80 | opcode, 0x80 | 126, byte(n >> 8), byte(n)}
	default:
		ln := uint64(n)
		hdr = []byte{0x80 | opcode, 0x80 | 127,
			byte(ln >> 56), byte(ln >> 48), byte(ln >> 40), byte(ln >> 32),
			byte(ln >> 24), byte(ln >> 16), byte(ln >> 8), byte(ln)}
	}
	hdr = append(hdr, mask[:]...)
	out := make([]byte, n)
	for i, b := range payload {
		out[i] = b ^ mask[i%4]
	}
	return append(hdr, out...)
}

// chunkedReader hands back the underlying bytes split at fixed-size
// boundaries, returning a transient error once exhausted — simulating a
// non-blocking fd with no more data ready.
type chunkedReader struct {
	chunks [][]byte
	i      int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.i >= len(c.chunks) {
		return 0, errEAGAIN
	}
	n := copy(p, c.chunks[c.i])
	c.chunks[c.i] = c.chunks[c.i][n:]
	if len(c.chunks[c.i]) == 0 {
		c.i++
	}
	return n, nil
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodeAvailable_WholeFrame(t *testing.T) {
	payload := []byte("hello how are you")
	raw := maskedFrame(0x2, payload, [4]byte{1, 2, 3, 4})

	src := &chunkedReader{chunks: [][]byte{raw}}
	var pong bytes.Buffer
	d := New(src, &pong, discardLog())

	var sink bytes.Buffer
	if err := d.DecodeAvailable(&sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.String() != string(payload) {
		t.Fatalf("got %q want %q", sink.String(), payload)
	}
}

func TestDecodeAvailable_ArbitrarySplits(t *testing.T) {
	payload := bytes.Repeat([]byte("AB01xy"), 300) // exercise datpart chunking
	raw := maskedFrame(0x2, payload, [4]byte{9, 8, 7, 6})

	// split into 3-byte chunks
	var chunks [][]byte
	for i := 0; i < len(raw); i += 3 {
		end := i + 3
		if end > len(raw) {
			end = len(raw)
		}
		chunks = append(chunks, raw[i:end])
	}
	src := &chunkedReader{chunks: chunks}
	var pong bytes.Buffer
	d := New(src, &pong, discardLog())

	var sink bytes.Buffer
	for i := 0; i < len(chunks)+2 && sink.Len() < len(payload); i++ {
		if err := d.DecodeAvailable(&sink); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if sink.String() != string(payload) {
		t.Fatalf("mismatched reassembly, got %d bytes want %d", sink.Len(), len(payload))
	}
}

func TestDecodeAvailable_TwoFramesCoalescedInOneRead(t *testing.T) {
	raw1 := maskedFrame(0x2, []byte("first"), [4]byte{1, 2, 3, 4})
	raw2 := maskedFrame(0x2, []byte("second"), [4]byte{5, 6, 7, 8})

	// both frames arrive in a single underlying Read, as they would if a
	// client's write() coalesced them.
	src := &chunkedReader{chunks: [][]byte{append(append([]byte{}, raw1...), raw2...)}}
	var pong bytes.Buffer
	d := New(src, &pong, discardLog())

	var sink bytes.Buffer
	if err := d.DecodeAvailable(&sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.String() != "firstsecond" {
		t.Fatalf("expected both frames drained in one call, got %q", sink.String())
	}
}

func TestDecodeAvailable_Ping(t *testing.T) {
	raw := maskedFrame(0x9, nil, [4]byte{1, 1, 1, 1})
	src := &chunkedReader{chunks: [][]byte{raw[:3], raw[3:]}}
	var pong bytes.Buffer
	d := New(src, &pong, discardLog())

	var sink bytes.Buffer
	_ = d.DecodeAvailable(&sink)
	_ = d.DecodeAvailable(&sink)

	if !bytes.Equal(pong.Bytes(), []byte{0x8a, 0x00}) {
		t.Fatalf("expected single pong reply, got %v", pong.Bytes())
	}
}

func TestDecodeAvailable_UnmaskedFrameFatal(t *testing.T) {
	raw := []byte{0x82, 0x05, 'h', 'e', 'l', 'l', 'o'}
	src := &chunkedReader{chunks: [][]byte{raw}}
	var pong bytes.Buffer
	d := New(src, &pong, discardLog())

	var sink bytes.Buffer
	if err := d.DecodeAvailable(&sink); err != ErrUnmaskedFrame {
		t.Fatalf("expected ErrUnmaskedFrame, got %v", err)
	}
}

func TestDecodeAvailable_PeerClosed(t *testing.T) {
	src := &eofReader{}
	var pong bytes.Buffer
	d := New(src, &pong, discardLog())
	var sink bytes.Buffer
	if err := d.DecodeAvailable(&sink); err != ErrPeerClosed {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
}

type eofReader struct{}

func (eofReader) Read(p []byte) (int, error) { return 0, nil }

var errEAGAIN error = syscall.EAGAIN
