package rendezvous

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dvore/werm/internal/config"
	"github.com/dvore/werm/internal/logger"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Defaults()
	cfg.StateDir = t.TempDir()
	return cfg
}

func TestMaster_EchoRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	log := logger.New("test")

	m := NewMaster(cfg, "t1", log)
	if err := m.Start("/bin/sh", 24, 80, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	if err := m.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go m.Serve()

	conn, err := net.Dial("unix", cfg.SocketPath("t1"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("echo hello\\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got bytes.Buffer
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := conn.Read(buf)
		if n > 0 {
			got.Write(buf[:n])
			if bytes.Contains(got.Bytes(), []byte("hello")) {
				return
			}
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("expected shell echo output to contain %q, got %q", "hello", got.String())
}

func TestMaster_TextLogFileCreated(t *testing.T) {
	cfg := testConfig(t)
	log := logger.New("test")

	m := NewMaster(cfg, "t2", log)
	if err := m.Start("/bin/sh", 24, 80, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	path := cfg.LogPath("t2", "")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected text log at %s: %v", path, err)
	}
	rawPath := cfg.LogPath("t2", ".raw")
	if _, err := os.Stat(rawPath); err != nil {
		t.Fatalf("expected raw log at %s: %v", rawPath, err)
	}
}

func TestMaster_SocketPathUnderStateDir(t *testing.T) {
	cfg := testConfig(t)
	got := cfg.SocketPath("abc")
	want := filepath.Join(cfg.StateDir, "dtach.abc")
	if got != want {
		t.Fatalf("SocketPath = %q want %q", got, want)
	}
}
