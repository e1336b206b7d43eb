package rendezvous

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dvore/werm/internal/logger"
)

func TestReaper_SweepsDeadSocket(t *testing.T) {
	dir := t.TempDir()
	log := logger.New("test")

	// A socket file with nothing listening behind it, backdated past
	// staleAfter.
	path := filepath.Join(dir, "dtach.dead")
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	lis, err := net.ListenUnix("unix", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	lis.SetUnlinkOnClose(false)
	lis.Close()

	old := time.Now().Add(-staleAfter - time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	r, err := NewReaper(dir, log)
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}
	r.sweep()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected stale socket to be removed, stat err = %v", err)
	}
	if r.Swept() != 1 {
		t.Fatalf("Swept() = %d want 1", r.Swept())
	}
}

func TestReaper_KeepsLiveSocket(t *testing.T) {
	dir := t.TempDir()
	log := logger.New("test")

	path := filepath.Join(dir, "dtach.live")
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	lis, err := net.ListenUnix("unix", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()
	go func() {
		for {
			c, err := lis.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	old := time.Now().Add(-staleAfter - time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	r, err := NewReaper(dir, log)
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}
	r.sweep()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected live socket to survive, stat err = %v", err)
	}
	if r.Swept() != 0 {
		t.Fatalf("Swept() = %d want 0", r.Swept())
	}
}

func TestReaper_KeepsFreshDeadSocket(t *testing.T) {
	dir := t.TempDir()
	log := logger.New("test")

	path := filepath.Join(dir, "dtach.fresh")
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	lis, err := net.ListenUnix("unix", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	lis.SetUnlinkOnClose(false)
	lis.Close() // dead, but mtime is fresh

	r, err := NewReaper(dir, log)
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}
	r.sweep()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected fresh dead socket to survive one sweep, stat err = %v", err)
	}
}

func TestReaper_RunStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	log := logger.New("test")

	r, err := NewReaper(dir, log)
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
