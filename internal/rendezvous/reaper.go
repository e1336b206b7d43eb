package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
)

// sweepInterval bounds how long an abandoned socket can sit unswept
// when its create/remove events are missed (a watch added after the
// file already existed, or an fsnotify event dropped under load).
const sweepInterval = 60 * time.Second

// Reaper watches a directory of rendezvous sockets, logging create and
// remove events, and periodically sweeps any socket file whose dead
// master left it behind: nothing answers a connect attempt and the
// file is older than staleAfter. This resolves the 300-second
// staleness heuristic as a background duty separate from the attach
// path, rather than every dial paying the stat-and-maybe-unlink cost.
type Reaper struct {
	dir string
	log *slog.Logger

	watcher *fsnotify.Watcher
	swept   atomic.Uint64
}

// NewReaper creates a Reaper over dir, which must already exist.
func NewReaper(dir string, log *slog.Logger) (*Reaper, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rendezvous: new watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("rendezvous: watch %s: %w", dir, err)
	}
	return &Reaper{dir: dir, log: log, watcher: w}, nil
}

// Run watches for filesystem events and runs periodic sweeps until ctx
// is canceled. It is meant to run in its own goroutine for the
// lifetime of the broker process.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	defer r.watcher.Close()

	r.sweep()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.logEvent(ev)
			if ev.Has(fsnotify.Create) {
				r.sweepOne(ev.Name)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("rendezvous: reaper watch error", "err", err)

		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) logEvent(ev fsnotify.Event) {
	if !strings.HasPrefix(filepath.Base(ev.Name), "dtach.") {
		return
	}
	r.log.Info("rendezvous: reaper socket event", "path", ev.Name, "op", ev.Op.String())
}

// sweep scans the watched directory once, removing every abandoned
// rendezvous socket it finds.
func (r *Reaper) sweep() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.log.Warn("rendezvous: reaper read dir", "dir", r.dir, "err", err)
		return
	}
	for _, ent := range entries {
		if !strings.HasPrefix(ent.Name(), "dtach.") {
			continue
		}
		r.sweepOne(filepath.Join(r.dir, ent.Name()))
	}
}

// sweepOne removes path if it is a socket with nothing listening
// behind it and it has sat untouched longer than staleAfter.
func (r *Reaper) sweepOne(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return
	}
	if time.Since(fi.ModTime()) <= staleAfter {
		return
	}
	if r.alive(path) {
		return
	}
	if err := os.Remove(path); err != nil {
		r.log.Warn("rendezvous: reaper remove stale socket", "path", path, "err", err)
		return
	}
	n := r.swept.Add(1)
	r.log.Info("rendezvous: reaper swept stale socket", "path", path, "size", humanize.Bytes(uint64(fi.Size())), "total_swept", n)
}

// alive reports whether a Master is still listening on path.
func (r *Reaper) alive(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Swept returns the number of stale sockets removed so far.
func (r *Reaper) Swept() uint64 {
	return r.swept.Load()
}
