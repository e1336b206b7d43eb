package rendezvous

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dvore/werm/internal/config"
)

// Broker owns the in-process set of running Masters, keyed by termid.
// It is the Go restatement of dtachorshell's create-or-attach decision:
// rather than fork/exec-ing a new process per session the way the
// source's dtach_main does, one broker process holds every session's
// Master goroutine and its PTY.
type Broker struct {
	cfg config.Config
	log *slog.Logger

	mu      sync.Mutex
	masters map[string]*Master
}

// NewBroker constructs a Broker over cfg.
func NewBroker(cfg config.Config, log *slog.Logger) *Broker {
	return &Broker{cfg: cfg, log: log, masters: make(map[string]*Master)}
}

// Ensure returns the running Master for termid, starting one (with the
// given pream and the configured default size) if none exists yet.
func (b *Broker) Ensure(termid, pream string) (*Master, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m, ok := b.masters[termid]; ok {
		return m, nil
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	log := b.log.With("termid", termid)
	m := NewMaster(b.cfg, termid, log)
	if err := m.Start(shell, b.cfg.DefaultRows, b.cfg.DefaultCols, pream); err != nil {
		return nil, fmt.Errorf("rendezvous: start master for %s: %w", termid, err)
	}
	if err := m.Listen(); err != nil {
		m.Close()
		return nil, fmt.Errorf("rendezvous: listen master for %s: %w", termid, err)
	}
	go func() {
		if err := m.Serve(); err != nil {
			log.Warn("rendezvous: master serve exited", "err", err)
		}
	}()

	b.masters[termid] = m
	return m, nil
}

// Drop closes and forgets the Master for termid, if one is running.
func (b *Broker) Drop(termid string) {
	b.mu.Lock()
	m, ok := b.masters[termid]
	if ok {
		delete(b.masters, termid)
	}
	b.mu.Unlock()
	if ok {
		m.Close()
	}
}

// Len reports how many sessions the broker currently holds, for
// diagnostics.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.masters)
}
