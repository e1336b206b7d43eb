package rendezvous

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/dvore/werm/internal/config"
	"github.com/dvore/werm/internal/diag"
	"github.com/dvore/werm/internal/keystroke"
	"github.com/dvore/werm/internal/logger"
	"github.com/dvore/werm/internal/termfilter"
)

const ptyReadBufSize = 4096

// Master owns one session's PTY-backed shell and the C2/C3 state that
// processes bytes flowing to and from it. It listens on a Unix-domain
// rendezvous socket and serves any number of AttachLoop connections,
// broadcasting shell output to all of them and feeding keystrokes from
// any of them into the shared KeystrokeXlator — the generalization of
// the source's single process-wide `wts` aggregate to a per-session,
// freely constructible value (C4).
type Master struct {
	cfg    config.Config
	termID string
	log    *slog.Logger

	ptmx *os.File
	cmd  *exec.Cmd

	xlator *keystroke.Xlator
	filter *termfilter.Filter

	textLog *os.File
	rawLog  *os.File

	listener *net.UnixListener

	mu        sync.Mutex
	conns     map[*net.UnixConn]struct{}
	pream     string
	preamSent bool
	closed    bool
}

// NewMaster constructs a Master for termID. Call Start to spawn the
// shell and Serve to begin accepting attach connections.
func NewMaster(cfg config.Config, termID string, log *slog.Logger) *Master {
	m := &Master{
		cfg:    cfg,
		termID: termID,
		log:    log,
		xlator: keystroke.New(log),
		filter: termfilter.New(log),
		conns:  make(map[*net.UnixConn]struct{}),
	}
	m.filter.DumpFunc = func(reason string) {
		m.writeDump()
		logger.Fatal(m.log, "rendezvous: termfilter fatal invariant violation", "termid", termID, "reason", reason)
	}
	return m
}

// Start spawns shell under a PTY of the given size, opens the text and
// raw logs, and begins the PTY-read broadcast loop. pream, if
// non-empty, is written verbatim to the PTY the first time a client
// attaches (Accept), matching send_pream's once-only semantics.
func (m *Master) Start(shell string, rows, cols int, pream string) error {
	m.pream = pream
	m.filter.SwRow, m.filter.SwCol = rows, cols

	cmd := exec.Command(shell)
	cmd.Env = config.SanitizeEnv(os.Environ())

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return fmt.Errorf("rendezvous: start pty: %w", err)
	}
	m.ptmx = ptmx
	m.cmd = cmd

	textPath := m.cfg.LogPath(m.termID, "")
	if f, err := os.OpenFile(textPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600); err != nil {
		m.log.Warn("rendezvous: open text log", "path", textPath, "err", err)
	} else {
		m.textLog = f
		m.filter.TextLog = f
	}
	rawPath := m.cfg.LogPath(m.termID, ".raw")
	if f, err := os.OpenFile(rawPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600); err != nil {
		m.log.Warn("rendezvous: open raw log", "path", rawPath, "err", err)
	} else {
		m.rawLog = f
		m.filter.RawLog = f
	}

	go m.readPTYLoop()
	return nil
}

// Listen creates the Unix-domain rendezvous socket at the
// configuration's socket path for this termID.
func (m *Master) Listen() error {
	path := m.cfg.SocketPath(m.termID)
	os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return fmt.Errorf("rendezvous: resolve %s: %w", path, err)
	}
	lis, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("rendezvous: listen %s: %w", path, err)
	}
	os.Chmod(path, 0600)
	m.listener = lis
	return nil
}

// Serve accepts attach connections until the listener is closed.
func (m *Master) Serve() error {
	for {
		conn, err := m.listener.AcceptUnix()
		if err != nil {
			m.mu.Lock()
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("rendezvous: accept: %w", err)
		}
		m.onAttach(conn)
		go m.handleConn(conn)
	}
}

// onAttach registers conn as a broadcast target and, on the very first
// attach, writes the preamble command directly to the PTY.
func (m *Master) onAttach(conn *net.UnixConn) {
	m.mu.Lock()
	m.conns[conn] = struct{}{}
	firstAttach := !m.preamSent
	m.preamSent = true
	pream := m.pream
	m.mu.Unlock()

	if firstAttach && pream != "" && m.ptmx != nil {
		if _, err := m.ptmx.Write([]byte(pream)); err != nil {
			m.log.Warn("rendezvous: write preamble", "err", err)
		}
	}
}

// handleConn reads keystroke-language bytes from one attached socket,
// translates them through the shared Xlator, and writes the resulting
// PTY bytes and any window-size change.
func (m *Master) handleConn(conn *net.UnixConn) {
	defer m.dropConn(conn)

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			m.mu.Lock()
			m.xlator.AppCursor = m.filter.AppCursor
			result := m.xlator.Translate(buf[:n], m.onDumpEscape)
			if result.SendSigwin {
				m.filter.SwRow = int(m.xlator.Row)
				m.filter.SwCol = int(m.xlator.Col)
			}
			m.mu.Unlock()

			if len(result.Keys) > 0 && m.ptmx != nil {
				if _, werr := m.ptmx.Write(result.Keys); werr != nil {
					m.log.Warn("rendezvous: write pty", "err", werr)
				}
			}
			if result.SendSigwin && m.ptmx != nil {
				pty.Setsize(m.ptmx, &pty.Winsize{
					Rows: m.xlator.Row,
					Cols: m.xlator.Col,
				})
			}
		}
		if err != nil {
			return
		}
	}
}

// onDumpEscape is the Xlator's DumpFunc: invoked synchronously when a
// client sends the `\d` diagnostic escape.
func (m *Master) onDumpEscape() {
	m.log.Info("rendezvous: dump requested via \\d escape", "termid", m.termID)
	m.writeDump()
}

// writeDump snapshots the shared C2/C3 state and writes it to
// /tmp/dump.<pid>.<seq>, the Go restatement of the source's single
// dump() covering the one process-wide wts aggregate.
func (m *Master) writeDump() {
	lineBuf, linePos, lineSz := m.filter.LineState()
	escBuf, escSz := m.filter.EscState()
	path, err := diag.Dump(diag.State{
		Escp:      m.xlator.ModeTag(),
		LineBuf:   lineBuf,
		LinePos:   linePos,
		LineSz:    lineSz,
		EscBuf:    escBuf,
		EscSz:     escSz,
		AltScreen: m.filter.AltScreen,
		AppCursor: m.filter.AppCursor,
	})
	if err != nil {
		m.log.Warn("rendezvous: write state dump", "err", err)
		return
	}
	m.log.Info("rendezvous: wrote state dump", "path", path)
}

func (m *Master) dropConn(conn *net.UnixConn) {
	m.mu.Lock()
	delete(m.conns, conn)
	m.mu.Unlock()
	conn.Close()
}

// readPTYLoop reads shell output, pushes it through the shared
// TermFilter, and broadcasts the client-bound bytes to every attached
// socket.
func (m *Master) readPTYLoop() {
	buf := make([]byte, ptyReadBufSize)
	for {
		n, err := m.ptmx.Read(buf)
		if n > 0 {
			m.mu.Lock()
			out := m.filter.Process(buf[:n])
			targets := make([]*net.UnixConn, 0, len(m.conns))
			for c := range m.conns {
				targets = append(targets, c)
			}
			outCopy := append([]byte(nil), out...)
			m.mu.Unlock()

			for _, c := range targets {
				if _, werr := c.Write(outCopy); werr != nil {
					m.log.Warn("rendezvous: broadcast write", "err", werr)
				}
			}
		}
		if err != nil {
			m.log.Info("rendezvous: pty closed", "termid", m.termID, "err", err)
			return
		}
	}
}

// Close terminates the shell, closes the listener, and drops every
// attached connection.
func (m *Master) Close() error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*net.UnixConn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	if m.listener != nil {
		m.listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	if m.ptmx != nil {
		m.ptmx.Close()
	}
	if m.cmd != nil && m.cmd.Process != nil {
		m.cmd.Process.Kill()
	}
	if m.textLog != nil {
		m.textLog.Close()
	}
	if m.rawLog != nil {
		m.rawLog.Close()
	}
	os.Remove(m.cfg.SocketPath(m.termID))
	return nil
}
