// Package rendezvous implements the Unix-domain-socket attach/master
// split: Master owns the PTY and the two "core" stream filters (the
// keystroke translator and the terminal filter); AttachLoop is the
// per-browser-connection readiness-multiplexed relay between a
// WebSocket client and a Master's socket.
package rendezvous

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/dvore/werm/internal/wsframe"
)

const attachReadBufSize = 4096

// wakeProbe is the 2-byte "\N" sequence written to the rendezvous
// socket immediately after connecting, telling the master it is safe
// to start reading: the no-op keystroke escape exists for exactly this
// purpose.
var wakeProbe = []byte{'\\', 'N'}

// ErrDetached is returned by Run when the process received SIGHUP or
// SIGINT: a clean, expected termination of the attach.
var ErrDetached = errors.New("rendezvous: detached")

// ErrUnexpectedSignal is returned when a fatal signal (SIGTERM, SIGQUIT,
// ...) terminated the attach.
var ErrUnexpectedSignal = errors.New("rendezvous: unexpected signal")

// AttachLoop binds one browser WebSocket connection to one rendezvous
// socket connection, decoding inbound WebSocket frames (C1) and
// re-framing outbound socket bytes for the browser.
type AttachLoop struct {
	client *os.File
	sock   *os.File

	dec     *wsframe.Decoder
	limiter *rate.Limiter
	log     *slog.Logger

	pending bytes.Buffer
	sb      *signalBridge
}

// NewAttachLoop constructs an AttachLoop over a hijacked browser
// connection and a dialed rendezvous socket connection. limiter may be
// nil to disable output rate limiting.
func NewAttachLoop(clientConn net.Conn, sockConn *net.UnixConn, limiter *rate.Limiter, log *slog.Logger) (*AttachLoop, error) {
	clientFile, err := fileOf(clientConn)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: client conn has no fd: %w", err)
	}
	sockFile, err := sockConn.File()
	if err != nil {
		return nil, fmt.Errorf("rendezvous: socket conn has no fd: %w", err)
	}

	al := &AttachLoop{
		client:  clientFile,
		sock:    sockFile,
		limiter: limiter,
		log:     log,
	}
	al.dec = wsframe.New(clientFile, clientFile, log)
	return al, nil
}

type fileConn interface {
	File() (*os.File, error)
}

func fileOf(c net.Conn) (*os.File, error) {
	fc, ok := c.(fileConn)
	if !ok {
		return nil, fmt.Errorf("connection type %T does not expose a file descriptor", c)
	}
	return fc.File()
}

// Run installs signal handling, sets both connections non-blocking, and
// enters the select-based relay loop described by the AttachLoop
// contract. It returns ErrDetached, ErrUnexpectedSignal, io.EOF (peer
// closed), or a fatal error.
func (al *AttachLoop) Run(ctx context.Context) error {
	if err := unix.SetNonblock(int(al.client.Fd()), true); err != nil {
		return fmt.Errorf("rendezvous: set client nonblocking: %w", err)
	}
	if err := unix.SetNonblock(int(al.sock.Fd()), true); err != nil {
		return fmt.Errorf("rendezvous: set socket nonblocking: %w", err)
	}

	sb, err := newSignalBridge()
	if err != nil {
		return fmt.Errorf("rendezvous: install signal handling: %w", err)
	}
	al.sb = sb
	defer sb.close()

	if _, err := al.sock.Write(wakeProbe); err != nil {
		return fmt.Errorf("rendezvous: write wake probe: %w", err)
	}

	clientFD := int(al.client.Fd())
	sockFD := int(al.sock.Fd())
	sigFD := int(sb.r.Fd())

	buf := make([]byte, attachReadBufSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var rfds, wfds unix.FdSet
		fdZero(&rfds)
		fdZero(&wfds)
		fdSet(&rfds, clientFD)
		fdSet(&rfds, sockFD)
		fdSet(&rfds, sigFD)
		if al.pending.Len() > 0 {
			fdSet(&wfds, sockFD)
		}

		maxFD := clientFD
		if sockFD > maxFD {
			maxFD = sockFD
		}
		if sigFD > maxFD {
			maxFD = sigFD
		}

		_, err := unix.Select(maxFD+1, &rfds, &wfds, nil, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("rendezvous: select: %w", err)
		}

		if fdIsSet(&rfds, sigFD) {
			outcome, err := sb.read()
			if err != nil {
				return fmt.Errorf("rendezvous: read signal pipe: %w", err)
			}
			if outcome == signalDetached {
				return ErrDetached
			}
			return ErrUnexpectedSignal
		}

		if fdIsSet(&rfds, sockFD) {
			n, err := al.sock.Read(buf)
			if err != nil && !isTransient(err) {
				return fmt.Errorf("rendezvous: read socket: %w", err)
			}
			if n == 0 && err == nil {
				return io.EOF
			}
			if n > 0 {
				if al.limiter != nil {
					_ = al.limiter.WaitN(ctx, n)
				}
				if err := wsframe.WriteFrame(al.client, buf[:n]); err != nil {
					return fmt.Errorf("rendezvous: write client frame: %w", err)
				}
			}
		}

		if fdIsSet(&rfds, clientFD) {
			if err := al.dec.DecodeAvailable(&al.pending); err != nil {
				if errors.Is(err, wsframe.ErrPeerClosed) {
					return io.EOF
				}
				return fmt.Errorf("rendezvous: decode client frame: %w", err)
			}
		}

		if fdIsSet(&wfds, sockFD) && al.pending.Len() > 0 {
			n, err := al.sock.Write(al.pending.Bytes())
			if n > 0 {
				al.pending.Next(n)
			}
			if err != nil && !isTransient(err) {
				return fmt.Errorf("rendezvous: write socket: %w", err)
			}
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EINTR)
}
