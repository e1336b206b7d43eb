package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dvore/werm/internal/config"
	"github.com/dvore/werm/internal/logger"
	"github.com/dvore/werm/internal/rendezvous"
)

// attachCmd drives a session directly from the invoking terminal,
// without a browser or WebSocket, exercising the same rendezvous
// socket and KeystrokeXlator/TermFilter encoding the browser path
// uses. It is the local developer/test equivalent of `wermd serve`.
func attachCmd() *cobra.Command {
	var termid string
	var configPath string

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach the current terminal directly to a running session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if termid == "" {
				return fmt.Errorf("--termid is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logger.New("attach").With("termid", termid)

			conn, err := rendezvous.Dial(cfg.SocketPath(termid))
			if err != nil {
				return fmt.Errorf("dial session %s: %w", termid, err)
			}
			defer conn.Close()

			stdinFD := int(os.Stdin.Fd())
			raw := isatty.IsTerminal(uintptr(stdinFD))

			var oldState *term.State
			if raw {
				oldState, err = term.MakeRaw(stdinFD)
				if err != nil {
					raw = false
				} else {
					defer term.Restore(stdinFD, oldState)
				}
			}

			winchCh := make(chan os.Signal, 1)
			if raw {
				signal.Notify(winchCh, syscall.SIGWINCH)
				defer signal.Stop(winchCh)
				go func() {
					for range winchCh {
						if w, h, err := term.GetSize(stdinFD); err == nil {
							sendWinsize(conn, h, w)
						}
					}
				}()
				if w, h, err := term.GetSize(stdinFD); err == nil {
					sendWinsize(conn, h, w)
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			errCh := make(chan error, 2)
			go func() { errCh <- copyStdinToSocket(ctx, conn) }()
			go func() { errCh <- decodeSocketToStdout(conn) }()

			err = <-errCh
			log.Info("attach: session ended", "err", err)
			return nil
		},
	}

	cmd.Flags().StringVar(&termid, "termid", "", "session identifier (required)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to werm.yaml")
	return cmd
}

// sendWinsize writes the `\w%04d%04d` escape the KeystrokeXlator's
// ModeWinSize parses, matching the mini-language a browser client
// sends on SIGWINCH.
func sendWinsize(w io.Writer, rows, cols int) {
	fmt.Fprintf(w, "\\w%04d%04d", rows%10000, cols%10000)
}

func copyStdinToSocket(ctx context.Context, conn io.Writer) error {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

// decodeSocketToStdout reverses TermFilter's client-bound encoding: a
// backslash followed by two lowercase hex digits is a raw byte, a
// backslash followed by one of the screen-mode mnemonics (s1, s2, ss,
// rs, cl) is consumed without printing, and everything else passes
// through.
func decodeSocketToStdout(conn io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			os.Stdout.Write(decodeRwout(buf[:n]))
		}
		if err != nil {
			return err
		}
	}
}

func decodeRwout(buf []byte) []byte {
	out := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\\' || i+1 >= len(buf) {
			out = append(out, buf[i])
			continue
		}
		if hv, ok := hexPairVal(buf, i+1); ok {
			out = append(out, hv)
			i += 2
			continue
		}
		if i+2 < len(buf) && isMnemonic(buf[i+1], buf[i+2]) {
			i += 2
			continue
		}
		out = append(out, buf[i])
	}
	return out
}

func hexPairVal(buf []byte, i int) (byte, bool) {
	if i+1 >= len(buf) {
		return 0, false
	}
	hi, ok1 := hexVal(buf[i])
	lo, ok2 := hexVal(buf[i+1])
	if !ok1 || !ok2 {
		return 0, false
	}
	return hi<<4 | lo, true
}

func hexVal(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	default:
		return 0, false
	}
}

func isMnemonic(a, b byte) bool {
	switch [2]byte{a, b} {
	case [2]byte{'s', '1'}, [2]byte{'s', '2'}, [2]byte{'s', 's'}, [2]byte{'r', 's'}, [2]byte{'c', 'l'}:
		return true
	default:
		return false
	}
}
