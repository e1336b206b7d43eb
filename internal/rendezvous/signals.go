package rendezvous

import (
	"os"
	"os/signal"
	"syscall"
)

// signalOutcome classifies how the attach loop's process should
// terminate after a caught signal.
type signalOutcome int

const (
	signalDetached signalOutcome = iota
	signalUnexpected
)

// signalBridge turns asynchronous os/signal delivery into a readable fd
// so AttachLoop's select loop can treat a caught signal as just another
// readiness event, the same self-pipe trick dtach's direct sigaction
// handler achieves by setting a flag checked around its select call.
type signalBridge struct {
	r, w *os.File
	ch   chan os.Signal
}

func newSignalBridge() (*signalBridge, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	sb := &signalBridge{r: r, w: w, ch: make(chan os.Signal, 8)}

	signal.Notify(sb.ch,
		syscall.SIGHUP, syscall.SIGINT,
		syscall.SIGTERM, syscall.SIGQUIT,
	)
	signal.Ignore(syscall.SIGPIPE, syscall.SIGXFSZ)

	go sb.pump()
	return sb, nil
}

func (sb *signalBridge) pump() {
	for sig := range sb.ch {
		var b byte
		switch sig {
		case syscall.SIGHUP, syscall.SIGINT:
			b = byte(signalDetached)
		default:
			b = byte(signalUnexpected)
		}
		if _, err := sb.w.Write([]byte{b}); err != nil {
			return
		}
	}
}

func (sb *signalBridge) close() {
	signal.Stop(sb.ch)
	close(sb.ch)
	sb.r.Close()
	sb.w.Close()
}

// read consumes the pending outcome byte from the pipe.
func (sb *signalBridge) read() (signalOutcome, error) {
	var buf [1]byte
	if _, err := sb.r.Read(buf[:]); err != nil {
		return 0, err
	}
	return signalOutcome(buf[0]), nil
}
