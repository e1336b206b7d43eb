package rendezvous

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// staleAfter is the heuristic age at which a socket file with nothing
// listening behind it is treated as abandoned and removed rather than
// retried: the 300-second threshold spec.md's Open Questions attribute
// to the rendezvous collaborator, not the core.
const staleAfter = 300 * time.Second

// Dial connects to a running Master's rendezvous socket at path. If the
// path is too long for sun_path (a real constraint on Unix domain
// sockets, commonly hit once a temp directory is nested a few levels
// deep) it retries once after chdir'ing into the socket's directory, so
// the connect call can use a short relative path instead.
func Dial(path string) (*net.UnixConn, error) {
	conn, err := dialSocket(path)
	if err == nil {
		return conn, nil
	}
	// Go's sockaddr conversion reports an over-long sun_path as EINVAL.
	if !errors.Is(err, syscall.ENAMETOOLONG) && !errors.Is(err, syscall.EINVAL) {
		return nil, err
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		return nil, err
	}
	cwd, cerr := os.Getwd()
	if cerr != nil {
		return nil, err
	}
	if cerr := os.Chdir(dir); cerr != nil {
		return nil, err
	}
	defer os.Chdir(cwd)

	return dialSocket(base)
}

func dialSocket(path string) (*net.UnixConn, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		if isConnRefused(err) {
			removeIfStale(path)
		}
		return nil, fmt.Errorf("rendezvous: dial %s: %w", path, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("rendezvous: dial %s: not a unix socket", path)
	}
	return uc, nil
}

// removeIfStale unlinks a socket path whose file has not been touched
// in staleAfter and nothing answered its connect attempt: a dead
// master's abandoned socket file.
func removeIfStale(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return
	}
	if time.Since(fi.ModTime()) > staleAfter {
		os.Remove(path)
	}
}

func isConnRefused(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED)
}
