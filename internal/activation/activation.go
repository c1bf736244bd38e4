// Package activation picks up sockets passed by systemd socket activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is the first descriptor systemd passes (after stdin, stdout, stderr).
const firstFD = 3

// env abstracts the process environment for tests.
type env struct {
	getenv func(string) string
	pid    int
}

func processEnv() env {
	return env{getenv: os.Getenv, pid: os.Getpid()}
}

// Listen returns the first socket-activated listener when the process was
// started by systemd with LISTEN_FDS, and a fresh TCP listener on addr
// otherwise. The bool reports whether the listener was inherited.
func Listen(addr string) (net.Listener, bool, error) {
	n, err := processEnv().count()
	if err != nil {
		return nil, false, err
	}
	if n > 0 {
		ln, err := fileListener(firstFD)
		if err != nil {
			return nil, false, err
		}
		for _, key := range []string{"LISTEN_PID", "LISTEN_FDS", "LISTEN_FDNAMES"} {
			_ = os.Unsetenv(key)
		}
		return ln, true, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

// count returns how many descriptors were passed to this process. Sockets
// meant for another process (LISTEN_PID mismatch) count as none.
func (e env) count() (int, error) {
	pidStr := e.getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != e.pid {
		return 0, nil
	}

	fdsStr := e.getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q", fdsStr)
	}
	return n, nil
}

func fileListener(fd int) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", fd-firstFD))
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", fd)
	}
	defer func() {
		_ = file.Close()
	}()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return ln, nil
}
