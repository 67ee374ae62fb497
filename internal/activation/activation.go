// Package activation provides the HTTP listener for serve mode, preferring a
// socket handed over by systemd (sd_listen_fds protocol).
package activation

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is the first descriptor systemd passes (after stdin, stdout, stderr).
const firstFD = 3

// activatedCount returns how many sockets systemd passed to the process with
// id self. A LISTEN_PID naming another process means none.
func activatedCount(listenPID, listenFDs string, self int) (int, error) {
	if listenPID == "" || listenFDs == "" {
		return 0, nil
	}

	pid, err := strconv.Atoi(listenPID)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", listenPID, err)
	}
	if pid != self {
		return 0, nil
	}

	n, err := strconv.Atoi(listenFDs)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", listenFDs, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: negative count", listenFDs)
	}
	return n, nil
}

// Listeners returns the sockets systemd passed to this process, or nil when
// the process was not socket activated. The activation variables are removed
// from the environment so children do not inherit them.
func Listeners() ([]net.Listener, error) {
	n, err := activatedCount(os.Getenv("LISTEN_PID"), os.Getenv("LISTEN_FDS"), os.Getpid())
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := range n {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		// the listener dups the descriptor, so the file can be closed
		ln, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, ln)
	}

	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// Listen returns the first systemd socket when activated, otherwise a TCP
// listener on addr. activated reports which one it is. Extra activated
// sockets are closed.
func Listen(addr string) (ln net.Listener, activated bool, err error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, false, err
	}
	if len(listeners) > 0 {
		closeAll(listeners[1:])
		return listeners[0], true, nil
	}

	if addr == "" {
		return nil, false, errors.New("no listen address configured")
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}
