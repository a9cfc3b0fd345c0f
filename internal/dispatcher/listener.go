package dispatcher

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// buildUnixListener binds a UNIX-domain stream socket at path with the
// given listen backlog. net.Listen has no way to pass a backlog through,
// so the socket is built directly with the socket(2)/bind(2)/listen(2)
// sequence and handed to the runtime's poller via net.FileListener.
//
// A stale socket file at path is removed first, matching "removed on
// server start if stale."
func buildUnixListener(path string, backlog int) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd) //nolint:errcheck
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd) //nolint:errcheck
		return nil, fmt.Errorf("listen: %w", err)
	}

	// os.NewFile wraps the fd; net.FileListener dup()s it internally, so
	// the original file (and its fd) is safe to close once the listener
	// is built.
	f := os.NewFile(uintptr(fd), path)
	defer f.Close() //nolint:errcheck

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}
