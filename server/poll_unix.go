//go:build unix

package server

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

const pollSupported = true

// poll asks the kernel which connections have pending input and which can
// accept output, waiting at most timeout. Hang-ups and socket errors are
// reported as readable so that the following read surfaces them.
func poll(conns []*Conn, timeout time.Duration) (readiness, error) {
	var r readiness

	fds := make([]unix.PollFd, 0, len(conns))
	polled := make([]*Conn, 0, len(conns))
	for _, c := range conns {
		fd, ok := c.fd()
		if !ok {
			r.broken = append(r.broken, c)
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN | unix.POLLOUT})
		polled = append(polled, c)
	}

	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return r, nil
		}
		return r, err
	}
	if n == 0 {
		return r, nil
	}

	for i, pfd := range fds {
		c := polled[i]
		if pfd.Revents&unix.POLLNVAL != 0 {
			r.broken = append(r.broken, c)
			continue
		}
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			r.readable = append(r.readable, c)
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			r.writable = append(r.writable, c)
		}
	}
	return r, nil
}
