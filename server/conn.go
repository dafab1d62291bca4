package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"

	"jimrelay/protocol"
)

type State int

const (
	StateAccepted State = iota
	StateAwaitingPresence
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAwaitingPresence:
		return "awaiting_presence"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one client endpoint as seen by the relay loop.
type Conn struct {
	id           string
	netConn      net.Conn
	rawConn      syscall.RawConn
	remoteAddr   string
	identity     string
	state        State
	lastActivity time.Time
}

func newConn(nc net.Conn) *Conn {
	c := &Conn{
		id:           uuid.NewString(),
		netConn:      nc,
		remoteAddr:   nc.RemoteAddr().String(),
		state:        StateAccepted,
		lastActivity: time.Now(),
	}
	if sc, ok := nc.(syscall.Conn); ok {
		if raw, err := sc.SyscallConn(); err == nil {
			c.rawConn = raw
		}
	}
	return c
}

func (c *Conn) ID() string              { return c.id }
func (c *Conn) RemoteAddr() string      { return c.remoteAddr }
func (c *Conn) Identity() string        { return c.identity }
func (c *Conn) State() State            { return c.state }
func (c *Conn) LastActivity() time.Time { return c.lastActivity }

// host is the peer address without the port, as stored in logon history.
func (c *Conn) host() string {
	host, _, err := net.SplitHostPort(c.remoteAddr)
	if err != nil {
		return c.remoteAddr
	}
	return host
}

// fd exposes the socket descriptor for readiness polling. It is only valid
// while the connection is open, which the loop guarantees by polling
// registered connections only.
func (c *Conn) fd() (uintptr, bool) {
	if c.rawConn == nil {
		return 0, false
	}
	var fd uintptr
	if err := c.rawConn.Control(func(s uintptr) { fd = s }); err != nil {
		return 0, false
	}
	return fd, true
}

type readStatus int

const (
	readOK readStatus = iota
	readEOF
	readTimeout
	readFailed
	readMalformed
)

// readResult is the outcome of a single bounded read. The loop switches on
// status instead of treating every failure as an exception.
type readResult struct {
	status readStatus
	req    protocol.Request
	err    error
}

// readRequest performs exactly one read of at most len(buf) bytes and decodes
// it as a single packet.
func (c *Conn) readRequest(buf []byte, timeout time.Duration) readResult {
	if err := c.netConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return readResult{status: readFailed, err: fmt.Errorf("%w: %w", ErrTransport, err)}
	}

	n, err := c.netConn.Read(buf)
	if n == 0 {
		var netErr net.Error
		switch {
		case err == nil, errors.Is(err, io.EOF):
			return readResult{status: readEOF}
		case errors.As(err, &netErr) && netErr.Timeout():
			return readResult{status: readTimeout, err: fmt.Errorf("%w: %w", ErrTransport, err)}
		default:
			return readResult{status: readFailed, err: fmt.Errorf("%w: %w", ErrTransport, err)}
		}
	}
	c.lastActivity = time.Now()

	req, err := protocol.Decode(buf[:n])
	if err != nil {
		return readResult{status: readMalformed, err: fmt.Errorf("%w: %w", ErrProtocolViolation, err)}
	}
	return readResult{status: readOK, req: req}
}

func (c *Conn) write(payload []byte, timeout time.Duration) error {
	if err := c.netConn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if _, err := c.netConn.Write(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (c *Conn) close() error {
	c.state = StateClosed
	return c.netConn.Close()
}
