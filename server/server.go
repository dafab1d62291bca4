package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"jimrelay/models"
	"jimrelay/protocol"
)

// ContactStore is the persistence the relay needs. Every call commits on its
// own.
type ContactStore interface {
	IdentityExists(ctx context.Context, name string) (bool, error)
	AddIdentity(ctx context.Context, name, info string) error
	AddContact(ctx context.Context, owner, target string) (models.Outcome, error)
	RemoveContact(ctx context.Context, owner, target string) error
	ListContacts(ctx context.Context, owner string) ([]models.Identity, error)
	RecordLogon(ctx context.Context, name, address string, at time.Time) error
}

type ServerConfig struct {
	Address          string
	Port             int
	AcceptTimeout    time.Duration
	PollTimeout      time.Duration
	HandshakeTimeout time.Duration
	ContactsWait     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	// StreamContacts sends one contact_list message per contact after the
	// 202 answer to get_contacts.
	StreamContacts bool
}

type Server struct {
	store    ContactStore
	config   *ServerConfig
	logger   *zap.Logger
	registry *Registry
	metrics  *metrics
	listener *net.TCPListener
	buf      []byte
}

// pendingRequest is a decoded request waiting for the write phase of the
// current iteration.
type pendingRequest struct {
	conn *Conn
	req  protocol.Request
}

const (
	reasonEOF         = "eof"
	reasonTimeout     = "timeout"
	reasonTransport   = "transport"
	reasonMalformed   = "malformed"
	reasonViolation   = "violation"
	reasonPersistence = "persistence"
	reasonPoll        = "poll"
	reasonShutdown    = "shutdown"
)

func (s readStatus) reason() string {
	switch s {
	case readEOF:
		return reasonEOF
	case readTimeout:
		return reasonTimeout
	case readMalformed:
		return reasonMalformed
	default:
		return reasonTransport
	}
}

func New(store ContactStore, config *ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AcceptTimeout <= 0 {
		config.AcceptTimeout = 20 * time.Millisecond
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 100 * time.Millisecond
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.ContactsWait <= 0 {
		config.ContactsWait = 300 * time.Millisecond
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	return &Server{
		store:    store,
		config:   config,
		logger:   logger,
		registry: NewRegistry(),
		metrics:  newMetrics(),
		buf:      make([]byte, protocol.MaxPacketSize),
	}
}

// Metrics returns the registry holding the relay's collectors.
func (s *Server) Metrics() *prometheus.Registry {
	return s.metrics.registry
}

// Listen binds the listening socket. Failure here is the only error that is
// fatal to the process.
func (s *Server) Listen() error {
	if !pollSupported {
		return fmt.Errorf("%w: readiness polling unavailable on this platform", ErrConfiguration)
	}

	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %w", ErrConfiguration, addr, err)
	}
	s.listener = listener.(*net.TCPListener)
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the configured address and runs the relay loop until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the relay loop on the calling goroutine. All connection state is
// confined to it.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("%w: server is not listening", ErrConfiguration)
	}

	s.logger.Info("relay listening", zap.String("address", s.listener.Addr().String()))

	for ctx.Err() == nil {
		s.step(ctx)
	}

	return s.shutdown()
}

// step is one iteration of the loop: admit at most one connection, poll,
// read, then answer and broadcast.
func (s *Server) step(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in relay loop", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	var pending []pendingRequest
	if early := s.acceptOne(ctx); early != nil {
		pending = append(pending, *early)
	}

	ready, err := poll(s.registry.Active(), s.config.PollTimeout)
	if err != nil {
		s.logger.Warn("readiness poll failed", zap.Error(err))
	}
	for _, c := range ready.broken {
		s.drop(c, reasonPoll)
	}

	pending = append(pending, s.readRequests(ready.readable)...)
	s.writeResponses(ctx, pending, ready.writable)
}

func (s *Server) acceptOne(ctx context.Context) *pendingRequest {
	if err := s.listener.SetDeadline(time.Now().Add(s.config.AcceptTimeout)); err != nil {
		s.logger.Warn("failed to set accept deadline", zap.Error(err))
		return nil
	}

	nc, err := s.listener.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		s.logger.Warn("accept failed", zap.Error(err))
		return nil
	}

	s.metrics.accepted.Inc()
	return s.admit(ctx, nc)
}

// drop moves c to CLOSED: it leaves the registry and its socket is released.
// Dropping an already closed connection does nothing.
func (s *Server) drop(c *Conn, reason string) {
	if !s.registry.Unregister(c) {
		return
	}
	if err := c.close(); err != nil {
		s.logger.Debug("close failed", zap.String("conn", c.ID()), zap.Error(err))
	}

	s.metrics.closed.WithLabelValues(reason).Inc()
	s.metrics.open.Set(float64(s.registry.Len()))
	s.logger.Info("connection closed",
		zap.String("conn", c.ID()),
		zap.String("remote", c.RemoteAddr()),
		zap.String("identity", c.Identity()),
		zap.String("reason", reason),
	)
}

// send writes a payload to c and closes c if the write fails.
func (s *Server) send(c *Conn, payload []byte) error {
	if err := c.write(payload, s.config.WriteTimeout); err != nil {
		s.drop(c, reasonTransport)
		return err
	}
	return nil
}

func (s *Server) shutdown() error {
	var err error
	for _, c := range s.registry.All() {
		s.registry.Unregister(c)
		if closeErr := c.close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = multierr.Append(err, closeErr)
		}
		s.metrics.closed.WithLabelValues(reasonShutdown).Inc()
	}
	s.metrics.open.Set(0)

	if closeErr := s.listener.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		err = multierr.Append(err, closeErr)
	}

	s.logger.Info("relay stopped")
	return err
}
