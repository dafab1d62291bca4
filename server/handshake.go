package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"jimrelay/db"
	"jimrelay/protocol"
)

// admit runs the handshake for a freshly accepted connection before it is
// ever polled. It returns a request that arrived in the get_contacts window
// and must be served in the current iteration, if any.
func (s *Server) admit(ctx context.Context, nc net.Conn) *pendingRequest {
	c := newConn(nc)
	s.registry.Register(c)
	s.metrics.open.Set(float64(s.registry.Len()))
	c.state = StateAwaitingPresence

	log := s.logger.With(zap.String("conn", c.ID()), zap.String("remote", c.RemoteAddr()))

	res := c.readRequest(s.buf, s.config.HandshakeTimeout)
	if res.status != readOK {
		if res.status == readMalformed {
			s.reject(c, "first message must be a valid presence packet")
		}
		s.metrics.handshakes.WithLabelValues("rejected").Inc()
		log.Info("handshake rejected", zap.String("reason", res.status.reason()), zap.Error(res.err))
		s.drop(c, res.status.reason())
		return nil
	}

	presence, ok := res.req.(protocol.Presence)
	if !ok || presence.AccountName == "" {
		s.reject(c, "first message must be presence with an account name")
		s.metrics.handshakes.WithLabelValues("rejected").Inc()
		log.Info("handshake rejected", zap.String("action", string(res.req.Action())))
		s.drop(c, reasonViolation)
		return nil
	}
	name := presence.AccountName

	if err := s.ensureIdentity(ctx, name); err != nil {
		c.write(protocol.EncodeResponse(protocol.ServerError()), s.config.WriteTimeout)
		s.metrics.handshakes.WithLabelValues("failed").Inc()
		log.Error("handshake failed", zap.String("identity", name), zap.Error(err))
		s.drop(c, reasonPersistence)
		return nil
	}

	if err := s.store.RecordLogon(ctx, name, c.host(), time.Now()); err != nil {
		log.Warn("failed to record logon", zap.String("identity", name), zap.Error(err))
	}

	if err := s.send(c, protocol.EncodeResponse(protocol.OK())); err != nil {
		s.metrics.handshakes.WithLabelValues("failed").Inc()
		return nil
	}
	s.registry.Bind(c, name)
	c.state = StateActive

	s.metrics.handshakes.WithLabelValues("accepted").Inc()
	log.Info("handshake accepted", zap.String("identity", name))

	return s.awaitContactsRequest(ctx, c)
}

// reject answers a handshake violation with 400 on a best-effort basis.
func (s *Server) reject(c *Conn, text string) {
	c.write(protocol.EncodeResponse(protocol.WrongRequest(text)), s.config.WriteTimeout)
}

// ensureIdentity creates the identity on first presence. The existence check
// comes first so the duplicate path is only hit when another writer raced us.
func (s *Server) ensureIdentity(ctx context.Context, name string) error {
	exists, err := s.store.IdentityExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if exists {
		return nil
	}

	err = s.store.AddIdentity(ctx, name, "")
	switch {
	case err == nil:
		s.logger.Info("identity created", zap.String("identity", name))
	case errors.Is(err, db.ErrDuplicateIdentity):
		s.logger.Debug("identity already created", zap.String("identity", name))
	default:
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// awaitContactsRequest gives a new client one short window to ask for its
// contacts. Requests that are valid for an active connection are handed back
// to the loop; anything else closes the connection.
func (s *Server) awaitContactsRequest(ctx context.Context, c *Conn) *pendingRequest {
	res := c.readRequest(s.buf, s.config.ContactsWait)
	switch res.status {
	case readOK:
	case readTimeout:
		return nil
	default:
		s.drop(c, res.status.reason())
		return nil
	}

	switch req := res.req.(type) {
	case protocol.GetContacts:
		s.metrics.requests.WithLabelValues(string(req.Action())).Inc()
		s.answerContacts(ctx, c)
		return nil
	case protocol.Chat, protocol.AddContact, protocol.DelContact:
		return &pendingRequest{conn: c, req: req}
	default:
		s.logger.Info("unexpected request after presence",
			zap.String("conn", c.ID()), zap.String("action", string(req.Action())))
		s.drop(c, reasonViolation)
		return nil
	}
}

func (s *Server) answerContacts(ctx context.Context, c *Conn) {
	contacts, err := s.store.ListContacts(ctx, c.Identity())
	if err != nil {
		s.logger.Error("failed to list contacts", zap.String("identity", c.Identity()), zap.Error(err))
		s.send(c, protocol.EncodeResponse(protocol.ServerError()))
		return
	}

	if err := s.send(c, protocol.EncodeResponse(protocol.Accepted(len(contacts)))); err != nil {
		return
	}

	if !s.config.StreamContacts {
		return
	}
	for _, contact := range contacts {
		if err := s.send(c, protocol.Encode(protocol.ContactEntry(contact.Name))); err != nil {
			return
		}
	}
}
