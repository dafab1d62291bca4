package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"jimrelay/db"
	"jimrelay/models"
	"jimrelay/protocol"
)

// readRequests performs one bounded read on every read-ready connection and
// collects the requests allowed on an active connection.
func (s *Server) readRequests(readable []*Conn) []pendingRequest {
	var pending []pendingRequest

	for _, c := range readable {
		if !s.registry.Contains(c) {
			continue
		}

		res := c.readRequest(s.buf, s.config.ReadTimeout)
		if res.status != readOK {
			if res.status != readEOF {
				s.logger.Debug("read failed", zap.String("conn", c.ID()), zap.Error(res.err))
			}
			s.drop(c, res.status.reason())
			continue
		}

		switch res.req.(type) {
		case protocol.Chat, protocol.AddContact, protocol.DelContact:
			pending = append(pending, pendingRequest{conn: c, req: res.req})
		default:
			s.logger.Info("unexpected request from active connection",
				zap.String("conn", c.ID()),
				zap.String("identity", c.Identity()),
				zap.String("action", string(res.req.Action())),
			)
			s.drop(c, reasonViolation)
		}
	}

	return pending
}

// writeResponses serves the pending batch in arrival order. Contact changes
// are answered to the requester only; chat messages go to every writable
// connection except the sender.
func (s *Server) writeResponses(ctx context.Context, pending []pendingRequest, writable []*Conn) {
	for _, p := range pending {
		s.metrics.requests.WithLabelValues(string(p.req.Action())).Inc()

		switch req := p.req.(type) {
		case protocol.AddContact:
			s.handleAddContact(ctx, p.conn, req)
		case protocol.DelContact:
			s.handleDeleteContact(ctx, p.conn, req)
		case protocol.Chat:
			s.broadcast(p.conn, req.Text, writable)
		}
	}
}

func (s *Server) handleAddContact(ctx context.Context, c *Conn, req protocol.AddContact) {
	owner, ok := s.registry.IdentityOf(c)
	if !ok {
		return
	}

	outcome, err := s.store.AddContact(ctx, owner, req.AccountName)
	resp := protocol.ResponseFor(outcome)
	if err != nil {
		s.logger.Error("add contact failed",
			zap.String("identity", owner), zap.String("contact", req.AccountName), zap.Error(err))
		resp = protocol.ServerError()
	} else if outcome != models.OutcomeOK {
		s.logger.Info("add contact refused",
			zap.String("identity", owner), zap.String("contact", req.AccountName), zap.Stringer("outcome", outcome))
	}

	s.send(c, protocol.EncodeResponse(resp))
}

func (s *Server) handleDeleteContact(ctx context.Context, c *Conn, req protocol.DelContact) {
	owner, ok := s.registry.IdentityOf(c)
	if !ok {
		return
	}

	resp := protocol.OK()
	if err := s.store.RemoveContact(ctx, owner, req.AccountName); err != nil {
		if errors.Is(err, db.ErrTargetMissing) {
			s.logger.Info("delete contact refused",
				zap.String("identity", owner), zap.String("contact", req.AccountName), zap.Error(err))
		} else {
			s.logger.Error("delete contact failed",
				zap.String("identity", owner), zap.String("contact", req.AccountName), zap.Error(err))
		}
		resp = protocol.ServerError()
	}

	s.send(c, protocol.EncodeResponse(resp))
}

// broadcast writes one freshly built msg to each writable recipient. A failed
// recipient is closed and the remaining recipients are still served.
func (s *Server) broadcast(sender *Conn, text string, writable []*Conn) {
	payload := protocol.Encode(protocol.ChatMessage(text))

	for _, r := range writable {
		if r == sender || r.state != StateActive || !s.registry.Contains(r) {
			continue
		}

		if err := r.write(payload, s.config.WriteTimeout); err != nil {
			s.metrics.deliveryFailures.Inc()
			s.logger.Warn("broadcast delivery failed",
				zap.String("conn", r.ID()),
				zap.String("identity", r.Identity()),
				zap.String("sender", sender.Identity()),
				zap.Error(err),
			)
			s.drop(r, reasonTransport)
			continue
		}
		s.metrics.deliveries.Inc()
	}
}
