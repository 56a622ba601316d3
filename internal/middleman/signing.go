package middleman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/concent-network/concent/internal/frame"
)

func (s *Server) acceptSigningService(ctx context.Context, g *errgroup.Group, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("middleman: accept signing service: %w", err)
		}
		g.Go(func() error { return s.serveSigningService(ctx, nc) })
	}
}

func (s *Server) serveSigningService(ctx context.Context, nc net.Conn) error {
	conn := frame.NewConn(nc, s.cfg.Key, s.cfg.SigningServicePublicKey)
	log := s.log.With("remote", nc.RemoteAddr().String())

	if !s.addCandidate(conn) {
		log.Warn("signing service already connected; closing new connection")
		_ = conn.Close()
		return nil
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := s.authenticate(conn); err != nil {
		s.dropCandidate(conn)
		_ = conn.Close()
		log.Warn("signing service handshake failed", "err", err)
		return nil
	}
	if !s.claim(conn) {
		_ = conn.Close()
		log.Warn("signing service already connected; closing new connection")
		return nil
	}
	log.Info("signing service connected")
	defer s.release(conn, log)

	return s.readResponses(ctx, conn, log)
}

// authenticate sends a random challenge and expects it back signed by the
// signing service key.
func (s *Server) authenticate(conn *frame.Conn) error {
	challenge, err := frame.NewChallengeBytes()
	if err != nil {
		return err
	}
	id := s.ids.Next()
	if err := conn.Write(frame.NewChallenge(id, challenge)); err != nil {
		return err
	}
	f, err := conn.ReadWithTimeout(s.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}
	if f.Type != frame.PayloadAuthResponse || f.RequestID != id {
		return fmt.Errorf("%w: got %s for request %d", ErrAuthentication, f.Type, f.RequestID)
	}
	if !frame.VerifyChallenge(challenge, f.Payload, s.cfg.SigningServicePublicKey) {
		return fmt.Errorf("%w: bad challenge signature", ErrAuthentication)
	}
	return nil
}

func (s *Server) addCandidate(conn *frame.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return false
	}
	s.candidates[conn] = struct{}{}
	return true
}

func (s *Server) dropCandidate(conn *frame.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.candidates, conn)
}

// claim makes conn the active signing service. The first authenticated
// connection wins and every other handshake in flight is cut off.
func (s *Server) claim(conn *frame.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.candidates, conn)
	if s.active != nil {
		return false
	}
	s.active = conn
	for other := range s.candidates {
		_ = other.Close()
		delete(s.candidates, other)
	}
	signingServiceConnected.Set(1)
	return true
}

// release detaches conn and fails every request still waiting on it.
func (s *Server) release(conn *frame.Conn, log *slog.Logger) {
	s.mu.Lock()
	if s.active != conn {
		s.mu.Unlock()
		return
	}
	s.active = nil
	signingServiceConnected.Set(0)
	pending := s.tracker.Drain()
	s.mu.Unlock()

	_ = conn.Close()
	log.Info("signing service disconnected", "pending", len(pending))
	for _, req := range pending {
		droppedMessages.WithLabelValues("signing_service_disconnected").Inc()
		c, ok := s.clients.get(req.ConnID)
		if !ok {
			continue
		}
		if !c.offer(frame.NewError(req.ConcentRequestID, frame.CodeSigningServiceUnavailable, "signing service disconnected")) {
			log.Warn("response queue full, dropping disconnect notice", "conn_id", req.ConnID, "concent_request_id", req.ConcentRequestID)
		}
	}
}

func (s *Server) signingService() *frame.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) closeSigningService() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		_ = s.active.Close()
	}
	for c := range s.candidates {
		_ = c.Close()
	}
}

func (s *Server) readResponses(ctx context.Context, conn *frame.Conn, log *slog.Logger) error {
	for {
		f, err := conn.Read()
		if err != nil {
			if code, ok := frame.CodeOf(err); ok {
				rejectedFrames.WithLabelValues("signing_service", code.String()).Inc()
				log.Warn("rejected signing service frame", "err", err)
				continue
			}
			if frame.IsDisconnect(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("middleman: read signing service: %w", err)
		}
		switch f.Type {
		case frame.PayloadHeartbeat:
		case frame.PayloadGolemMessage, frame.PayloadError:
			s.route(f, log)
		default:
			rejectedFrames.WithLabelValues("signing_service", frame.CodeUnexpectedMessage.String()).Inc()
			log.Warn("unexpected frame from signing service", "type", f.Type, "request_id", f.RequestID)
		}
	}
}

// route hands a signing service response back to the connection that asked,
// under the request id that connection used.
func (s *Server) route(f frame.Frame, log *slog.Logger) {
	req, lost, ok := s.tracker.Resolve(f.RequestID)
	for _, l := range lost {
		droppedMessages.WithLabelValues("lost").Inc()
		log.Warn("signing service skipped request", "conn_id", l.ConnID, "concent_request_id", l.ConcentRequestID, "kind", l.Kind)
	}
	if !ok {
		droppedMessages.WithLabelValues("untracked").Inc()
		log.Warn("response for untracked request", "request_id", f.RequestID, "type", f.Type)
		return
	}
	c, ok := s.clients.get(req.ConnID)
	if !ok {
		droppedMessages.WithLabelValues("client_gone").Inc()
		log.Info("dropping response for closed connection", "conn_id", req.ConnID, "concent_request_id", req.ConcentRequestID)
		return
	}
	if !c.offer(frame.Frame{RequestID: req.ConcentRequestID, Type: f.Type, Payload: f.Payload}) {
		droppedMessages.WithLabelValues("queue_full").Inc()
		log.Warn("response queue full, dropping response", "conn_id", req.ConnID, "concent_request_id", req.ConcentRequestID)
		return
	}
	routedResponses.Inc()
}
