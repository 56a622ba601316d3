// Package middleman relays signed frames between control-plane connections
// and the single signing service attached to it.
//
// Each control-plane connection has a reader feeding one shared request queue
// and a writer draining its own response queue. One forwarder drains the
// request queue in order, re-keys each request with a relay-local id and sends
// it to the signing service. The signing service answers in the order it was
// asked, which lets the response reader detect requests it dropped.
package middleman

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/concent-network/concent/internal/frame"
	"github.com/concent-network/concent/internal/message"
)

var (
	ErrInvalidConfig  = errors.New("middleman: invalid config")
	ErrAuthentication = errors.New("middleman: signing service authentication failed")
)

type Config struct {
	// Key signs every frame the relay writes.
	Key *ecdsa.PrivateKey
	// ConcentPublicKey must have signed frames from control-plane connections.
	ConcentPublicKey message.PublicKey
	// SigningServicePublicKey must have signed frames and the challenge
	// response from the signing service.
	SigningServicePublicKey message.PublicKey

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration

	RequestQueueSize  int
	ResponseQueueSize int

	// Report receives errors that stop the relay. Defaults to logging them.
	Report func(error)

	Now func() time.Time
}

type request struct {
	connID    uint64
	concentID uint32
	msg       message.Message
	payload   []byte
	at        time.Time
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	tracker  *Tracker
	ids      idGenerator
	clients  *registry
	requests chan request

	mu         sync.Mutex
	active     *frame.Conn
	candidates map[*frame.Conn]struct{}
}

func New(cfg Config, log *slog.Logger) (*Server, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("%w: relay key required", ErrInvalidConfig)
	}
	if cfg.ConcentPublicKey.IsZero() || cfg.SigningServicePublicKey.IsZero() {
		return nil, fmt.Errorf("%w: concent and signing service public keys required", ErrInvalidConfig)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.RequestQueueSize <= 0 {
		cfg.RequestQueueSize = 256
	}
	if cfg.ResponseQueueSize <= 0 {
		cfg.ResponseQueueSize = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Report == nil {
		cfg.Report = func(err error) { log.Error("middleman stopped", "err", err) }
	}
	return &Server{
		cfg:        cfg,
		log:        log,
		tracker:    NewTracker(),
		clients:    newRegistry(),
		requests:   make(chan request, cfg.RequestQueueSize),
		candidates: make(map[*frame.Conn]struct{}),
	}, nil
}

// Serve runs the relay until ctx is done. Control-plane clients connect to
// internal, the signing service to external. Cancellation is a clean exit;
// any other error is reported and returned.
func (s *Server) Serve(ctx context.Context, internal, external net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		_ = internal.Close()
		_ = external.Close()
		s.clients.closeAll()
		s.closeSigningService()
	})
	defer stop()

	g.Go(func() error { return s.acceptClients(gctx, g, internal) })
	g.Go(func() error { return s.acceptSigningService(gctx, g, external) })
	g.Go(func() error { return s.forwardRequests(gctx) })
	g.Go(func() error { return s.heartbeat(gctx) })

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		s.cfg.Report(err)
		return err
	}
	return nil
}

func (s *Server) acceptClients(ctx context.Context, g *errgroup.Group, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("middleman: accept client: %w", err)
		}
		g.Go(func() error { return s.serveClient(ctx, nc) })
	}
}

func (s *Server) serveClient(ctx context.Context, nc net.Conn) error {
	c := s.clients.add(frame.NewConn(nc, s.cfg.Key, s.cfg.ConcentPublicKey), s.cfg.ResponseQueueSize)
	defer s.clients.remove(c.id)
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	log := s.log.With("conn_id", c.id, "remote", nc.RemoteAddr().String())
	log.Info("client connected")

	writeErr := make(chan error, 1)
	go func() { writeErr <- s.writeResponses(c) }()

	err := s.readRequests(ctx, c, log)
	c.close()
	if werr := <-writeErr; err == nil {
		err = werr
	}
	log.Info("client disconnected")
	return err
}

// readRequests feeds the shared request queue. Frames that fail to decode are
// answered on the connection's own queue and never forwarded.
func (s *Server) readRequests(ctx context.Context, c *client, log *slog.Logger) error {
	for {
		f, err := c.conn.Read()
		if err != nil {
			if code, ok := frame.CodeOf(err); ok {
				rejectedFrames.WithLabelValues("client", code.String()).Inc()
				log.Warn("rejected client frame", "err", err)
				if !c.push(ctx, frame.NewErrorFor(err)) {
					return nil
				}
				continue
			}
			if frame.IsDisconnect(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("middleman: read client %d: %w", c.id, err)
		}

		switch f.Type {
		case frame.PayloadGolemMessage:
		case frame.PayloadHeartbeat:
			continue
		default:
			rejectedFrames.WithLabelValues("client", frame.CodeUnexpectedMessage.String()).Inc()
			if !c.push(ctx, frame.NewError(f.RequestID, frame.CodeUnexpectedMessage, "unexpected "+f.Type.String())) {
				return nil
			}
			continue
		}
		m, err := f.GolemMessage()
		if err != nil {
			if !c.push(ctx, frame.NewErrorFor(err)) {
				return nil
			}
			continue
		}

		req := request{connID: c.id, concentID: f.RequestID, msg: m, payload: f.Payload, at: s.cfg.Now()}
		select {
		case s.requests <- req:
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) writeResponses(c *client) error {
	for {
		select {
		case <-c.done:
			return nil
		case f := <-c.out:
			if err := c.conn.Write(f); err != nil {
				c.close()
				if frame.IsDisconnect(err) {
					return nil
				}
				return fmt.Errorf("middleman: write client %d: %w", c.id, err)
			}
		}
	}
}

func (s *Server) forwardRequests(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.requests:
			if err := s.forward(ctx, req); err != nil {
				return err
			}
		}
	}
}

func (s *Server) forward(ctx context.Context, req request) error {
	c, ok := s.clients.get(req.connID)
	if !ok {
		droppedMessages.WithLabelValues("client_gone").Inc()
		s.log.Info("dropping request from closed connection", "conn_id", req.connID, "concent_request_id", req.concentID, "kind", req.msg.Kind())
		return nil
	}

	var id uint32
	s.mu.Lock()
	ss := s.active
	if ss != nil {
		id = s.ids.Next()
		s.tracker.Add(id, TrackedRequest{
			ConnID:           req.connID,
			ConcentRequestID: req.concentID,
			Kind:             req.msg.Kind().String(),
			ForwardedAt:      req.at,
		})
	}
	s.mu.Unlock()

	if ss == nil {
		droppedMessages.WithLabelValues("signing_service_unavailable").Inc()
		c.push(ctx, frame.NewError(req.concentID, frame.CodeSigningServiceUnavailable, "signing service not connected"))
		return nil
	}
	if err := ss.Write(frame.NewGolemMessage(id, req.payload)); err != nil {
		if frame.IsDisconnect(err) {
			// The response reader sees the broken link and fails what is tracked.
			_ = ss.Close()
			return nil
		}
		return fmt.Errorf("middleman: forward request %d: %w", id, err)
	}
	forwardedRequests.Inc()
	return nil
}

func (s *Server) heartbeat(ctx context.Context) error {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			ss := s.signingService()
			if ss == nil {
				continue
			}
			if err := ss.Write(frame.NewHeartbeat()); err != nil {
				if frame.IsDisconnect(err) {
					continue
				}
				return fmt.Errorf("middleman: heartbeat: %w", err)
			}
			heartbeatsSent.Inc()
		}
	}
}
