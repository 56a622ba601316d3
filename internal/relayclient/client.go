// Package relayclient signs transactions remotely: it sends signing requests
// through the relay and waits for the signing service's answer.
package relayclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concent-network/concent/internal/frame"
	"github.com/concent-network/concent/internal/ledger/chain"
	"github.com/concent-network/concent/internal/message"
)

var (
	ErrInvalidConfig = errors.New("relayclient: invalid config")
	// ErrUnavailable means the request never reached a signing service or
	// the link broke before it answered. The request may be retried.
	ErrUnavailable     = errors.New("relayclient: signing service unavailable")
	ErrInvalidResponse = errors.New("relayclient: invalid response")
	ErrRelay           = errors.New("relayclient: relay error")
	ErrClosed          = errors.New("relayclient: closed")
)

type Config struct {
	Addr string
	// Key signs frames and requests; the relay and the signing service know
	// it as the broker's key.
	Key                     *ecdsa.PrivateKey
	MiddleManPublicKey      message.PublicKey
	SigningServicePublicKey message.PublicKey

	RequestTimeout time.Duration

	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Client is safe for concurrent use. It keeps one connection to the relay
// and opens a new one after the previous one breaks.
type Client struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	sess   *session
	nextID uint32
	closed bool
}

var _ chain.TransactionSigner = (*Client)(nil)

func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.Addr == "" || cfg.Key == nil {
		return nil, fmt.Errorf("%w: relay address and key required", ErrInvalidConfig)
	}
	if cfg.MiddleManPublicKey.IsZero() || cfg.SigningServicePublicKey.IsZero() {
		return nil, fmt.Errorf("%w: middleman and signing service public keys required", ErrInvalidConfig)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log}, nil
}

// SignTransaction signs req with the broker key, sends it to the signing
// service and returns the signed transaction. A refusal is returned as
// *chain.RejectedError.
func (c *Client) SignTransaction(ctx context.Context, req *message.TransactionSigningRequest) (*message.SignedTransaction, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidConfig)
	}
	encoded, err := message.SignAndEncode(req, c.cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("relayclient: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	s, id, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	ch := s.wait(id)
	defer s.forget(id)

	if err := s.conn.Write(frame.NewGolemMessage(id, encoded)); err != nil {
		s.fail(err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	select {
	case f := <-ch:
		return c.decode(req, f)
	case <-s.done:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, s.err)
	case <-ctx.Done():
		return nil, fmt.Errorf("relayclient: request %d: %w", id, ctx.Err())
	}
}

func (c *Client) decode(req *message.TransactionSigningRequest, f frame.Frame) (*message.SignedTransaction, error) {
	if f.Type == frame.PayloadError {
		p, err := f.ErrorPayload()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		if p.Code == frame.CodeSigningServiceUnavailable {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, p.Detail)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrRelay, p.Code, p.Detail)
	}

	m, err := f.GolemMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := message.Verify(m, c.cfg.SigningServicePublicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	switch resp := m.(type) {
	case *message.SignedTransaction:
		if resp.Nonce != req.Nonce {
			return nil, fmt.Errorf("%w: nonce %d, requested %d", ErrInvalidResponse, resp.Nonce, req.Nonce)
		}
		return resp, nil
	case *message.TransactionRejected:
		if resp.Nonce != req.Nonce {
			return nil, fmt.Errorf("%w: rejection for nonce %d, requested %d", ErrInvalidResponse, resp.Nonce, req.Nonce)
		}
		return nil, &chain.RejectedError{Reason: resp.Reason}
	default:
		return nil, fmt.Errorf("%w: unexpected %s", ErrInvalidResponse, m.Kind())
	}
}

// session returns the live connection, dialing a new one if needed, and
// allocates the next request id on it.
func (c *Client) session(ctx context.Context) (*session, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, 0, ErrClosed
	}
	if c.sess == nil || c.sess.broken() {
		nc, err := c.cfg.Dial(ctx, c.cfg.Addr)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, c.cfg.Addr, err)
		}
		c.sess = newSession(frame.NewConn(nc, c.cfg.Key, c.cfg.MiddleManPublicKey), c.log)
		c.log.Info("connected to relay", "addr", c.cfg.Addr, "session", c.sess.id)
	}
	c.nextID++
	if c.nextID == frame.InvalidFrameRequestID {
		c.nextID = 1
	}
	return c.sess, c.nextID, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.sess != nil {
		c.sess.fail(ErrClosed)
	}
	return nil
}

type session struct {
	id   string
	conn *frame.Conn
	log  *slog.Logger

	mu      sync.Mutex
	waiting map[uint32]chan frame.Frame

	once sync.Once
	done chan struct{}
	err  error
}

func newSession(conn *frame.Conn, log *slog.Logger) *session {
	s := &session{
		id:      uuid.NewString(),
		conn:    conn,
		waiting: make(map[uint32]chan frame.Frame),
		done:    make(chan struct{}),
	}
	s.log = log.With("session", s.id)
	go s.readLoop()
	return s
}

func (s *session) wait(id uint32) <-chan frame.Frame {
	ch := make(chan frame.Frame, 1)
	s.mu.Lock()
	s.waiting[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) forget(id uint32) {
	s.mu.Lock()
	delete(s.waiting, id)
	s.mu.Unlock()
}

func (s *session) broken() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) readLoop() {
	for {
		f, err := s.conn.Read()
		if err != nil {
			if _, ok := frame.CodeOf(err); ok {
				s.log.Warn("dropping frame from relay", "err", err)
				continue
			}
			if !s.broken() {
				s.log.Warn("relay connection lost", "err", err)
			}
			s.fail(err)
			return
		}
		if f.Type == frame.PayloadHeartbeat {
			continue
		}
		s.mu.Lock()
		ch, ok := s.waiting[f.RequestID]
		delete(s.waiting, f.RequestID)
		s.mu.Unlock()
		if !ok {
			if p, err := f.ErrorPayload(); err == nil {
				s.log.Warn("relay error", "request_id", f.RequestID, "code", p.Code.String(), "detail", p.Detail)
			} else {
				s.log.Warn("response for unknown request", "request_id", f.RequestID, "type", f.Type.String())
			}
			continue
		}
		ch <- f
	}
}
