// Package signingservice is the remote end of the relay: it holds the payment
// account key and signs the transactions the broker asks for.
package signingservice

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/concent-network/concent/internal/eth"
	"github.com/concent-network/concent/internal/frame"
	"github.com/concent-network/concent/internal/message"
)

var (
	ErrInvalidConfig   = errors.New("signingservice: invalid config")
	ErrAuthentication  = errors.New("signingservice: authentication failed")
	ErrTooManyAttempts = errors.New("signingservice: reconnect attempts exhausted")
)

type Config struct {
	// Addr is the relay's signing-service listener.
	Addr string

	// Key signs frames and response messages.
	Key                *ecdsa.PrivateKey
	MiddleManPublicKey message.PublicKey
	// ConcentPublicKey must have signed every signing request.
	ConcentPublicKey message.PublicKey

	// Signer holds the Ethereum account transactions are signed for.
	Signer  eth.Signer
	ChainID *big.Int

	// DailyThreshold caps the value signed per UTC day. Nil means no cap.
	DailyThreshold *big.Int

	HandshakeTimeout time.Duration
	// IdleTimeout drops a link that has been silent this long. The relay
	// heartbeats, so a healthy link is never idle. Zero disables it.
	IdleTimeout time.Duration

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Dial func(ctx context.Context, addr string) (net.Conn, error)
	Now  func() time.Time
}

type Service struct {
	cfg        Config
	thresholds ThresholdStore
	log        *slog.Logger
}

func New(cfg Config, thresholds ThresholdStore, log *slog.Logger) (*Service, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: relay address required", ErrInvalidConfig)
	}
	if cfg.Key == nil || cfg.Signer == nil {
		return nil, fmt.Errorf("%w: service key and transaction signer required", ErrInvalidConfig)
	}
	if cfg.MiddleManPublicKey.IsZero() || cfg.ConcentPublicKey.IsZero() {
		return nil, fmt.Errorf("%w: middleman and concent public keys required", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
	}
	if cfg.DailyThreshold != nil && cfg.DailyThreshold.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative daily threshold", ErrInvalidConfig)
	}
	if thresholds == nil {
		return nil, fmt.Errorf("%w: nil threshold store", ErrInvalidConfig)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		return nil, fmt.Errorf("%w: max backoff %s below initial %s", ErrInvalidConfig, cfg.MaxBackoff, cfg.InitialBackoff)
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, thresholds: thresholds, log: log}, nil
}

// Run keeps a connection to the relay open until ctx is done. Failed
// connections are retried with exponential backoff; the attempt count resets
// once a connection authenticates.
func (s *Service) Run(ctx context.Context) error {
	failures := 0
	for {
		authenticated, err := s.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if authenticated {
			failures = 0
		}
		failures++
		if failures > s.cfg.MaxAttempts {
			return fmt.Errorf("%w: %v", ErrTooManyAttempts, err)
		}
		delay := s.backoff(failures)
		s.log.Warn("relay connection lost; reconnecting", "err", err, "attempt", failures, "delay", delay)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil
		}
	}
}

func (s *Service) backoff(attempt int) time.Duration {
	d := s.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		if d > s.cfg.MaxBackoff/2 {
			return s.cfg.MaxBackoff
		}
		d *= 2
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// connect runs one connection to the relay and reports whether it got past
// the handshake.
func (s *Service) connect(ctx context.Context) (bool, error) {
	nc, err := s.cfg.Dial(ctx, s.cfg.Addr)
	if err != nil {
		return false, err
	}
	conn := frame.NewConn(nc, s.cfg.Key, s.cfg.MiddleManPublicKey)
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := s.authenticate(conn); err != nil {
		return false, err
	}
	s.log.Info("authenticated with relay", "addr", s.cfg.Addr)
	return true, s.serve(ctx, conn)
}

func (s *Service) authenticate(conn *frame.Conn) error {
	f, err := conn.ReadWithTimeout(s.cfg.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if f.Type != frame.PayloadAuthChallenge {
		return fmt.Errorf("%w: expected challenge, got %s", ErrAuthentication, f.Type)
	}
	sig, err := frame.SignChallenge(f.Payload, s.cfg.Key)
	if err != nil {
		return err
	}
	return conn.Write(frame.NewAuthResponse(f.RequestID, sig))
}

// serve answers requests until the link fails. Every frame-level problem is
// answered on the link and leaves it open.
func (s *Service) serve(ctx context.Context, conn *frame.Conn) error {
	for {
		f, err := conn.ReadWithTimeout(s.cfg.IdleTimeout)
		if err != nil {
			if code, ok := frame.CodeOf(err); ok {
				rejected.WithLabelValues(code.String()).Inc()
				s.log.Warn("rejected frame", "err", err)
				if err := conn.Write(frame.NewErrorFor(err)); err != nil {
					return err
				}
				continue
			}
			return err
		}

		resp, ok, err := s.handle(ctx, f)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := conn.Write(resp); err != nil {
			return err
		}
	}
}

// handle builds the answer to f. ok is false for frames that need none; an
// error ends the connection.
func (s *Service) handle(ctx context.Context, f frame.Frame) (resp frame.Frame, ok bool, err error) {
	switch f.Type {
	case frame.PayloadHeartbeat:
		return frame.Frame{}, false, nil
	case frame.PayloadError:
		p, _ := f.ErrorPayload()
		s.log.Warn("relay reported an error", "request_id", f.RequestID, "code", p.Code.String(), "detail", p.Detail)
		return frame.Frame{}, false, nil
	case frame.PayloadGolemMessage:
	default:
		rejected.WithLabelValues(frame.CodeUnexpectedMessage.String()).Inc()
		return frame.NewError(frame.InvalidFrameRequestID, frame.CodeUnexpectedMessage, "unexpected "+f.Type.String()), true, nil
	}

	m, err := f.GolemMessage()
	if err != nil {
		return frame.NewErrorFor(err), true, nil
	}
	req, isReq := m.(*message.TransactionSigningRequest)
	if !isReq {
		rejected.WithLabelValues(frame.CodeUnexpectedMessage.String()).Inc()
		return frame.NewError(frame.InvalidFrameRequestID, frame.CodeUnexpectedMessage, "unexpected "+m.Kind().String()), true, nil
	}
	if err := message.Verify(req, s.cfg.ConcentPublicKey); err != nil {
		rejected.WithLabelValues(frame.CodeInvalidPayload.String()).Inc()
		return frame.NewError(frame.InvalidFrameRequestID, frame.CodeInvalidPayload, err.Error()), true, nil
	}

	out, err := s.Sign(ctx, req)
	if err != nil {
		return frame.Frame{}, false, fmt.Errorf("signingservice: request %d: %w", f.RequestID, err)
	}
	encoded, err := message.SignAndEncode(out, s.cfg.Key)
	if err != nil {
		return frame.Frame{}, false, fmt.Errorf("signingservice: encode response %d: %w", f.RequestID, err)
	}
	return frame.NewGolemMessage(f.RequestID, encoded), true, nil
}

// Sign answers a signing request with a SignedTransaction, or with a
// TransactionRejected when the request cannot or may not be signed. The
// returned error is reserved for threshold store failures.
func (s *Service) Sign(ctx context.Context, req *message.TransactionSigningRequest) (message.Message, error) {
	now := s.cfg.Now()
	reject := func(reason message.TransactionRejectedReason, err error) (message.Message, error) {
		signed.WithLabelValues(string(reason)).Inc()
		s.log.Warn("transaction rejected", "nonce", req.Nonce, "reason", reason, "err", err)
		return &message.TransactionRejected{Header: message.NewHeader(now), Nonce: req.Nonce, Reason: reason}, nil
	}

	st, err := eth.SignRequest(s.cfg.Signer, s.cfg.ChainID, req)
	switch {
	case errors.Is(err, eth.ErrUnauthorizedAccount):
		return reject(message.TransactionUnauthorizedAccount, err)
	case err != nil:
		return reject(message.TransactionInvalid, err)
	}

	value := message.Amount(req.Value)
	ok, err := s.thresholds.Reserve(ctx, Day(now), value, s.cfg.DailyThreshold)
	if err != nil {
		return nil, err
	}
	if !ok {
		return reject(message.TransactionDailyThresholdExceeded, nil)
	}

	st.Header = message.NewHeader(now)
	signed.WithLabelValues("signed").Inc()
	s.log.Info("transaction signed", "nonce", st.Nonce, "to", st.To.Hex(), "value", value.String())
	return st, nil
}
