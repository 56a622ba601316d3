package middleman

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/concent-network/concent/internal/frame"
	"github.com/concent-network/concent/internal/message/msgtest"
)

var t0 = time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)

const ioTimeout = 5 * time.Second

type relay struct {
	srv      *Server
	internal string
	external string
}

func startRelay(t *testing.T, mutate func(*Config)) *relay {
	t.Helper()
	cfg := Config{
		Key:                     msgtest.MiddleManKey,
		ConcentPublicKey:        msgtest.PublicKey(msgtest.ConcentKey),
		SigningServicePublicKey: msgtest.PublicKey(msgtest.SigningServiceKey),
		HeartbeatInterval:       time.Hour,
		HandshakeTimeout:        time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	internal, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen internal: %v", err)
	}
	external, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen external: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, internal, external) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(ioTimeout):
			t.Errorf("Serve did not return after cancel")
		}
	})
	return &relay{srv: srv, internal: internal.Addr().String(), external: external.Addr().String()}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = nc.Close() })
	return nc
}

func (r *relay) client(t *testing.T) *frame.Conn {
	t.Helper()
	return frame.NewConn(dial(t, r.internal), msgtest.ConcentKey, msgtest.PublicKey(msgtest.MiddleManKey))
}

// signingService connects and answers the challenge, then waits until the
// relay has made it the active signing service.
func (r *relay) signingService(t *testing.T) *frame.Conn {
	t.Helper()
	conn := frame.NewConn(dial(t, r.external), msgtest.SigningServiceKey, msgtest.PublicKey(msgtest.MiddleManKey))
	answerChallenge(t, conn, msgtest.SigningServiceKey)
	waitFor(t, func() bool { return r.srv.signingService() != nil })
	return conn
}

func answerChallenge(t *testing.T, conn *frame.Conn, key *ecdsa.PrivateKey) {
	t.Helper()
	f, err := conn.ReadWithTimeout(ioTimeout)
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	if f.Type != frame.PayloadAuthChallenge {
		t.Fatalf("expected challenge, got %s", f.Type)
	}
	sig, err := frame.SignChallenge(f.Payload, key)
	if err != nil {
		t.Fatalf("SignChallenge: %v", err)
	}
	if err := conn.Write(frame.NewAuthResponse(f.RequestID, sig)); err != nil {
		t.Fatalf("write auth response: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(ioTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", ioTimeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func read(t *testing.T, conn *frame.Conn) frame.Frame {
	t.Helper()
	f, err := conn.ReadWithTimeout(ioTimeout)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func write(t *testing.T, conn *frame.Conn, f frame.Frame) {
	t.Helper()
	if err := conn.Write(f); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func requireErrorFrame(t *testing.T, f frame.Frame, requestID uint32, code frame.ErrorCode) {
	t.Helper()
	if f.Type != frame.PayloadError || f.RequestID != requestID {
		t.Fatalf("expected error frame for %d, got %s for %d", requestID, f.Type, f.RequestID)
	}
	p, err := f.ErrorPayload()
	if err != nil {
		t.Fatalf("ErrorPayload: %v", err)
	}
	if p.Code != code {
		t.Fatalf("error code: got %s want %s (%s)", p.Code, code, p.Detail)
	}
}

func requireSilent(t *testing.T, conn *frame.Conn) {
	t.Helper()
	_, err := conn.ReadWithTimeout(200 * time.Millisecond)
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected no frame, got err=%v", err)
	}
}

// requireClosed reads until the relay hangs up. The silent handshake case
// still receives the challenge first.
func requireClosed(t *testing.T, conn *frame.Conn) {
	t.Helper()
	deadline := time.Now().Add(ioTimeout)
	for {
		_, err := conn.ReadWithTimeout(time.Until(deadline))
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatalf("connection still open after %s", ioTimeout)
		}
		return
	}
}

func payload(t *testing.T, minute int) []byte {
	t.Helper()
	return msgtest.Encode(t, msgtest.ClientAuthorization(t, msgtest.ConcentKey, t0.Add(time.Duration(minute)*time.Minute)))
}

func TestRelay_RoutesResponsesToTheirConnection(t *testing.T) {
	t.Parallel()
	r := startRelay(t, nil)
	ss := r.signingService(t)

	a, b := r.client(t), r.client(t)
	pa, pb := payload(t, 1), payload(t, 2)
	write(t, a, frame.NewGolemMessage(7, pa))
	write(t, b, frame.NewGolemMessage(7, pb))

	seen := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		f := read(t, ss)
		if f.Type != frame.PayloadGolemMessage || seen[f.RequestID] {
			t.Fatalf("forwarded frame: %s id %d", f.Type, f.RequestID)
		}
		seen[f.RequestID] = true
		// Echo the request so each client can tell its answer apart.
		write(t, ss, frame.NewGolemMessage(f.RequestID, f.Payload))
	}

	for name, tc := range map[string]struct {
		conn *frame.Conn
		want []byte
	}{"a": {a, pa}, "b": {b, pb}} {
		f := read(t, tc.conn)
		if f.Type != frame.PayloadGolemMessage || f.RequestID != 7 {
			t.Fatalf("%s: got %s id %d", name, f.Type, f.RequestID)
		}
		if !bytes.Equal(f.Payload, tc.want) {
			t.Fatalf("%s: routed another connection's response", name)
		}
	}
}

func TestRelay_RejectsTamperedFrame(t *testing.T) {
	t.Parallel()
	r := startRelay(t, nil)
	ss := r.signingService(t)
	c := r.client(t)

	encoded, err := frame.Encode(frame.NewGolemMessage(9, payload(t, 1)), msgtest.ConcentKey)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	encoded[frame.SignatureLength] ^= 0x01
	if err := c.WriteEncoded(encoded); err != nil {
		t.Fatalf("WriteEncoded: %v", err)
	}

	requireErrorFrame(t, read(t, c), frame.InvalidFrameRequestID, frame.CodeInvalidFrameSignature)
	requireSilent(t, ss)

	// The connection stays usable.
	write(t, c, frame.NewGolemMessage(10, payload(t, 2)))
	if f := read(t, ss); f.Type != frame.PayloadGolemMessage {
		t.Fatalf("forwarded: %s", f.Type)
	}
}

func TestRelay_WrongSignerRejected(t *testing.T) {
	t.Parallel()
	r := startRelay(t, nil)
	ss := r.signingService(t)

	impostor := frame.NewConn(dial(t, r.internal), msgtest.RequestorKey, msgtest.PublicKey(msgtest.MiddleManKey))
	write(t, impostor, frame.NewGolemMessage(3, payload(t, 1)))

	requireErrorFrame(t, read(t, impostor), frame.InvalidFrameRequestID, frame.CodeInvalidFrameSignature)
	requireSilent(t, ss)
}

func TestRelay_SkippedRequestsAreDropped(t *testing.T) {
	t.Parallel()
	r := startRelay(t, nil)
	ss := r.signingService(t)
	c := r.client(t)

	for id := uint32(1); id <= 3; id++ {
		write(t, c, frame.NewGolemMessage(100+id, payload(t, int(id))))
	}
	var forwarded []uint32
	for i := 0; i < 3; i++ {
		forwarded = append(forwarded, read(t, ss).RequestID)
	}

	// Answer only the last request; the first two are lost.
	write(t, ss, frame.NewGolemMessage(forwarded[2], payload(t, 9)))
	if f := read(t, c); f.RequestID != 103 {
		t.Fatalf("routed to %d, want 103", f.RequestID)
	}
	waitFor(t, func() bool { return r.srv.tracker.Len() == 0 })

	// A late answer for a lost request goes nowhere.
	write(t, ss, frame.NewGolemMessage(forwarded[0], payload(t, 9)))
	requireSilent(t, c)
}

func TestRelay_NoSigningService(t *testing.T) {
	t.Parallel()
	r := startRelay(t, nil)
	c := r.client(t)

	write(t, c, frame.NewGolemMessage(42, payload(t, 1)))
	requireErrorFrame(t, read(t, c), 42, frame.CodeSigningServiceUnavailable)
}

func TestRelay_SigningServiceDisconnectFailsPending(t *testing.T) {
	t.Parallel()
	r := startRelay(t, nil)
	ss := r.signingService(t)
	c := r.client(t)

	write(t, c, frame.NewGolemMessage(11, payload(t, 1)))
	read(t, ss)
	_ = ss.Close()

	requireErrorFrame(t, read(t, c), 11, frame.CodeSigningServiceUnavailable)
	waitFor(t, func() bool { return r.srv.signingService() == nil })

	// A new signing service can take over.
	ss2 := r.signingService(t)
	write(t, c, frame.NewGolemMessage(12, payload(t, 2)))
	f := read(t, ss2)
	write(t, ss2, frame.NewGolemMessage(f.RequestID, f.Payload))
	if got := read(t, c); got.RequestID != 12 {
		t.Fatalf("routed to %d, want 12", got.RequestID)
	}
}

func TestRelay_SecondSigningServiceRejected(t *testing.T) {
	t.Parallel()
	r := startRelay(t, nil)
	first := r.signingService(t)

	second := frame.NewConn(dial(t, r.external), msgtest.SigningServiceKey, msgtest.PublicKey(msgtest.MiddleManKey))
	requireClosed(t, second)

	c := r.client(t)
	write(t, c, frame.NewGolemMessage(1, payload(t, 1)))
	if f := read(t, first); f.Type != frame.PayloadGolemMessage {
		t.Fatalf("first signing service got %s", f.Type)
	}
}

func TestRelay_HandshakeFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		answer func(t *testing.T, conn *frame.Conn)
	}{
		{
			name: "challenge signed by another key",
			answer: func(t *testing.T, conn *frame.Conn) {
				f := read(t, conn)
				sig, err := frame.SignChallenge(f.Payload, msgtest.RequestorKey)
				if err != nil {
					t.Fatalf("SignChallenge: %v", err)
				}
				write(t, conn, frame.NewAuthResponse(f.RequestID, sig))
			},
		},
		{
			name: "wrong frame type",
			answer: func(t *testing.T, conn *frame.Conn) {
				read(t, conn)
				write(t, conn, frame.NewHeartbeat())
			},
		},
		{
			name:   "silent",
			answer: func(t *testing.T, conn *frame.Conn) {},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := startRelay(t, func(cfg *Config) { cfg.HandshakeTimeout = 200 * time.Millisecond })
			conn := frame.NewConn(dial(t, r.external), msgtest.SigningServiceKey, msgtest.PublicKey(msgtest.MiddleManKey))
			tc.answer(t, conn)

			requireClosed(t, conn)
			if r.srv.signingService() != nil {
				t.Fatalf("unauthenticated signing service became active")
			}
		})
	}
}

func TestRelay_Heartbeats(t *testing.T) {
	t.Parallel()
	r := startRelay(t, func(cfg *Config) { cfg.HeartbeatInterval = 20 * time.Millisecond })
	ss := r.signingService(t)

	for i := 0; i < 2; i++ {
		f := read(t, ss)
		if f.Type != frame.PayloadHeartbeat || f.RequestID != frame.HeartbeatRequestID {
			t.Fatalf("expected heartbeat, got %s id %d", f.Type, f.RequestID)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "no key", cfg: Config{ConcentPublicKey: msgtest.PublicKey(msgtest.ConcentKey), SigningServicePublicKey: msgtest.PublicKey(msgtest.SigningServiceKey)}},
		{name: "no concent key", cfg: Config{Key: msgtest.MiddleManKey, SigningServicePublicKey: msgtest.PublicKey(msgtest.SigningServiceKey)}},
		{name: "no signing service key", cfg: Config{Key: msgtest.MiddleManKey, ConcentPublicKey: msgtest.PublicKey(msgtest.ConcentKey)}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tc.cfg, nil); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
