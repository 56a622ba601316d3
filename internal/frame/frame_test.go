package frame

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/message/msgtest"
)

var t0 = time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)

func signedMessage(t *testing.T) []byte {
	t.Helper()
	m := &message.TransactionSigningRequest{
		Header: message.NewHeader(t0),
		Nonce:  7,
		From:   msgtest.Address(msgtest.ConcentKey),
		To:     msgtest.Address(msgtest.ProviderKey),
	}
	raw, err := message.SignAndEncode(m, msgtest.ConcentKey)
	if err != nil {
		t.Fatalf("SignAndEncode: %v", err)
	}
	return raw
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	key := msgtest.ConcentKey
	pub := msgtest.PublicKey(key)

	cases := []struct {
		name string
		f    Frame
	}{
		{name: "golem message", f: NewGolemMessage(1, signedMessage(t))},
		{name: "error", f: NewError(InvalidFrameRequestID, CodeInvalidPayload, "bad payload \xc3\xa9")},
		{name: "error without detail", f: NewError(9, CodeUnexpectedMessage, "")},
		{name: "challenge with escape bytes", f: NewChallenge(3, []byte{0xFF, 0x00, 0xFF, 0xFF, 0x01})},
		{name: "auth response", f: NewAuthResponse(4, bytes.Repeat([]byte{0xFF}, SignatureLength))},
		{name: "heartbeat", f: NewHeartbeat()},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			encoded, err := Encode(tc.f, key)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			var stream bytes.Buffer
			if err := WriteRaw(&stream, encoded); err != nil {
				t.Fatalf("WriteRaw: %v", err)
			}
			raw, err := NewReader(&stream).Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			got, err := Decode(raw, pub)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.RequestID != tc.f.RequestID || got.Type != tc.f.Type || !bytes.Equal(got.Payload, tc.f.Payload) {
				t.Fatalf("round trip mismatch: got %+v want %+v", got, tc.f)
			}
		})
	}
}

func TestDecode_WrongKey(t *testing.T) {
	t.Parallel()

	encoded, err := Encode(NewHeartbeat(), msgtest.ConcentKey)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(encoded, msgtest.PublicKey(msgtest.MiddleManKey)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	key := msgtest.ConcentKey
	pub := msgtest.PublicKey(key)

	good, err := Encode(NewGolemMessage(5, signedMessage(t)), key)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	flipped := bytes.Clone(good)
	flipped[10] ^= 0x01

	truncated := good[:HeaderLength-1]

	badLength := bytes.Clone(good)
	badLength[SignatureLength+RequestIDLength+1+3]++

	badType, err := Encode(Frame{RequestID: 1, Type: PayloadHeartbeat}, key)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	badType = resign(t, badType, func(body []byte) { body[4] = 0x7F })

	badPayload, err := Encode(Frame{RequestID: 1, Type: PayloadGolemMessage, Payload: []byte("{}")}, key)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	heartbeatWithPayload, err := Encode(Frame{RequestID: 0, Type: PayloadHeartbeat, Payload: []byte{1}}, key)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	cases := []struct {
		name string
		raw  []byte
		want error
		code ErrorCode
	}{
		{name: "signature bit flipped", raw: flipped, want: ErrInvalidSignature, code: CodeInvalidFrameSignature},
		{name: "truncated", raw: truncated, want: ErrInvalidFrame, code: CodeInvalidFrame},
		{name: "length mismatch", raw: badLength, want: ErrInvalidFrame, code: CodeInvalidFrame},
		{name: "unknown payload type", raw: badType, want: ErrInvalidPayloadType, code: CodeInvalidPayloadType},
		{name: "payload is not a message", raw: badPayload, want: ErrInvalidPayload, code: CodeInvalidPayload},
		{name: "heartbeat with payload", raw: heartbeatWithPayload, want: ErrInvalidPayload, code: CodeInvalidPayload},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.raw, pub)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
			code, ok := CodeOf(err)
			if !ok || code != tc.code {
				t.Fatalf("CodeOf: got %v,%v want %v", code, ok, tc.code)
			}
			ef := NewErrorFor(err)
			if ef.RequestID != InvalidFrameRequestID {
				t.Fatalf("error frame request id: got %d", ef.RequestID)
			}
			p, err := ef.ErrorPayload()
			if err != nil {
				t.Fatalf("ErrorPayload: %v", err)
			}
			if p.Code != tc.code {
				t.Fatalf("error frame code: got %v want %v", p.Code, tc.code)
			}
		})
	}
}

// resign mutates the frame body and signs it again so only the mutation is invalid.
func resign(t *testing.T, encoded []byte, mutate func(body []byte)) []byte {
	t.Helper()
	body := bytes.Clone(encoded[SignatureLength:])
	mutate(body)
	sig, err := crypto.Sign(crypto.Keccak256(body), msgtest.ConcentKey)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return append(sig, body...)
}

func TestCodeOf_TransportErrors(t *testing.T) {
	t.Parallel()

	for _, err := range []error{io.EOF, io.ErrUnexpectedEOF, net.ErrClosed} {
		if _, ok := CodeOf(err); ok {
			t.Fatalf("CodeOf(%v) reported a frame error", err)
		}
		if !IsDisconnect(err) {
			t.Fatalf("IsDisconnect(%v) = false", err)
		}
	}
}
