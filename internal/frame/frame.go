package frame

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/concent-network/concent/internal/message"
)

const (
	SignatureLength = 65
	RequestIDLength = 4
	LengthLength    = 4

	// HeaderLength is signature || request id || payload type || payload length.
	HeaderLength = SignatureLength + RequestIDLength + 1 + LengthLength

	MaxPayloadLength = 4 << 20

	HeartbeatRequestID    uint32 = 0
	InvalidFrameRequestID uint32 = 0xFFFFFFFF
)

type PayloadType uint8

const (
	PayloadGolemMessage  PayloadType = 0
	PayloadError         PayloadType = 1
	PayloadAuthChallenge PayloadType = 2
	PayloadAuthResponse  PayloadType = 3
	PayloadHeartbeat     PayloadType = 4
)

func (t PayloadType) Valid() bool { return t <= PayloadHeartbeat }

func (t PayloadType) String() string {
	switch t {
	case PayloadGolemMessage:
		return "golem_message"
	case PayloadError:
		return "error"
	case PayloadAuthChallenge:
		return "authentication_challenge"
	case PayloadAuthResponse:
		return "authentication_response"
	case PayloadHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var (
	ErrInvalidFrame       = errors.New("frame: invalid frame")
	ErrBrokenEscaping     = errors.New("frame: broken escaping")
	ErrInvalidSignature   = errors.New("frame: invalid signature")
	ErrInvalidPayloadType = errors.New("frame: invalid payload type")
	ErrInvalidPayload     = errors.New("frame: invalid payload")
)

// ErrorCode is carried in ERROR frames.
type ErrorCode uint16

const (
	CodeInvalidFrame              ErrorCode = 1
	CodeInvalidFrameSignature     ErrorCode = 2
	CodeInvalidPayload            ErrorCode = 3
	CodeUnexpectedMessage         ErrorCode = 4
	CodeBrokenEscaping            ErrorCode = 5
	CodeInvalidPayloadType        ErrorCode = 6
	CodeSigningServiceUnavailable ErrorCode = 7
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidFrame:
		return "invalid_frame"
	case CodeInvalidFrameSignature:
		return "invalid_frame_signature"
	case CodeInvalidPayload:
		return "invalid_payload"
	case CodeUnexpectedMessage:
		return "unexpected_message"
	case CodeBrokenEscaping:
		return "broken_escaping"
	case CodeInvalidPayloadType:
		return "invalid_payload_type"
	case CodeSigningServiceUnavailable:
		return "signing_service_unavailable"
	default:
		return fmt.Sprintf("code(%d)", uint16(c))
	}
}

// CodeOf maps a frame-level error to its wire code. ok is false for errors
// that are not frame errors (transport failures, EOF).
func CodeOf(err error) (code ErrorCode, ok bool) {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidFrameSignature, true
	case errors.Is(err, ErrBrokenEscaping):
		return CodeBrokenEscaping, true
	case errors.Is(err, ErrInvalidPayloadType):
		return CodeInvalidPayloadType, true
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload, true
	case errors.Is(err, ErrInvalidFrame):
		return CodeInvalidFrame, true
	default:
		return 0, false
	}
}

// Frame is one decoded unit of the relay protocol.
type Frame struct {
	RequestID uint32
	Type      PayloadType
	Payload   []byte
}

type ErrorPayload struct {
	Code   ErrorCode
	Detail string
}

func NewGolemMessage(requestID uint32, encoded []byte) Frame {
	return Frame{RequestID: requestID, Type: PayloadGolemMessage, Payload: encoded}
}

func NewHeartbeat() Frame {
	return Frame{RequestID: HeartbeatRequestID, Type: PayloadHeartbeat}
}

func NewError(requestID uint32, code ErrorCode, detail string) Frame {
	payload := make([]byte, 2, 2+len(detail))
	binary.BigEndian.PutUint16(payload, uint16(code))
	payload = append(payload, detail...)
	return Frame{RequestID: requestID, Type: PayloadError, Payload: payload}
}

// NewErrorFor builds the ERROR frame answering a frame that failed to decode.
func NewErrorFor(err error) Frame {
	code, ok := CodeOf(err)
	if !ok {
		code = CodeInvalidFrame
	}
	return NewError(InvalidFrameRequestID, code, err.Error())
}

func NewChallenge(requestID uint32, challenge []byte) Frame {
	return Frame{RequestID: requestID, Type: PayloadAuthChallenge, Payload: append([]byte(nil), challenge...)}
}

func NewAuthResponse(requestID uint32, signature []byte) Frame {
	return Frame{RequestID: requestID, Type: PayloadAuthResponse, Payload: append([]byte(nil), signature...)}
}

// GolemMessage decodes the application message carried by f.
func (f Frame) GolemMessage() (message.Message, error) {
	if f.Type != PayloadGolemMessage {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrInvalidPayloadType, PayloadGolemMessage, f.Type)
	}
	m, err := message.Decode(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return m, nil
}

func (f Frame) ErrorPayload() (ErrorPayload, error) {
	if f.Type != PayloadError {
		return ErrorPayload{}, fmt.Errorf("%w: want %s, got %s", ErrInvalidPayloadType, PayloadError, f.Type)
	}
	return parseErrorPayload(f.Payload)
}

func parseErrorPayload(b []byte) (ErrorPayload, error) {
	if len(b) < 2 {
		return ErrorPayload{}, fmt.Errorf("%w: error payload too short", ErrInvalidPayload)
	}
	detail := b[2:]
	if !utf8.Valid(detail) {
		return ErrorPayload{}, fmt.Errorf("%w: error detail is not utf-8", ErrInvalidPayload)
	}
	return ErrorPayload{Code: ErrorCode(binary.BigEndian.Uint16(b[:2])), Detail: string(detail)}, nil
}

// Encode serializes and signs f. The result is not escaped.
func Encode(f Frame, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("frame: nil signing key")
	}
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPayloadType, uint8(f.Type))
	}
	if len(f.Payload) > MaxPayloadLength {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidFrame, len(f.Payload), MaxPayloadLength)
	}

	out := make([]byte, HeaderLength+len(f.Payload))
	body := out[SignatureLength:]
	binary.BigEndian.PutUint32(body[0:4], f.RequestID)
	body[4] = byte(f.Type)
	binary.BigEndian.PutUint32(body[5:9], uint32(len(f.Payload)))
	copy(body[9:], f.Payload)

	sig, err := crypto.Sign(crypto.Keccak256(body), key)
	if err != nil {
		return nil, fmt.Errorf("frame: sign: %w", err)
	}
	copy(out[:SignatureLength], sig)
	return out, nil
}

// Decode parses an unescaped frame and verifies it was signed by signer.
func Decode(raw []byte, signer message.PublicKey) (Frame, error) {
	if len(raw) < HeaderLength {
		return Frame{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidFrame, len(raw))
	}
	sig := raw[:SignatureLength]
	body := raw[SignatureLength:]

	requestID := binary.BigEndian.Uint32(body[0:4])
	typ := PayloadType(body[4])
	n := binary.BigEndian.Uint32(body[5:9])
	payload := body[9:]
	if uint64(n) != uint64(len(payload)) {
		return Frame{}, fmt.Errorf("%w: declared payload length %d, got %d", ErrInvalidFrame, n, len(payload))
	}

	pub, err := crypto.SigToPub(crypto.Keccak256(body), sig)
	if err != nil || message.PublicKeyFromECDSA(pub) != signer {
		return Frame{}, ErrInvalidSignature
	}

	if !typ.Valid() {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidPayloadType, uint8(typ))
	}

	f := Frame{RequestID: requestID, Type: typ, Payload: bytes.Clone(payload)}
	if err := validatePayload(f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func validatePayload(f Frame) error {
	switch f.Type {
	case PayloadGolemMessage:
		_, err := f.GolemMessage()
		return err
	case PayloadError:
		_, err := parseErrorPayload(f.Payload)
		return err
	case PayloadAuthChallenge:
		if len(f.Payload) == 0 {
			return fmt.Errorf("%w: empty challenge", ErrInvalidPayload)
		}
		return nil
	case PayloadAuthResponse:
		if len(f.Payload) != SignatureLength {
			return fmt.Errorf("%w: authentication response must be %d bytes", ErrInvalidPayload, SignatureLength)
		}
		return nil
	case PayloadHeartbeat:
		if len(f.Payload) != 0 {
			return fmt.Errorf("%w: heartbeat carries a payload", ErrInvalidPayload)
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrInvalidPayloadType, uint8(f.Type))
	}
}
