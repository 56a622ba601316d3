package message

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// PublicKeyLength is the length of an uncompressed secp256k1 public key without the 0x04 prefix.
	PublicKeyLength = 64
	// SignatureLength is r(32) || s(32) || v(1).
	SignatureLength = 65
)

var (
	ErrInvalidMessage   = errors.New("message: invalid message")
	ErrUnknownKind      = errors.New("message: unknown kind")
	ErrInvalidSignature = errors.New("message: invalid signature")
	ErrInvalidPublicKey = errors.New("message: invalid public key")
)

// PublicKey identifies a client (provider or requestor) or the broker itself.
type PublicKey [PublicKeyLength]byte

func PublicKeyFromECDSA(pub *ecdsa.PublicKey) PublicKey {
	var out PublicKey
	if pub == nil {
		return out
	}
	raw := crypto.FromECDSAPub(pub)
	if len(raw) != PublicKeyLength+1 {
		return out
	}
	copy(out[:], raw[1:])
	return out
}

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeyLength {
		return PublicKey{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, PublicKeyLength, len(b))
	}
	var out PublicKey
	copy(out[:], b)
	return out, nil
}

func ParsePublicKeyHex(s string) (PublicKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return PublicKeyFromBytes(b)
}

func (k PublicKey) IsZero() bool { return k == PublicKey{} }

func (k PublicKey) Hex() string { return "0x" + hex.EncodeToString(k[:]) }

func (k PublicKey) String() string { return k.Hex() }

// ECDSA returns the curve point for k. It fails for keys that are not on secp256k1.
func (k PublicKey) ECDSA() (*ecdsa.PublicKey, error) {
	raw := make([]byte, 0, PublicKeyLength+1)
	raw = append(raw, 0x04)
	raw = append(raw, k[:]...)
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.Hex()), nil
}

func (k *PublicKey) UnmarshalText(b []byte) error {
	parsed, err := ParsePublicKeyHex(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Header is carried by every message. Signature is excluded from the signed bytes.
type Header struct {
	Timestamp int64         `json:"timestamp"`
	Signature hexutil.Bytes `json:"signature,omitempty"`
}

func NewHeader(now time.Time) Header {
	return Header{Timestamp: now.Unix()}
}

func (h *Header) header() *Header { return h }

// Time returns the creation time the message claims.
func (h Header) Time() time.Time { return time.Unix(h.Timestamp, 0).UTC() }

// Message is the closed set of protocol messages defined in this package.
// All implementations are pointer types.
type Message interface {
	Kind() Kind
	header() *Header
}

func HeaderOf(m Message) *Header {
	if isNil(m) {
		return nil
	}
	return m.header()
}

// Timestamp returns the message creation time, or the zero time for nil.
func Timestamp(m Message) time.Time {
	h := HeaderOf(m)
	if h == nil {
		return time.Time{}
	}
	return h.Time()
}
