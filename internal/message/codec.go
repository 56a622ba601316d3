package message

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

const signingDomain = "concent.message.v1"

type envelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func isNil(m Message) bool {
	if m == nil {
		return true
	}
	v := reflect.ValueOf(m)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// SigningHash is keccak256(domain || kind || body), where body is the message JSON
// with the top-level signature removed. Nested messages keep their own signatures.
func SigningHash(m Message) (common.Hash, error) {
	if isNil(m) {
		return common.Hash{}, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	body, err := signingBody(m)
	if err != nil {
		return common.Hash{}, err
	}

	var kind [2]byte
	binary.BigEndian.PutUint16(kind[:], uint16(m.Kind()))

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(signingDomain))
	_, _ = h.Write(kind[:])
	_, _ = h.Write(body)

	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

func signingBody(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %v", ErrInvalidMessage, m.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: canonicalize %s: %v", ErrInvalidMessage, m.Kind(), err)
	}
	delete(fields, "signature")
	// encoding/json sorts map keys, so the result is stable.
	return json.Marshal(fields)
}

// Sign stamps m with a signature by key. The timestamp must already be set.
func Sign(m Message, key *ecdsa.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("%w: nil key", ErrInvalidSignature)
	}
	digest, err := SigningHash(m)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return fmt.Errorf("message: sign %s: %w", m.Kind(), err)
	}
	m.header().Signature = sig
	return nil
}

// Verify reports whether m was signed by pub.
func Verify(m Message, pub PublicKey) error {
	if isNil(m) {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	sig := m.header().Signature
	if len(sig) != SignatureLength {
		return fmt.Errorf("%w: %s: expected %d bytes, got %d", ErrInvalidSignature, m.Kind(), SignatureLength, len(sig))
	}
	digest, err := SigningHash(m)
	if err != nil {
		return err
	}
	recovered, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSignature, m.Kind(), err)
	}
	if PublicKeyFromECDSA(recovered) != pub {
		return fmt.Errorf("%w: %s: signer mismatch", ErrInvalidSignature, m.Kind())
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	if isNil(m) {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %v", ErrInvalidMessage, m.Kind(), err)
	}
	return json.Marshal(envelope{Kind: m.Kind().String(), Body: body})
}

// SignAndEncode signs m with key and returns its wire form.
func SignAndEncode(m Message, key *ecdsa.PrivateKey) ([]byte, error) {
	if err := Sign(m, key); err != nil {
		return nil, err
	}
	return Encode(m)
}

// Decode parses a wire message. Signatures are not checked here.
func Decode(raw []byte) (Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidMessage)
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrInvalidMessage, err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrInvalidMessage)
	}
	kind, err := ParseKind(env.Kind)
	if err != nil {
		return nil, err
	}
	m, err := New(kind)
	if err != nil {
		return nil, err
	}
	if len(env.Body) == 0 || bytes.Equal(env.Body, []byte("null")) {
		return nil, fmt.Errorf("%w: %s: missing body", ErrInvalidMessage, kind)
	}

	bodyDec := json.NewDecoder(bytes.NewReader(env.Body))
	bodyDec.DisallowUnknownFields()
	if err := bodyDec.Decode(m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, kind, err)
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeAs decodes raw and requires the result to be of type T.
func DecodeAs[T Message](raw []byte) (T, error) {
	var zero T
	m, err := Decode(raw)
	if err != nil {
		return zero, err
	}
	out, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected kind %s", ErrInvalidMessage, m.Kind())
	}
	return out, nil
}

// Equal compares two messages by their serialized form, signatures included.
func Equal(a, b Message) bool {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b)
	}
	if a.Kind() != b.Kind() {
		return false
	}
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
