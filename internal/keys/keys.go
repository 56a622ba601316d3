// Package keys loads and creates the secp256k1 keys the broker, the relay
// and the signing service identify themselves with.
package keys

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/secrets"
)

// ErrInvalidKey never carries key material.
var ErrInvalidKey = errors.New("keys: invalid private key")

// Parse reads a hex private key, with or without a 0x prefix.
func Parse(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// Load resolves ref through p and parses the result as a private key.
func Load(ctx context.Context, p secrets.Provider, ref string) (*ecdsa.PrivateKey, error) {
	raw, err := p.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	key, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, ref)
	}
	return key, nil
}

// Info is the public identity of a private key.
type Info struct {
	PublicKey message.PublicKey
	Address   common.Address
}

func Describe(key *ecdsa.PrivateKey) Info {
	return Info{
		PublicKey: message.PublicKeyFromECDSA(&key.PublicKey),
		Address:   crypto.PubkeyToAddress(key.PublicKey),
	}
}

// EnsureFile loads the key at path, generating and writing one if the file
// does not exist. Keys are stored as lowercase hex with mode 0600.
func EnsureFile(path string) (key *ecdsa.PrivateKey, created bool, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false, fmt.Errorf("keys: key path required")
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := Parse(string(raw))
		if err != nil {
			return nil, false, fmt.Errorf("%w: %s", err, path)
		}
		return key, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("keys: read %s: %w", path, err)
	}

	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, false, fmt.Errorf("keys: generate: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("keys: create key dir: %w", err)
	}
	if err := writeFile0600(path, []byte(common.Bytes2Hex(crypto.FromECDSA(key))+"\n")); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

func writeFile0600(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("keys: create %s: %w", path, err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("keys: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("keys: sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("keys: close %s: %w", path, err)
	}
	return nil
}
