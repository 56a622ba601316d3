package frame

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/concent-network/concent/internal/message"
)

const ChallengeLength = 32

func NewChallengeBytes() ([]byte, error) {
	b := make([]byte, ChallengeLength)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("frame: challenge: %w", err)
	}
	return b, nil
}

// SignChallenge answers an authentication challenge.
func SignChallenge(challenge []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(challenge), key)
	if err != nil {
		return nil, fmt.Errorf("frame: sign challenge: %w", err)
	}
	return sig, nil
}

func VerifyChallenge(challenge, signature []byte, pub message.PublicKey) bool {
	if len(signature) != SignatureLength {
		return false
	}
	recovered, err := crypto.SigToPub(crypto.Keccak256(challenge), signature)
	if err != nil {
		return false
	}
	return message.PublicKeyFromECDSA(recovered) == pub
}
