package eth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/concent-network/concent/internal/message"
)

var (
	ErrInvalidSigner       = errors.New("eth: invalid signer")
	ErrInvalidTransaction  = errors.New("eth: invalid transaction")
	ErrUnauthorizedAccount = errors.New("eth: unauthorized account")
)

// Signer signs transactions for a single from-address.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	var addr common.Address
	if key != nil {
		addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &LocalSigner{key: key, addr: addr}
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s == nil || s.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// TransactionFromRequest rebuilds the unsigned legacy transaction described
// by a signing request.
func TransactionFromRequest(req *message.TransactionSigningRequest) (*types.Transaction, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidTransaction)
	}
	if req.GasPrice == nil || (*big.Int)(req.GasPrice).Sign() < 0 {
		return nil, fmt.Errorf("%w: gas price", ErrInvalidTransaction)
	}
	if req.Value != nil && (*big.Int)(req.Value).Sign() < 0 {
		return nil, fmt.Errorf("%w: negative value", ErrInvalidTransaction)
	}
	if req.StartGas == 0 {
		return nil, fmt.Errorf("%w: zero gas limit", ErrInvalidTransaction)
	}
	if req.To == (common.Address{}) {
		return nil, fmt.Errorf("%w: contract creation not allowed", ErrInvalidTransaction)
	}
	to := req.To
	return types.NewTx(&types.LegacyTx{
		Nonce:    req.Nonce,
		GasPrice: new(big.Int).Set((*big.Int)(req.GasPrice)),
		Gas:      req.StartGas,
		To:       &to,
		Value:    message.Amount(req.Value),
		Data:     append([]byte(nil), req.Data...),
	}), nil
}

// SignRequest signs the transaction described by req. Requests for any
// account other than the signer's fail with ErrUnauthorizedAccount.
func SignRequest(s Signer, chainID *big.Int, req *message.TransactionSigningRequest) (*message.SignedTransaction, error) {
	if s == nil {
		return nil, ErrInvalidSigner
	}
	if req != nil && req.From != s.Address() {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedAccount, req.From.Hex())
	}
	tx, err := TransactionFromRequest(req)
	if err != nil {
		return nil, err
	}
	signed, err := s.SignTx(tx, chainID)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrInvalidTransaction, err)
	}
	v, r, sv := signed.RawSignatureValues()
	return &message.SignedTransaction{
		Nonce:          signed.Nonce(),
		GasPrice:       (*hexutil.Big)(signed.GasPrice()),
		StartGas:       signed.Gas(),
		To:             *signed.To(),
		Value:          (*hexutil.Big)(signed.Value()),
		Data:           signed.Data(),
		V:              (*hexutil.Big)(v),
		R:              (*hexutil.Big)(r),
		S:              (*hexutil.Big)(sv),
		RawTransaction: raw,
	}, nil
}

// TransactionFromSigned decodes the raw transaction of a signing response and
// checks that it was signed by from.
func TransactionFromSigned(st *message.SignedTransaction, chainID *big.Int, from common.Address) (*types.Transaction, error) {
	if st == nil || len(st.RawTransaction) == 0 {
		return nil, fmt.Errorf("%w: missing raw transaction", ErrInvalidTransaction)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(st.RawTransaction); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidTransaction, err)
	}
	if tx.Nonce() != st.Nonce {
		return nil, fmt.Errorf("%w: nonce %d, expected %d", ErrInvalidTransaction, tx.Nonce(), st.Nonce)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("%w: sender: %v", ErrInvalidTransaction, err)
	}
	if sender != from {
		return nil, fmt.Errorf("%w: signed by %s", ErrUnauthorizedAccount, sender.Hex())
	}
	return tx, nil
}
