package chain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	initOnce   sync.Once
	initErr    error
	depositABI abi.ABI
)

func loadABI() (abi.ABI, error) {
	initOnce.Do(func() {
		depositABI, initErr = abi.JSON(strings.NewReader(DepositABIJSON))
		if initErr != nil {
			initErr = fmt.Errorf("ledger/chain: parse deposit ABI: %w", initErr)
		}
	})
	return depositABI, initErr
}

const (
	methodBalanceOf = "balanceOf"
	methodForcePay  = "forcePayment"
	methodSettle    = "settlePayment"
	eventBatch      = "BatchTransfer"
	eventForced     = "ForcedPayment"
	eventSettlement = "SettlementPayment"
)

// DepositABIJSON is the subset of the deposit contract the broker calls.
const DepositABIJSON = `[
  {
    "inputs": [{"internalType": "address", "name": "owner", "type": "address"}],
    "name": "balanceOf",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "requestor", "type": "address"},
      {"internalType": "address", "name": "provider", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "uint256", "name": "closureTime", "type": "uint256"}
    ],
    "name": "forcePayment",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "requestor", "type": "address"},
      {"internalType": "address", "name": "provider", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "uint256", "name": "closureTime", "type": "uint256"}
    ],
    "name": "settlePayment",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "receiver", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "uint64", "name": "closureTime", "type": "uint64"}
    ],
    "name": "BatchTransfer",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "requestor", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "provider", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "closureTime", "type": "uint256"}
    ],
    "name": "ForcedPayment",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "requestor", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "provider", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "closureTime", "type": "uint256"}
    ],
    "name": "SettlementPayment",
    "type": "event"
  }
]`
