// Package chain watches an EVM network for ERC-20 (USDT) transfers into
// per-intent deposit addresses.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrTxNotFound   = errors.New("chain: transaction not found")
	ErrTxFailed     = errors.New("chain: transaction reverted")
	ErrNoTransfer   = errors.New("chain: transaction has no matching token transfer")
	ErrUnavailable  = errors.New("chain: rpc unavailable")
	ErrInvalidTxRef = errors.New("chain: malformed transaction hash")
)

// TransferEventSig is keccak256("Transfer(address,address,uint256)").
var TransferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Transfer is a token transfer observed on chain.
type Transfer struct {
	TxHash        string
	From          common.Address
	To            common.Address
	Amount        *big.Int
	BlockNumber   uint64
	Confirmations uint64
}

// Tracker is the read-only view of the chain the reconciler needs.
type Tracker interface {
	// Head returns the latest block number.
	Head(ctx context.Context) (uint64, error)
	// FindTransfer returns the earliest transfer of at least min to `to`
	// since fromBlock, or nil if none has landed yet.
	FindTransfer(ctx context.Context, to common.Address, min *big.Int, fromBlock uint64) (*Transfer, error)
	// InspectTx returns the transfer of at least min to `to` carried by
	// txHash, with its current confirmation count.
	InspectTx(ctx context.Context, txHash string, to common.Address, min *big.Int) (*Transfer, error)
}

// EthClient is the subset of ethclient.Client used by EVMTracker.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}
