package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/aegis/internal/circuitbreaker"
	"github.com/mbd888/aegis/internal/metrics"
	"github.com/mbd888/aegis/internal/retry"
)

const (
	defaultMaxSpan  = 5000
	defaultAttempts = 3
	defaultBackoff  = 250 * time.Millisecond
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Config describes one network.
type Config struct {
	Network  string
	Token    common.Address
	MaxSpan  uint64 // blocks per eth_getLogs call
	Attempts int
	Backoff  time.Duration
}

// EVMTracker implements Tracker over JSON-RPC. Calls are retried and
// guarded by a per-network circuit breaker.
type EVMTracker struct {
	client  EthClient
	cfg     Config
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

var _ Tracker = (*EVMTracker)(nil)

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string, cfg Config, logger *slog.Logger) (*EVMTracker, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return NewEVMTracker(client, cfg, logger), client.Close, nil
}

func NewEVMTracker(client EthClient, cfg Config, logger *slog.Logger) *EVMTracker {
	if cfg.MaxSpan == 0 {
		cfg.MaxSpan = defaultMaxSpan
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &EVMTracker{
		client:  client,
		cfg:     cfg,
		breaker: circuitbreaker.New("chain", 5, 30*time.Second),
		logger:  logger,
	}
}

// call runs fn through the breaker with retries. Only transport failures
// count against the circuit.
func (t *EVMTracker) call(ctx context.Context, fn func() error) error {
	err := t.breaker.Do(t.cfg.Network, countable, func() error {
		return retry.Do(ctx, t.cfg.Attempts, t.cfg.Backoff, fn)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %s circuit open", ErrUnavailable, t.cfg.Network)
	}
	return err
}

func (t *EVMTracker) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := t.call(ctx, func() error {
		n, err := t.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	metrics.ChainHeadBlock.WithLabelValues(t.cfg.Network).Set(float64(head))
	return head, nil
}

func (t *EVMTracker) FindTransfer(ctx context.Context, to common.Address, min *big.Int, fromBlock uint64) (*Transfer, error) {
	head, err := t.Head(ctx)
	if err != nil {
		return nil, err
	}
	if fromBlock > head {
		return nil, nil
	}

	for start := fromBlock; start <= head; start += t.cfg.MaxSpan {
		end := start + t.cfg.MaxSpan - 1
		if end > head {
			end = head
		}
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{t.cfg.Token},
			Topics: [][]common.Hash{
				{TransferEventSig},
				nil,
				{common.BytesToHash(to.Bytes())},
			},
		}

		var logs []types.Log
		err := t.call(ctx, func() error {
			l, err := t.client.FilterLogs(ctx, query)
			if err != nil {
				return err
			}
			logs = l
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("filter logs %d-%d: %w", start, end, err)
		}

		sort.Slice(logs, func(i, j int) bool {
			if logs[i].BlockNumber == logs[j].BlockNumber {
				return logs[i].Index < logs[j].Index
			}
			return logs[i].BlockNumber < logs[j].BlockNumber
		})
		for _, lg := range logs {
			tr, ok := t.parseTransfer(lg)
			if !ok || tr.To != to || tr.Amount.Cmp(min) < 0 {
				continue
			}
			tr.Confirmations = confirmations(head, tr.BlockNumber)
			return tr, nil
		}
	}
	return nil, nil
}

func (t *EVMTracker) InspectTx(ctx context.Context, txHash string, to common.Address, min *big.Int) (*Transfer, error) {
	if !txHashPattern.MatchString(txHash) {
		return nil, ErrInvalidTxRef
	}

	var receipt *types.Receipt
	err := t.call(ctx, func() error {
		r, err := t.client.TransactionReceipt(ctx, common.HexToHash(txHash))
		if errors.Is(err, ethereum.NotFound) {
			return retry.Permanent(ErrTxNotFound)
		}
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, ErrTxFailed
	}

	head, err := t.Head(ctx)
	if err != nil {
		return nil, err
	}

	for _, lg := range receipt.Logs {
		if lg == nil {
			continue
		}
		tr, ok := t.parseTransfer(*lg)
		if !ok || tr.To != to || tr.Amount.Cmp(min) < 0 {
			continue
		}
		if receipt.BlockNumber != nil {
			tr.BlockNumber = receipt.BlockNumber.Uint64()
		}
		tr.Confirmations = confirmations(head, tr.BlockNumber)
		return tr, nil
	}
	return nil, ErrNoTransfer
}

// parseTransfer decodes an ERC-20 Transfer log emitted by the configured
// token. Removed (reorged) logs are ignored.
func (t *EVMTracker) parseTransfer(lg types.Log) (*Transfer, bool) {
	if lg.Removed || lg.Address != t.cfg.Token || len(lg.Topics) < 3 || lg.Topics[0] != TransferEventSig {
		return nil, false
	}
	return &Transfer{
		TxHash:      lg.TxHash.Hex(),
		From:        common.BytesToAddress(lg.Topics[1].Bytes()),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount:      new(big.Int).SetBytes(lg.Data),
		BlockNumber: lg.BlockNumber,
	}, true
}

func countable(err error) bool {
	return !errors.Is(err, ErrTxNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func confirmations(head, block uint64) uint64 {
	if block == 0 || block > head {
		return 0
	}
	return head - block + 1
}
