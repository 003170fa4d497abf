package chainadapter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Snapshot is the on-chain state of one account at BlockHeight.
type Snapshot struct {
	Balance     *big.Int
	Nonce       uint64
	BlockHeight uint64
}

type BalanceReader interface {
	Snapshot(ctx context.Context, address string) (Snapshot, error)
}

// ethBackend is the subset of *ethclient.Client the reader needs.
type ethBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// EVMReader reads balances and nonces from an EVM JSON-RPC endpoint.
type EVMReader struct {
	client ethBackend
}

func NewEVMReader(client ethBackend) *EVMReader {
	return &EVMReader{client: client}
}

// DialEVM connects to rpc and, when chainID is non-zero, checks the remote
// chain id matches.
func DialEVM(ctx context.Context, rpc string, chainID uint64) (*EVMReader, error) {
	client, err := ethclient.DialContext(ctx, rpc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpc, err)
	}
	if chainID != 0 {
		got, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to get chain ID: %w", err)
		}
		if !got.IsUint64() || got.Uint64() != chainID {
			client.Close()
			return nil, fmt.Errorf("chain ID mismatch: expected %d, got %s", chainID, got)
		}
	}
	return &EVMReader{client: client}, nil
}

// Snapshot reads balance and nonce pinned to the current head so both
// values describe the same block.
func (r *EVMReader) Snapshot(ctx context.Context, address string) (Snapshot, error) {
	if !common.IsHexAddress(address) {
		return Snapshot{}, fmt.Errorf("not an EVM address: %q", address)
	}
	acct := common.HexToAddress(address)
	height, err := r.client.BlockNumber(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("block number: %w", err)
	}
	at := new(big.Int).SetUint64(height)
	bal, err := r.client.BalanceAt(ctx, acct, at)
	if err != nil {
		return Snapshot{}, fmt.Errorf("balance of %s: %w", acct.Hex(), err)
	}
	nonce, err := r.client.NonceAt(ctx, acct, at)
	if err != nil {
		return Snapshot{}, fmt.Errorf("nonce of %s: %w", acct.Hex(), err)
	}
	return Snapshot{Balance: bal, Nonce: nonce, BlockHeight: height}, nil
}

func (r *EVMReader) Close() {
	r.client.Close()
}
