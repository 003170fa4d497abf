package record

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

type ChainType string

const (
	ChainEthereum ChainType = "ethereum"
	ChainSolana   ChainType = "solana"
	ChainBitcoin  ChainType = "bitcoin"
)

func ParseChain(s string) (ChainType, error) {
	switch ChainType(strings.ToLower(strings.TrimSpace(s))) {
	case ChainEthereum:
		return ChainEthereum, nil
	case ChainSolana:
		return ChainSolana, nil
	case ChainBitcoin:
		return ChainBitcoin, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChain, s)
}

// NormalizeAddress validates addr for the chain and returns its canonical form.
// EVM addresses are returned EIP-55 checksummed, bech32 addresses lowercased.
func NormalizeAddress(chain ChainType, addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	switch chain {
	case ChainEthereum:
		return normalizeEVM(addr)
	case ChainSolana:
		return normalizeSolana(addr)
	case ChainBitcoin:
		return normalizeBitcoin(addr)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChain, chain)
}

// RecordID is the replicated key of a wallet: "<chain>:<canonical address>".
func RecordID(chain ChainType, addr string) (string, error) {
	norm, err := NormalizeAddress(chain, addr)
	if err != nil {
		return "", err
	}
	return string(chain) + ":" + norm, nil
}

// SplitID parses a record id back into chain and address.
func SplitID(id string) (ChainType, string, error) {
	prefix, addr, ok := strings.Cut(id, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrIDMismatch, id)
	}
	chain, err := ParseChain(prefix)
	if err != nil {
		return "", "", err
	}
	return chain, addr, nil
}

func normalizeEVM(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	checksummed := common.HexToAddress(addr).Hex()
	body := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if "0x"+body != checksummed {
			return "", fmt.Errorf("%w: %q", ErrBadChecksum, addr)
		}
	}
	return checksummed, nil
}

func normalizeSolana(addr string) (string, error) {
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return addr, nil
}

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func normalizeBitcoin(addr string) (string, error) {
	lower := strings.ToLower(addr)
	if strings.HasPrefix(lower, "bc1") || strings.HasPrefix(lower, "tb1") {
		if addr != lower && addr != strings.ToUpper(addr) {
			return "", fmt.Errorf("%w: mixed-case bech32 %q", ErrInvalidAddress, addr)
		}
		if len(lower) < 14 || len(lower) > 74 {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
		for _, c := range lower[3:] {
			if !strings.ContainsRune(bech32Charset, c) {
				return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
			}
		}
		return lower, nil
	}
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) != 25 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	switch raw[0] {
	case 0x00, 0x05, 0x6f, 0xc4:
	default:
		return "", fmt.Errorf("%w: version byte %#x", ErrInvalidAddress, raw[0])
	}
	first := sha256.Sum256(raw[:21])
	second := sha256.Sum256(first[:])
	if !bytes.Equal(second[:4], raw[21:]) {
		return "", fmt.Errorf("%w: %q", ErrBadChecksum, addr)
	}
	return addr, nil
}
