package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKeyManager holds a fixed list of raw keys, indexed by position.
// This is the "private-key list" variant of spec §4.1: it has a finite key
// set, so an out-of-range index is InvalidIndex.
type PrivateKeyManager struct {
	keys []*ecdsa.PrivateKey
	addressCache
}

// NewPrivateKeyManager parses hexKeys (with or without "0x" prefix). A
// malformed key is a ConfigurationError.
func NewPrivateKeyManager(hexKeys []string) (*PrivateKeyManager, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(hexKeys))
	for i, hexKey := range hexKeys {
		priv, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("private key manager: key %d: %w", i, errConfig)
		}
		keys = append(keys, priv)
	}
	return &PrivateKeyManager{keys: keys, addressCache: newAddressCache()}, nil
}

func (p *PrivateKeyManager) keyFor(index uint32) (*ecdsa.PrivateKey, error) {
	if int(index) >= len(p.keys) {
		return nil, classifyIndexError(index, len(p.keys))
	}
	return p.keys[index], nil
}

func (p *PrivateKeyManager) GetAddress(_ context.Context, index uint32, chainID uint64) (common.Address, error) {
	if addr, ok := p.addressCache.get(index, chainID); ok {
		return addr, nil
	}
	priv, err := p.keyFor(index)
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	p.addressCache.put(index, chainID, addr)
	return addr, nil
}

func (p *PrivateKeyManager) CreateWallet(ctx context.Context, index uint32, chainID uint64) error {
	_, err := p.GetAddress(ctx, index, chainID)
	return err
}

func (p *PrivateKeyManager) SignTransaction(_ context.Context, index uint32, _ uint64, tx *types.Transaction) (*types.Transaction, error) {
	priv, err := p.keyFor(index)
	if err != nil {
		return nil, err
	}
	signer := types.LatestSignerForChainID(tx.ChainId())
	return signTransactionWithKey(tx, 0, signer, func(h []byte) ([]byte, error) {
		return crypto.Sign(h, priv)
	})
}

func (p *PrivateKeyManager) SignText(_ context.Context, index uint32, _ uint64, message []byte) ([]byte, error) {
	priv, err := p.keyFor(index)
	if err != nil {
		return nil, err
	}
	hash := accounts.TextHash(message)
	return crypto.Sign(hash, priv)
}

func (p *PrivateKeyManager) SignTypedData(_ context.Context, index uint32, _ uint64, digest [32]byte) ([]byte, error) {
	priv, err := p.keyFor(index)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest[:], priv)
}

func (p *PrivateKeyManager) SupportsBlobs() bool { return true }
