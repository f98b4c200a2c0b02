package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// MnemonicManager derives a fresh secp256k1 key per wallet-index from a
// single BIP-39 mnemonic using the standard Ethereum BIP-44 path
// (m/44'/60'/0'/0/index). Keys are derived lazily and cached: this is the
// mnemonic variant named in spec §4.1, and it has no finite key set, so
// CreateWallet never returns InvalidIndex.
type MnemonicManager struct {
	seed []byte

	mu   sync.Mutex
	keys map[uint32]*ecdsa.PrivateKey

	addressCache
}

// NewMnemonicManager validates mnemonic and prepares a manager that
// derives keys on demand. An invalid mnemonic is a ConfigurationError per
// spec §4.1.
func NewMnemonicManager(mnemonic string) (*MnemonicManager, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("mnemonic manager: invalid mnemonic: %w", errConfig)
	}
	seed := bip39.NewSeed(mnemonic, "")
	return &MnemonicManager{
		seed:         seed,
		keys:         make(map[uint32]*ecdsa.PrivateKey),
		addressCache: newAddressCache(),
	}, nil
}

func (m *MnemonicManager) keyFor(index uint32) (*ecdsa.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[index]; ok {
		return k, nil
	}
	priv, err := derivePath(m.seed, ethereumPath(index))
	if err != nil {
		return nil, fmt.Errorf("mnemonic manager: derive index %d: %w", index, err)
	}
	m.keys[index] = priv
	return priv, nil
}

func (m *MnemonicManager) GetAddress(_ context.Context, index uint32, chainID uint64) (common.Address, error) {
	if addr, ok := m.addressCache.get(index, chainID); ok {
		return addr, nil
	}
	priv, err := m.keyFor(index)
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	m.addressCache.put(index, chainID, addr)
	return addr, nil
}

func (m *MnemonicManager) CreateWallet(ctx context.Context, index uint32, chainID uint64) error {
	_, err := m.GetAddress(ctx, index, chainID)
	return err
}

func (m *MnemonicManager) SignTransaction(_ context.Context, index uint32, chainID uint64, tx *types.Transaction) (*types.Transaction, error) {
	priv, err := m.keyFor(index)
	if err != nil {
		return nil, err
	}
	if tx.Type() == types.BlobTxType && !m.SupportsBlobs() {
		return nil, fmt.Errorf("mnemonic manager: %w", errUnsupportedBlob)
	}
	signer := types.LatestSignerForChainID(tx.ChainId())
	return signTransactionWithKey(tx, chainID, signer, func(h []byte) ([]byte, error) {
		return crypto.Sign(h, priv)
	})
}

func (m *MnemonicManager) SignText(_ context.Context, index uint32, _ uint64, message []byte) ([]byte, error) {
	priv, err := m.keyFor(index)
	if err != nil {
		return nil, err
	}
	hash := accounts.TextHash(message)
	return crypto.Sign(hash, priv)
}

func (m *MnemonicManager) SignTypedData(_ context.Context, index uint32, _ uint64, digest [32]byte) ([]byte, error) {
	priv, err := m.keyFor(index)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest[:], priv)
}

func (m *MnemonicManager) SupportsBlobs() bool { return true }
