package signer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rrelayer/rrelayer-go/internal/apperrors"
)

// KMSClient is the minimal remote-signing surface a cloud HSM or custodial
// key-management service must expose. rrelayer never holds the private
// key for this variant; every signature crosses the network. Concrete
// clients (AWS KMS, GCP Cloud KMS, a custodial vendor API) are expected to
// be supplied by the deployment, not by this package — this keeps the
// credential/endpoint handling (explicitly out of scope per spec §1) out
// of the queue's hot path.
type KMSClient interface {
	// Address returns the address controlled by keyID.
	Address(ctx context.Context, keyID string) (common.Address, error)
	// Sign returns a 65-byte secp256k1 signature over hash, produced by
	// the remote service.
	Sign(ctx context.Context, keyID string, hash []byte) ([]byte, error)
}

// KMSManager wraps a KMSClient, mapping wallet-index to a remote key ID.
// It is the "remote-KMS" / "custodial" variant of spec §4.1.
type KMSManager struct {
	client     KMSClient
	keyIDs     []string
	blobCapable bool
	addressCache
}

// NewKMSManager binds one key ID per wallet-index, in order.
func NewKMSManager(client KMSClient, keyIDs []string, blobCapable bool) *KMSManager {
	return &KMSManager{client: client, keyIDs: keyIDs, blobCapable: blobCapable, addressCache: newAddressCache()}
}

func (k *KMSManager) keyIDFor(index uint32) (string, error) {
	if int(index) >= len(k.keyIDs) {
		return "", classifyIndexError(index, len(k.keyIDs))
	}
	return k.keyIDs[index], nil
}

func (k *KMSManager) GetAddress(ctx context.Context, index uint32, chainID uint64) (common.Address, error) {
	if addr, ok := k.addressCache.get(index, chainID); ok {
		return addr, nil
	}
	keyID, err := k.keyIDFor(index)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := k.client.Address(ctx, keyID)
	if err != nil {
		return common.Address{}, fmt.Errorf("kms manager: address lookup: %w", err)
	}
	k.addressCache.put(index, chainID, addr)
	return addr, nil
}

func (k *KMSManager) CreateWallet(ctx context.Context, index uint32, chainID uint64) error {
	_, err := k.GetAddress(ctx, index, chainID)
	return err
}

func (k *KMSManager) SignTransaction(ctx context.Context, index uint32, _ uint64, tx *types.Transaction) (*types.Transaction, error) {
	if tx.Type() == types.BlobTxType && !k.blobCapable {
		return nil, fmt.Errorf("kms manager: %w", apperrors.ErrUnsupportedTxType)
	}
	keyID, err := k.keyIDFor(index)
	if err != nil {
		return nil, err
	}
	signer := types.LatestSignerForChainID(tx.ChainId())
	h := signer.Hash(tx)
	sig, err := k.client.Sign(ctx, keyID, h[:])
	if err != nil {
		return nil, fmt.Errorf("kms manager: remote sign: %w", err)
	}
	return tx.WithSignature(signer, sig)
}

func (k *KMSManager) SignText(ctx context.Context, index uint32, _ uint64, message []byte) ([]byte, error) {
	keyID, err := k.keyIDFor(index)
	if err != nil {
		return nil, err
	}
	hash := accounts.TextHash(message)
	return k.client.Sign(ctx, keyID, hash)
}

func (k *KMSManager) SignTypedData(ctx context.Context, index uint32, _ uint64, digest [32]byte) ([]byte, error) {
	keyID, err := k.keyIDFor(index)
	if err != nil {
		return nil, err
	}
	return k.client.Sign(ctx, keyID, digest[:])
}

func (k *KMSManager) SupportsBlobs() bool { return k.blobCapable }
