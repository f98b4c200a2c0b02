package queue

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
	"github.com/holiman/uint256"

	"github.com/rrelayer/rrelayer-go/internal/apperrors"
	"github.com/rrelayer/rrelayer-go/internal/apptypes"
	"github.com/rrelayer/rrelayer-go/internal/gas"
)

// blobCommitmentVersion is EIP-4844's versioned-hash prefix byte: a
// blob's hash is version || sha256(commitment)[1:].
const blobCommitmentVersion = 0x01

// blobVersionedHash computes the versioned hash go-ethereum calls
// kzg4844.CalcBlobHashV1 internally; reproduced here with stdlib
// crypto/sha256 since that helper isn't part of go-ethereum's exported
// API in this version.
func blobVersionedHash(commitment kzg4844.Commitment) common.Hash {
	sum := sha256.Sum256(commitment[:])
	sum[0] = blobCommitmentVersion
	return common.Hash(sum)
}

// buildSkeleton constructs the unsigned transaction for tx at the given
// nonce and gas tier, per spec §4.3.1 step 6 / §9's design note to
// pattern-match an explicit typed-transaction enum rather than duck-type.
// Legacy is used when the relayer has EIP-1559 disabled; EIP-4844 is used
// whenever the intent carries blobs (only valid if the relayer's network
// supports it, checked by the caller); EIP-1559 otherwise.
func buildSkeleton(tx *apptypes.Transaction, nonce uint64, tier gas.Tier, eip1559Enabled bool, blobFeeCap *big.Int) (*types.Transaction, apptypes.GasPrice, error) {
	if len(tx.Blobs) > 0 {
		inner, price, err := buildBlobTx(tx, nonce, tier, blobFeeCap)
		if err != nil {
			return nil, apptypes.GasPrice{}, err
		}
		return types.NewTx(inner), price, nil
	}

	if !eip1559Enabled {
		price := apptypes.GasPrice{IsLegacy: true, GasPrice: tier.LegacyGasPrice()}
		inner := &types.LegacyTx{
			Nonce:    nonce,
			To:       &tx.To,
			Value:    cloneBig(tx.Value),
			Gas:      tx.GasLimit,
			GasPrice: price.GasPrice,
			Data:     tx.Data,
		}
		return types.NewTx(inner), price, nil
	}

	price := apptypes.GasPrice{MaxPriority: tier.MaxPriorityFee, MaxFee: tier.MaxFee}
	inner := &types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(tx.ChainID),
		Nonce:     nonce,
		To:        &tx.To,
		Value:     cloneBig(tx.Value),
		Gas:       tx.GasLimit,
		GasTipCap: price.MaxPriority,
		GasFeeCap: price.MaxFee,
		Data:      tx.Data,
	}
	return types.NewTx(inner), price, nil
}

func buildBlobTx(tx *apptypes.Transaction, nonce uint64, tier gas.Tier, blobFeeCap *big.Int) (*types.BlobTx, apptypes.GasPrice, error) {
	if blobFeeCap == nil {
		return nil, apptypes.GasPrice{}, fmt.Errorf("queue: %w: no blob fee cap available", apperrors.ErrInvalidBlob)
	}
	value, overflow := uint256.FromBig(tx.Value)
	if overflow {
		return nil, apptypes.GasPrice{}, fmt.Errorf("queue: %w: value overflows uint256", apperrors.ErrInvalidBlob)
	}
	tip, overflow := uint256.FromBig(tier.MaxPriorityFee)
	if overflow {
		return nil, apptypes.GasPrice{}, fmt.Errorf("queue: %w: priority fee overflows uint256", apperrors.ErrInvalidBlob)
	}
	feeCap, overflow := uint256.FromBig(tier.MaxFee)
	if overflow {
		return nil, apptypes.GasPrice{}, fmt.Errorf("queue: %w: max fee overflows uint256", apperrors.ErrInvalidBlob)
	}
	blobFee, overflow := uint256.FromBig(blobFeeCap)
	if overflow {
		return nil, apptypes.GasPrice{}, fmt.Errorf("queue: %w: blob fee cap overflows uint256", apperrors.ErrInvalidBlob)
	}

	sidecar := &types.BlobTxSidecar{}
	hashes := make([]common.Hash, 0, len(tx.Blobs))
	for _, b := range tx.Blobs {
		var blob kzg4844.Blob
		copy(blob[:], b.Data)
		commitment := kzg4844.Commitment(b.Commitment)
		proof := kzg4844.Proof(b.Proof)
		sidecar.Blobs = append(sidecar.Blobs, blob)
		sidecar.Commitments = append(sidecar.Commitments, commitment)
		sidecar.Proofs = append(sidecar.Proofs, proof)
		hashes = append(hashes, blobVersionedHash(commitment))
	}

	inner := &types.BlobTx{
		ChainID:    uint256.NewInt(tx.ChainID),
		Nonce:      nonce,
		To:         tx.To,
		Value:      value,
		Gas:        tx.GasLimit,
		GasTipCap:  tip,
		GasFeeCap:  feeCap,
		Data:       tx.Data,
		BlobFeeCap: blobFee,
		BlobHashes: hashes,
		Sidecar:    sidecar,
	}
	price := apptypes.GasPrice{
		MaxPriority:  tier.MaxPriorityFee,
		MaxFee:       tier.MaxFee,
		BlobGasPrice: blobFeeCap,
	}
	return inner, price, nil
}

// bumpTier returns a gas tier strictly higher than current: +12.5% on
// both priority and max fee, which is the minimum bump most clients
// (and the spec's cancel/replace rules) require to displace a pending
// nonce. For a legacy price the bumped gas_price is returned as MaxFee
// with a zero priority fee, so LegacyGasPrice yields gas_price x1.125.
func bumpTier(current apptypes.GasPrice) gas.Tier {
	if current.IsLegacy {
		return gas.Tier{MaxPriorityFee: big.NewInt(0), MaxFee: bumpLegacy(current.GasPrice)}
	}
	return gas.Tier{
		MaxPriorityFee: bumpBig(current.MaxPriority, 1125, 1000),
		MaxFee:         bumpBig(current.MaxFee, 1125, 1000),
	}
}

// bumpLegacy is bumpTier's legacy-mode counterpart: a single gas_price
// bumped by the same +12.5%.
func bumpLegacy(price *big.Int) *big.Int {
	return bumpBig(price, 1125, 1000)
}

func bumpBig(v *big.Int, numerator, denominator int64) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Div(new(big.Int).Mul(v, big.NewInt(numerator)), big.NewInt(denominator))
}

func higherOf(bumped gas.Tier, nextTier gas.Tier) gas.Tier {
	t := bumped
	if nextTier.MaxFee != nil && nextTier.MaxFee.Cmp(t.MaxFee) > 0 {
		t.MaxFee = nextTier.MaxFee
	}
	if nextTier.MaxPriorityFee != nil && nextTier.MaxPriorityFee.Cmp(t.MaxPriorityFee) > 0 {
		t.MaxPriorityFee = nextTier.MaxPriorityFee
	}
	return t
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// exceedsCap reports whether price's max fee (or legacy gas price)
// exceeds the relayer's configured cap, if any.
func exceedsCap(maxCap *big.Int, price apptypes.GasPrice) bool {
	if maxCap == nil {
		return false
	}
	effective := price.MaxFee
	if price.IsLegacy {
		effective = price.GasPrice
	}
	if effective == nil {
		return false
	}
	return effective.Cmp(maxCap) > 0
}
