// Package gas implements the Gas Fee Estimator (spec §4.2): a small
// variant-dispatched interface over {get-gas-prices, is-chain-supported,
// supports-blob-pricing}, with a fallback backend grounded in the
// teacher's 06-eip1559 module (gwei/wei conversions, GasTipCap/GasFeeCap
// construction) generalized from "build one transaction's fee fields" to
// "price four tiers from on-chain fee history".
package gas

import (
	"context"
	"math/big"
)

var gwei = big.NewInt(1_000_000_000)

// Tier is one of the four priced speed levels spec §4.2 requires.
type Tier struct {
	MaxPriorityFee *big.Int
	MaxFee         *big.Int
	MinWaitEst     *int64 // seconds, nil if unknown
	MaxWaitEst     *int64
}

// Prices is the result shape of GetGasPrices: four tiers plus an optional
// blob base fee for chains that support EIP-4844 (spec §4.2).
type Prices struct {
	Slow      Tier
	Medium    Tier
	Fast      Tier
	SuperFast Tier
	BlobFee   *BlobPrices // nil unless the chain supports blob pricing
}

// BlobPrices holds the four scaled blob-fee tiers (spec §4.2's blob
// algorithm: base scaled 0.8/1.0/1.2/1.5, multiplied by the blob gas unit).
type BlobPrices struct {
	Slow, Medium, Fast, SuperFast *big.Int
}

// Tier selects one of the four priced levels by name, defaulting to
// Medium for an empty/unrecognized tier.
func (p *Prices) Tier(name string) Tier {
	switch name {
	case "slow":
		return p.Slow
	case "fast":
		return p.Fast
	case "superFast":
		return p.SuperFast
	default:
		return p.Medium
	}
}

// LegacyGasPrice derives the single gas_price legacy callers need:
// max_fee + max_priority_fee (spec §4.2).
func (t Tier) LegacyGasPrice() *big.Int {
	if t.MaxFee == nil {
		return new(big.Int).Set(t.MaxPriority())
	}
	return new(big.Int).Add(t.MaxFee, t.MaxPriority())
}

// MaxPriority is a defensive accessor so LegacyGasPrice never panics on a
// zero-value Tier.
func (t Tier) MaxPriority() *big.Int {
	if t.MaxPriorityFee == nil {
		return big.NewInt(0)
	}
	return t.MaxPriorityFee
}

// Estimator is the polymorphic capability set of spec §4.2.
type Estimator interface {
	GetGasPrices(ctx context.Context, chainID uint64) (*Prices, error)
	IsChainSupported(chainID uint64) bool
	SupportsBlobPricing(chainID uint64) bool
}
