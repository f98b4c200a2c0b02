package gas

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
)

const (
	feeHistoryBlocks    = 20
	rewardPercentile    = 20.0
	minPriorityGwei     = 1
	defaultPriorityGwei = 2
	blobGasPerBlob      = 131_072
)

// FeeHistoryClient is the slice of ethclient.Client the fallback estimator
// needs. Kept narrow and mockable rather than depending on the whole
// provider package, matching the teacher's habit of dialing a plain
// ethclient.Client per demo and calling one or two methods on it.
type FeeHistoryClient interface {
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (Header, error)
	BlobBaseFee(ctx context.Context) (*big.Int, error)
}

// Header is the minimal header surface the estimator reads (BaseFee).
type Header interface {
	BaseFeeWei() *big.Int
}

// FallbackEstimator implements spec §4.2's always-available backend: fee
// history at the 20th reward percentile over the last 20 blocks, plus the
// chain's blob base fee where supported.
type FallbackEstimator struct {
	client       FeeHistoryClient
	blobChains   map[uint64]bool
	supported    map[uint64]bool
}

// NewFallbackEstimator builds an estimator for the given client. supported
// lists every chain ID this estimator will answer for (IsChainSupported is
// a static allowlist per spec's "explicitly enumerated" wording for blob
// pricing, generalized here to the fallback estimator overall); blobChains
// is the subset that also supports EIP-4844 blob pricing.
func NewFallbackEstimator(client FeeHistoryClient, supported []uint64, blobChains []uint64) *FallbackEstimator {
	supportedSet := make(map[uint64]bool, len(supported))
	for _, c := range supported {
		supportedSet[c] = true
	}
	blobSet := make(map[uint64]bool, len(blobChains))
	for _, c := range blobChains {
		blobSet[c] = true
	}
	return &FallbackEstimator{client: client, supported: supportedSet, blobChains: blobSet}
}

func (f *FallbackEstimator) IsChainSupported(chainID uint64) bool { return f.supported[chainID] }

func (f *FallbackEstimator) SupportsBlobPricing(chainID uint64) bool { return f.blobChains[chainID] }

// GetGasPrices implements the exact algorithm of spec §4.2:
//
//	query fee history for the last 20 blocks at the 20th reward percentile;
//	take the median priority; base fee = latest block base fee; max fee =
//	max(base + priority, priority * 2); clamp priority to >= 1 gwei,
//	default 2 gwei if history is empty. Tiers: slow (0.8/0.9), medium
//	(1.0), fast (1.3/1.2), super-fast (1.8/1.5) on priority/max respectively.
func (f *FallbackEstimator) GetGasPrices(ctx context.Context, chainID uint64) (*Prices, error) {
	if !f.IsChainSupported(chainID) {
		return nil, fmt.Errorf("gas: chain %d not supported by fallback estimator", chainID)
	}

	history, err := f.client.FeeHistory(ctx, feeHistoryBlocks, nil, []float64{rewardPercentile})
	if err != nil {
		return nil, fmt.Errorf("gas: fee history: %w", err)
	}

	priority := medianPriority(history)
	head, err := f.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("gas: latest header: %w", err)
	}
	baseFee := head.BaseFeeWei()
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}

	maxFee := maxBig(new(big.Int).Add(baseFee, priority), new(big.Int).Mul(priority, big.NewInt(2)))

	prices := &Prices{
		Slow:      scaleTier(priority, maxFee, 0.8, 0.9),
		Medium:    scaleTier(priority, maxFee, 1.0, 1.0),
		Fast:      scaleTier(priority, maxFee, 1.3, 1.2),
		SuperFast: scaleTier(priority, maxFee, 1.8, 1.5),
	}

	if f.SupportsBlobPricing(chainID) {
		blobBase, err := f.client.BlobBaseFee(ctx)
		if err != nil {
			return nil, fmt.Errorf("gas: blob base fee: %w", err)
		}
		prices.BlobFee = &BlobPrices{
			Slow:      scaleBlob(blobBase, 0.8),
			Medium:    scaleBlob(blobBase, 1.0),
			Fast:      scaleBlob(blobBase, 1.2),
			SuperFast: scaleBlob(blobBase, 1.5),
		}
	}
	return prices, nil
}

// medianPriority returns the median of the single-percentile reward
// series, clamped to >= 1 gwei, defaulting to 2 gwei on empty history.
func medianPriority(history *ethereum.FeeHistory) *big.Int {
	var rewards []*big.Int
	for _, block := range history.Reward {
		if len(block) > 0 {
			rewards = append(rewards, block[0])
		}
	}
	if len(rewards) == 0 {
		return new(big.Int).Mul(big.NewInt(defaultPriorityGwei), gwei)
	}

	sorted := append([]*big.Int(nil), rewards...)
	sortBigInts(sorted)
	median := sorted[len(sorted)/2]

	minPriority := new(big.Int).Mul(big.NewInt(minPriorityGwei), gwei)
	if median.Cmp(minPriority) < 0 {
		return minPriority
	}
	return median
}

func sortBigInts(s []*big.Int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].Cmp(s[j]) > 0; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// scaleTier multiplies priority and maxFee by the given floating
// percentages, matching spec §4.2's tier table.
func scaleTier(priority, maxFee *big.Int, priorityScale, maxFeeScale float64) Tier {
	return Tier{
		MaxPriorityFee: scaleFloat(priority, priorityScale),
		MaxFee:         scaleFloat(maxFee, maxFeeScale),
	}
}

func scaleBlob(base *big.Int, scale float64) *big.Int {
	scaled := scaleFloat(base, scale)
	return new(big.Int).Mul(scaled, big.NewInt(blobGasPerBlob))
}

// scaleFloat multiplies a big.Int by a decimal scale using fixed-point
// arithmetic (x1000) to avoid float64 precision loss on wei-scale values,
// the production counterpart to the teacher's float64 ETH conversion
// (which the teacher itself calls demo-only, see 05-tx-nonces).
func scaleFloat(v *big.Int, scale float64) *big.Int {
	const precision = 1000
	scaledInt := big.NewInt(int64(scale * precision))
	result := new(big.Int).Mul(v, scaledInt)
	return result.Div(result, big.NewInt(precision))
}

// headerAdapter adapts *types.Header (go-ethereum) to the Header
// interface above so production callers can pass ethclient results
// directly without this package importing core/types for a single field.
type headerAdapter struct{ baseFee *big.Int }

func (h headerAdapter) BaseFeeWei() *big.Int { return h.baseFee }

// WrapHeader is the production adapter constructor used by
// internal/provider.
func WrapHeader(baseFee *big.Int) Header { return headerAdapter{baseFee: baseFee} }
