package gas

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// externalHTTPTimeout matches spec §5: "Gas-estimator HTTP calls use 10s."
const externalHTTPTimeout = 10 * time.Second

// externalTierResponse is the wire shape of the generic tiered-gas-api
// this estimator targets: four named tiers, each with priority/max fee in
// wei as decimal strings.
type externalTierResponse struct {
	Slow      externalTier `json:"slow"`
	Medium    externalTier `json:"medium"`
	Fast      externalTier `json:"fast"`
	SuperFast externalTier `json:"superFast"`
}

type externalTier struct {
	MaxPriorityFeeWei string `json:"maxPriorityFeeWei"`
	MaxFeeWei         string `json:"maxFeeWei"`
	MinWaitSeconds    *int64 `json:"minWaitSeconds,omitempty"`
	MaxWaitSeconds    *int64 `json:"maxWaitSeconds,omitempty"`
}

func (t externalTier) toTier() (Tier, error) {
	priority, ok := new(big.Int).SetString(t.MaxPriorityFeeWei, 10)
	if !ok {
		return Tier{}, fmt.Errorf("gas: malformed maxPriorityFeeWei %q", t.MaxPriorityFeeWei)
	}
	maxFee, ok := new(big.Int).SetString(t.MaxFeeWei, 10)
	if !ok {
		return Tier{}, fmt.Errorf("gas: malformed maxFeeWei %q", t.MaxFeeWei)
	}
	return Tier{
		MaxPriorityFee: priority,
		MaxFee:         maxFee,
		MinWaitEst:     t.MinWaitSeconds,
		MaxWaitEst:     t.MaxWaitSeconds,
	}, nil
}

// ExternalEstimator calls a third-party gas-price API over HTTP. Per spec
// §4.2, it is tried first when configured; a caller wraps it with
// FallbackEstimator (see Chained below) so any failure here — timeout, 5xx,
// malformed body — falls through to eth_feeHistory instead of failing the
// submission.
type ExternalEstimator struct {
	baseURL    string
	httpClient *http.Client
	supported  map[uint64]bool
}

// NewExternalEstimator builds an estimator bound to baseURL, which must
// accept GET {baseURL}/{chainID} and return an externalTierResponse.
func NewExternalEstimator(baseURL string, supported []uint64) *ExternalEstimator {
	set := make(map[uint64]bool, len(supported))
	for _, c := range supported {
		set[c] = true
	}
	return &ExternalEstimator{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: externalHTTPTimeout},
		supported:  set,
	}
}

func (e *ExternalEstimator) IsChainSupported(chainID uint64) bool { return e.supported[chainID] }

// SupportsBlobPricing is always false for the generic external estimator:
// the wire format above carries no blob fields. Callers needing blob
// pricing alongside an external provider should combine it with
// FallbackEstimator, which does carry BlobFee.
func (e *ExternalEstimator) SupportsBlobPricing(uint64) bool { return false }

func (e *ExternalEstimator) GetGasPrices(ctx context.Context, chainID uint64) (*Prices, error) {
	url := fmt.Sprintf("%s/%d", e.baseURL, chainID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gas: build request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gas: external provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gas: external provider returned status %d", resp.StatusCode)
	}

	var wire externalTierResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("gas: decode external provider response: %w", err)
	}

	slow, err := wire.Slow.toTier()
	if err != nil {
		return nil, err
	}
	medium, err := wire.Medium.toTier()
	if err != nil {
		return nil, err
	}
	fast, err := wire.Fast.toTier()
	if err != nil {
		return nil, err
	}
	superFast, err := wire.SuperFast.toTier()
	if err != nil {
		return nil, err
	}

	return &Prices{Slow: slow, Medium: medium, Fast: fast, SuperFast: superFast}, nil
}

// Chained tries primary first and falls back to secondary on any error,
// implementing spec §4.2's "fallback ... used when no external provider
// is configured or the configured one fails".
type Chained struct {
	Primary   Estimator
	Secondary Estimator
}

func (c *Chained) GetGasPrices(ctx context.Context, chainID uint64) (*Prices, error) {
	if c.Primary != nil && c.Primary.IsChainSupported(chainID) {
		if prices, err := c.Primary.GetGasPrices(ctx, chainID); err == nil {
			return prices, nil
		}
	}
	return c.Secondary.GetGasPrices(ctx, chainID)
}

func (c *Chained) IsChainSupported(chainID uint64) bool {
	if c.Primary != nil && c.Primary.IsChainSupported(chainID) {
		return true
	}
	return c.Secondary.IsChainSupported(chainID)
}

func (c *Chained) SupportsBlobPricing(chainID uint64) bool {
	return c.Secondary.SupportsBlobPricing(chainID)
}
