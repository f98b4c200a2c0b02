package signer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Range is one band of wallet-indices routed to a specific Manager.
type Range struct {
	From, To uint32 // inclusive
	Manager  Manager
}

// CompositeManager dispatches per wallet-index range to a backing Manager.
// Spec §4.1: "A composite variant dispatches per wallet-index range."
// Per spec §9's Open Question #3, ranges are tagged explicitly here rather
// than inferred from a sentinel index value — a cleaner design than the
// source's `>= u32::MAX-1000` convention, kept as a deliberate deviation.
type CompositeManager struct {
	ranges []Range
}

// NewCompositeManager builds a manager from explicit, non-overlapping
// ranges. Ranges are checked in order; the first match wins.
func NewCompositeManager(ranges ...Range) *CompositeManager {
	return &CompositeManager{ranges: ranges}
}

func (c *CompositeManager) pick(index uint32) (Manager, error) {
	for _, r := range c.ranges {
		if index >= r.From && index <= r.To {
			return r.Manager, nil
		}
	}
	return nil, fmt.Errorf("composite manager: no range covers index %d", index)
}

func (c *CompositeManager) GetAddress(ctx context.Context, index uint32, chainID uint64) (common.Address, error) {
	m, err := c.pick(index)
	if err != nil {
		return common.Address{}, err
	}
	return m.GetAddress(ctx, index, chainID)
}

func (c *CompositeManager) CreateWallet(ctx context.Context, index uint32, chainID uint64) error {
	m, err := c.pick(index)
	if err != nil {
		return err
	}
	return m.CreateWallet(ctx, index, chainID)
}

func (c *CompositeManager) SignTransaction(ctx context.Context, index uint32, chainID uint64, tx *types.Transaction) (*types.Transaction, error) {
	m, err := c.pick(index)
	if err != nil {
		return nil, err
	}
	return m.SignTransaction(ctx, index, chainID, tx)
}

func (c *CompositeManager) SignText(ctx context.Context, index uint32, chainID uint64, message []byte) ([]byte, error) {
	m, err := c.pick(index)
	if err != nil {
		return nil, err
	}
	return m.SignText(ctx, index, chainID, message)
}

func (c *CompositeManager) SignTypedData(ctx context.Context, index uint32, chainID uint64, digest [32]byte) ([]byte, error) {
	m, err := c.pick(index)
	if err != nil {
		return nil, err
	}
	return m.SignTypedData(ctx, index, chainID, digest)
}

func (c *CompositeManager) SupportsBlobs() bool {
	for _, r := range c.ranges {
		if !r.Manager.SupportsBlobs() {
			return false
		}
	}
	return true
}
