package signer

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestMnemonicManagerDeterministicAddress(t *testing.T) {
	const mnemonic = "test test test test test test test test test test test junk"
	m, err := NewMnemonicManager(mnemonic)
	require.NoError(t, err)

	ctx := context.Background()
	addr1, err := m.GetAddress(ctx, 0, 1)
	require.NoError(t, err)
	addr2, err := m.GetAddress(ctx, 0, 1)
	require.NoError(t, err)
	require.Equal(t, addr1, addr2, "GetAddress must be deterministic and idempotent")

	other, err := m.GetAddress(ctx, 1, 1)
	require.NoError(t, err)
	require.NotEqual(t, addr1, other, "different indices must derive different addresses")
}

func TestMnemonicManagerRejectsInvalidMnemonic(t *testing.T) {
	_, err := NewMnemonicManager("not a valid mnemonic at all")
	require.Error(t, err)
}

func TestPrivateKeyManagerInvalidIndex(t *testing.T) {
	m, err := NewPrivateKeyManager([]string{
		"4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
	})
	require.NoError(t, err)

	_, err = m.GetAddress(context.Background(), 5, 1)
	require.Error(t, err)
}

func TestSignTransactionDoesNotMutateInput(t *testing.T) {
	m, err := NewMnemonicManager("test test test test test test test test test test test junk")
	require.NoError(t, err)

	to := common.HexToAddress("0x000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
	origHash := tx.Hash()

	signed, err := m.SignTransaction(context.Background(), 0, 1, tx)
	require.NoError(t, err)
	require.Equal(t, origHash, tx.Hash(), "signing must not mutate the supplied transaction")
	require.NotEqual(t, origHash, signed.Hash())
}

func TestCompositeManagerRouting(t *testing.T) {
	a, err := NewMnemonicManager("test test test test test test test test test test test junk")
	require.NoError(t, err)
	b, err := NewPrivateKeyManager([]string{
		"4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
	})
	require.NoError(t, err)

	c := NewCompositeManager(
		Range{From: 0, To: 9, Manager: a},
		Range{From: 10, To: 10, Manager: b},
	)

	ctx := context.Background()
	_, err = c.GetAddress(ctx, 3, 1)
	require.NoError(t, err)
	_, err = c.GetAddress(ctx, 10, 1)
	require.NoError(t, err)
	_, err = c.GetAddress(ctx, 11, 1)
	require.Error(t, err)
}
