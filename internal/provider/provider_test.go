package provider

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// fakeClient is a minimal Client stub. balanceErrCount lets a test force N
// transient failures before success, to exercise the retry loop.
type fakeClient struct {
	balance          *big.Int
	balanceErrCount  int
	balanceCalls     int
	chainID          *big.Int
	sendErr          error
	header           *types.Header
}

func (f *fakeClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.balanceCalls++
	if f.balanceCalls <= f.balanceErrCount {
		return nil, errors.New("connection reset by peer")
	}
	return f.balance, nil
}
func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeClient) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return 0, nil
}
func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }
func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return f.sendErr
}
func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (f *fakeClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}
func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return f.header, nil
}
func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeClient) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error) {
	return &ethereum.FeeHistory{}, nil
}
func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(0), nil }
func (f *fakeClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}
func (f *fakeClient) Close() {}

func TestProviderRetriesTransientFailures(t *testing.T) {
	fc := &fakeClient{balance: big.NewInt(42), balanceErrCount: 2}
	p := New(1, fc)

	got, err := p.Balance(context.Background(), common.Address{})
	require.NoError(t, err)
	require.Equal(t, big.NewInt(42), got)
	require.Equal(t, 3, fc.balanceCalls, "should have failed twice then succeeded")
}

func TestProviderGivesUpAfterMaxRetries(t *testing.T) {
	fc := &fakeClient{balance: big.NewInt(1), balanceErrCount: maxRetries + 5}
	p := New(1, fc)

	_, err := p.Balance(context.Background(), common.Address{})
	require.Error(t, err)
	require.Equal(t, maxRetries+1, fc.balanceCalls)
}

func TestProviderVerifyChainIDMismatch(t *testing.T) {
	fc := &fakeClient{chainID: big.NewInt(5)}
	p := New(1, fc)

	err := p.VerifyChainID(context.Background())
	require.Error(t, err)
}

func TestProviderReceiptNotFoundIsNotError(t *testing.T) {
	fc := &fakeClient{}
	p := New(1, fc)

	receipt, err := p.Receipt(context.Background(), common.Hash{})
	require.NoError(t, err)
	require.Nil(t, receipt)
}

func TestBlobBaseFeeIncreasesWithExcessGas(t *testing.T) {
	low := blobBaseFee(0)
	high := blobBaseFee(10_000_000)
	require.Equal(t, 0, low.Cmp(big.NewInt(1)))
	require.True(t, high.Cmp(low) > 0, "blob base fee must rise with excess blob gas")
}
