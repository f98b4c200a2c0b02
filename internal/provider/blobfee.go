package provider

import "math/big"

// EIP-4844 blob base fee constants (go-ethereum's params.BlobBaseFeeUpdateFraction
// and params.MinBlobGasPrice, reproduced here rather than imported from an
// internal go-ethereum package that isn't part of its public API surface).
var (
	minBlobBaseFee           = big.NewInt(1)
	blobBaseFeeUpdateFraction = big.NewInt(3_338_477)
)

// blobBaseFee implements go-ethereum's fake-exponential formula
// (eip4844.CalcBlobFee): minBlobBaseFee * e^(excessBlobGas /
// blobBaseFeeUpdateFraction), approximated with the same Taylor-series
// technique the consensus spec uses so rounding matches on-chain behavior.
func blobBaseFee(excessBlobGas uint64) *big.Int {
	return fakeExponential(minBlobBaseFee, new(big.Int).SetUint64(excessBlobGas), blobBaseFeeUpdateFraction)
}

// fakeExponential follows the EIP-4844 reference implementation: accumulate
// terms of factor * numerator^i / (denominator^i * i!) until a term
// underflows to zero, then divide by the denominator once more.
func fakeExponential(factor, numerator, denominator *big.Int) *big.Int {
	i := big.NewInt(1)
	output := big.NewInt(0)
	numeratorAccum := new(big.Int).Mul(factor, denominator)

	for numeratorAccum.Sign() > 0 {
		output.Add(output, numeratorAccum)

		numeratorAccum.Mul(numeratorAccum, numerator)
		numeratorAccum.Div(numeratorAccum, denominator)
		numeratorAccum.Div(numeratorAccum, i)
		i.Add(i, big.NewInt(1))
	}
	return output.Div(output, denominator)
}
