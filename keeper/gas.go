package keeper

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

var ErrInvalidGasInput = errors.New("invalid gas input")

var (
	// base fee may grow by at most 1/8 (12.5%) from one block to the next
	baseFeeChangeDenominator = big.NewInt(params.DefaultBaseFeeChangeDenominator)
	baseFeeChangeNumerator   = big.NewInt(params.DefaultBaseFeeChangeDenominator + 1)

	gweiToWei = new(big.Rat).SetInt64(params.GWei)
)

// GasPlan holds the EIP-1559 fee fields for a burst. All values are in wei.
type GasPlan struct {
	// MaxBaseFee is the highest base fee reachable BlocksAhead blocks after the reference block.
	MaxBaseFee        *big.Int
	PriorityFeePerGas *big.Int
	MaxFeePerGas      *big.Int
	BlocksAhead       int
}

// ComputeGasPlan returns a plan whose MaxFeePerGas covers the worst case base fee after blocksAhead
// blocks of maximal base fee growth on top of baseFee, plus priorityFeeWei.
//
// Every amount is denominated in wei, use ParseGwei to convert operator input.
func ComputeGasPlan(baseFee *big.Int, blocksAhead int, priorityFeeWei *big.Int) (GasPlan, error) {
	if baseFee == nil {
		return GasPlan{}, fmt.Errorf("%w: missing base fee", ErrInvalidGasInput)
	}
	if baseFee.Sign() < 0 {
		return GasPlan{}, fmt.Errorf("%w: negative base fee %s", ErrInvalidGasInput, baseFee)
	}
	if blocksAhead < 0 {
		return GasPlan{}, fmt.Errorf("%w: negative blocks ahead %d", ErrInvalidGasInput, blocksAhead)
	}
	if priorityFeeWei == nil || priorityFeeWei.Sign() < 0 {
		return GasPlan{}, fmt.Errorf("%w: priority fee must be non-negative", ErrInvalidGasInput)
	}

	maxBaseFee := new(big.Int).Set(baseFee)
	rem := new(big.Int)
	for i := 0; i < blocksAhead; i++ {
		// round up on every step so the result never undershoots baseFee * 1.125^blocksAhead
		maxBaseFee.Mul(maxBaseFee, baseFeeChangeNumerator)
		maxBaseFee.QuoRem(maxBaseFee, baseFeeChangeDenominator, rem)
		if rem.Sign() != 0 {
			maxBaseFee.Add(maxBaseFee, big1)
		}
	}

	return GasPlan{
		MaxBaseFee:        maxBaseFee,
		PriorityFeePerGas: new(big.Int).Set(priorityFeeWei),
		MaxFeePerGas:      new(big.Int).Add(maxBaseFee, priorityFeeWei),
		BlocksAhead:       blocksAhead,
	}, nil
}

// GasPlanForHeader computes the plan from the base fee of the given header.
// Headers of pre-London blocks have no base fee and are rejected.
func GasPlanForHeader(header *types.Header, blocksAhead int, priorityFeeWei *big.Int) (GasPlan, error) {
	if header == nil {
		return GasPlan{}, fmt.Errorf("%w: missing header", ErrInvalidGasInput)
	}
	return ComputeGasPlan(header.BaseFee, blocksAhead, priorityFeeWei)
}

// ParseGwei converts a decimal gwei amount such as "2" or "1.5" to wei.
// Amounts that do not resolve to a whole number of wei are rejected.
func ParseGwei(value string) (*big.Int, error) {
	amount, ok := new(big.Rat).SetString(value)
	if !ok {
		return nil, fmt.Errorf("%w: cannot parse gwei amount %q", ErrInvalidGasInput, value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative gwei amount %q", ErrInvalidGasInput, value)
	}
	amount.Mul(amount, gweiToWei)
	if !amount.IsInt() {
		return nil, fmt.Errorf("%w: gwei amount %q has sub-wei precision", ErrInvalidGasInput, value)
	}
	return new(big.Int).Set(amount.Num()), nil
}
