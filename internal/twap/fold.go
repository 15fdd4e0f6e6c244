// Package twap folds a stream of price observations into time-weighted
// averages over fixed, non-overlapping periods.
package twap

import (
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"
	"github.com/yourorg/twap-feed/internal/model"
)

// WeightScale is the fixed-point precision applied to weights before they
// touch a price.
const WeightScale = 1_000_000

var (
	// ErrWeight indicates weights that do not form a valid split of one.
	ErrWeight = errors.New("invalid weights")

	// ErrOverflow indicates a fixed-point step left the 128-bit range.
	ErrOverflow = errors.New("fixed-point overflow")
)

var weightScale = uint256.NewInt(WeightScale)

// Combine returns prevValue*prevWeight + currValue*currWeight using integer
// fixed-point arithmetic. The weights must sum to exactly 1.0 in float32 and
// each lie within [0, 1]. Every multiplication is checked against the
// 128-bit bound and an overflow names the operand that caused it.
func Combine(prevValue, currValue uint256.Int, prevWeight, currWeight float32) (uint256.Int, error) {
	if prevWeight+currWeight != 1.0 {
		return uint256.Int{}, fmt.Errorf("%w: previous_weight(%v) + current_weight(%v) != 1.0", ErrWeight, prevWeight, currWeight)
	}
	if !inUnitRange(prevWeight) || !inUnitRange(currWeight) {
		return uint256.Int{}, fmt.Errorf("%w: previous_weight(%v), current_weight(%v) outside [0, 1]", ErrWeight, prevWeight, currWeight)
	}

	prevPart, err := weigh(prevValue, prevWeight, "previous value")
	if err != nil {
		return uint256.Int{}, err
	}
	currPart, err := weigh(currValue, currWeight, "current value")
	if err != nil {
		return uint256.Int{}, err
	}

	var sum uint256.Int
	sum.Add(&prevPart, &currPart)
	if !model.FitsPrice(&sum) {
		return uint256.Int{}, fmt.Errorf("%w when summing weighted values", ErrOverflow)
	}
	return sum, nil
}

// weigh computes value * round(weight * WeightScale) / WeightScale.
func weigh(value uint256.Int, weight float32, operand string) (uint256.Int, error) {
	if !model.FitsPrice(&value) {
		return uint256.Int{}, fmt.Errorf("%w when calculating %s: operand exceeds 128 bits", ErrOverflow, operand)
	}

	var product uint256.Int
	_, overflow := product.MulOverflow(&value, uint256.NewInt(scaleWeight(weight)))
	if overflow || !model.FitsPrice(&product) {
		return uint256.Int{}, fmt.Errorf("%w when calculating %s", ErrOverflow, operand)
	}
	return *product.Div(&product, weightScale), nil
}

// scaleWeight converts a unit weight to its fixed-point integer form.
// The product is rounded to float32 first so the result matches a pure
// single-precision computation.
func scaleWeight(weight float32) uint64 {
	scaled := float32(weight * WeightScale)
	return uint64(math.Round(float64(scaled)))
}

func inUnitRange(w float32) bool {
	return w >= 0 && w <= 1
}
