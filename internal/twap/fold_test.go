package twap

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/twap-feed/internal/model"
)

func u(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name       string
		prev, curr uint64
		prevWeight float32
		currWeight float32
		expected   uint64
	}{
		{"even split", 100, 200, 0.5, 0.5, 150},
		{"all current", 100, 200, 0.0, 1.0, 200},
		{"all previous", 100, 200, 1.0, 0.0, 100},
		{"quarter", 100, 200, 0.25, 0.75, 175},
		{"truncates each part", 110, 130, 0.5, 0.5, 120},
		{"zero values", 0, 0, 0.5, 0.5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Combine(u(tt.prev), u(tt.curr), tt.prevWeight, tt.currWeight)
			require.NoError(t, err)
			if got.Uint64() != tt.expected {
				t.Errorf("Combine() = %v, want %v", got.Uint64(), tt.expected)
			}
		})
	}
}

func TestCombine_Bounded(t *testing.T) {
	pairs := [][2]uint64{{100, 200}, {200, 100}, {1, 1_000_000_000}, {7, 7}, {0, 42}}
	weights := []float32{0, 0.125, 0.25, 0.5, 0.625, 0.75, 1}

	for _, pair := range pairs {
		for _, w := range weights {
			prevWeight := w
			currWeight := 1 - w
			got, err := Combine(u(pair[0]), u(pair[1]), prevWeight, currWeight)
			require.NoError(t, err, "weights %v/%v", prevWeight, currWeight)

			lo, hi := pair[0], pair[1]
			if lo > hi {
				lo, hi = hi, lo
			}
			// Each part truncates independently, so the sum may fall one
			// unit below the smaller operand.
			assert.GreaterOrEqual(t, got.Uint64()+1, lo, "pair %v weight %v", pair, w)
			assert.LessOrEqual(t, got.Uint64(), hi, "pair %v weight %v", pair, w)
		}
	}
}

func TestCombine_ExactWeights(t *testing.T) {
	prev := u(123_456_789)
	curr := u(987_654_321)

	got, err := Combine(prev, curr, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, prev, got)

	got, err = Combine(prev, curr, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, curr, got)
}

func TestCombine_WeightErrors(t *testing.T) {
	tests := []struct {
		name       string
		prevWeight float32
		currWeight float32
	}{
		{"sum above one", 0.5, 0.6},
		{"sum below one", 0.2, 0.2},
		{"negative weight", 1.5, -0.5},
		{"both zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Combine(u(100), u(200), tt.prevWeight, tt.currWeight)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrWeight), "expected ErrWeight, got %v", err)
		})
	}
}

func TestCombine_Overflow(t *testing.T) {
	_, err := Combine(model.MaxPrice, u(1), 1, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Contains(t, err.Error(), "previous value")

	_, err = Combine(u(1), model.MaxPrice, 0, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Contains(t, err.Error(), "current value")

	var tooWide uint256.Int
	tooWide.Lsh(uint256.NewInt(1), 130)
	_, err = Combine(tooWide, u(1), 0.5, 0.5)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestScaleWeight(t *testing.T) {
	assert.Equal(t, uint64(1_000_000), scaleWeight(1))
	assert.Equal(t, uint64(0), scaleWeight(0))
	assert.Equal(t, uint64(500_000), scaleWeight(0.5))
	assert.Equal(t, uint64(999_722), scaleWeight(float32(3599)/float32(3600)))
}
