package validation

import (
	"math"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/twap-feed/internal/model"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func observation(ts, price uint64, publisher string) model.Observation {
	o := model.NewObservation(ts, price)
	o.PairID = "ETH/USD"
	o.Publisher = publisher
	return o
}

func testOptions() ValidationOptions {
	opts := DefaultValidationOptions()
	opts.Now = func() time.Time { return fixedNow }
	return opts
}

func TestFilterInvalid_BasicCriteria(t *testing.T) {
	now := uint64(fixedNow.Unix())
	wide := observation(now, 1, "wide")
	wide.Price.Lsh(uint256.NewInt(1), 128)

	tests := []struct {
		name         string
		observations []model.Observation
		want         int
	}{
		{
			name: "all valid observations",
			observations: []model.Observation{
				observation(now, 100, "p1"),
				observation(now-60, 101, "p2"),
				observation(now+60, 99, "p3"),
			},
			want: 3,
		},
		{
			name: "some invalid observations",
			observations: []model.Observation{
				observation(now, 100, "p1"),
				observation(now, 0, "p2"),        // zero price
				observation(0, 100, "p3"),        // zero timestamp
				observation(now+3600, 100, "p4"), // too far in the future
				wide,                             // exceeds 128 bits
			},
			want: 1,
		},
		{
			name:         "empty input",
			observations: []model.Observation{},
			want:         0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filtered := FilterInvalidWithOptions(tt.observations, testOptions())
			assert.Len(t, filtered, tt.want)
		})
	}
}

func TestFilterInvalidWithOptions_CustomSettings(t *testing.T) {
	now := uint64(fixedNow.Unix())

	opts := testOptions()
	opts.PairID = "ETH/USD"
	opts.MaxAge = time.Hour

	other := observation(now, 100, "p3")
	other.PairID = "BTC/USD"

	observations := []model.Observation{
		observation(now, 100, "p1"),      // valid
		observation(now-1800, 101, "p2"), // valid
		other,                            // wrong pair
		observation(now-7200, 102, "p4"), // too old
	}

	filtered := FilterInvalidWithOptions(observations, opts)
	require.Len(t, filtered, 2)
	assert.Equal(t, "p1", filtered[0].Publisher)
	assert.Equal(t, "p2", filtered[1].Publisher)
}

func TestValidate_Reasons(t *testing.T) {
	now := uint64(fixedNow.Unix())
	opts := testOptions()

	err := Validate(observation(now, 0, "p"), opts)
	assert.ErrorIs(t, err, ErrInvalidObservation)
	assert.Contains(t, err.Error(), "zero price")

	err = Validate(observation(0, 1, "p"), opts)
	assert.Contains(t, err.Error(), "zero timestamp")

	err = Validate(observation(now+600, 1, "p"), opts)
	assert.Contains(t, err.Error(), "future")

	assert.NoError(t, Validate(observation(now+60, 1, "p"), opts))
}

func TestValidate_TimestampBeyondInt64(t *testing.T) {
	now := uint64(fixedNow.Unix())

	tests := []struct {
		name string
		opts func() ValidationOptions
	}{
		{name: "default skew", opts: testOptions},
		{name: "skew check disabled", opts: func() ValidationOptions {
			o := testOptions()
			o.MaxFutureSkew = 0
			return o
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(observation(1<<63+5, 1, "p"), tt.opts())
			assert.ErrorIs(t, err, ErrInvalidObservation)
			assert.Contains(t, err.Error(), "out of range")

			filtered := FilterInvalidWithOptions([]model.Observation{
				observation(now, 100, "good"),
				observation(1<<63+5, 100, "wrapped"),
				observation(math.MaxInt64+1, 100, "edge"),
			}, tt.opts())
			require.Len(t, filtered, 1)
			assert.Equal(t, "good", filtered[0].Publisher)
		})
	}
}

func TestFilterOutliers(t *testing.T) {
	now := uint64(fixedNow.Unix())

	tests := []struct {
		name   string
		prices []uint64
		want   int
	}{
		{
			name:   "no outliers",
			prices: []uint64{100, 101, 99, 100},
			want:   4,
		},
		{
			name:   "with outliers",
			prices: []uint64{100, 102, 98, 101, 300},
			want:   4,
		},
		{
			name:   "flat prices keep small moves",
			prices: []uint64{100, 100, 100, 100, 120},
			want:   5,
		},
		{
			name:   "too few for outlier detection",
			prices: []uint64{100, 500},
			want:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observations := make([]model.Observation, len(tt.prices))
			for i, p := range tt.prices {
				observations[i] = observation(now, p, "p")
			}

			opts := testOptions()
			opts.EnableOutlierDetection = true

			filtered := FilterInvalidWithOptions(observations, opts)
			assert.Len(t, filtered, tt.want)
		})
	}
}

func TestFilterOutliers_PreservesOrder(t *testing.T) {
	now := uint64(fixedNow.Unix())
	observations := []model.Observation{
		observation(now, 101, "a"),
		observation(now, 1000, "outlier"),
		observation(now, 99, "b"),
		observation(now, 100, "c"),
		observation(now, 102, "d"),
	}

	filtered := filterOutliers(observations, 1.5)
	require.Len(t, filtered, 4)
	for i, want := range []string{"a", "b", "c", "d"} {
		if filtered[i].Publisher != want {
			t.Errorf("filtered[%d].Publisher = %s, want %s", i, filtered[i].Publisher, want)
		}
	}
}
