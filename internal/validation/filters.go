// Package validation provides well-formedness filters for price observations
// before they are handed to the ingestion pump.
package validation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/twap-feed/internal/model"
)

// ErrInvalidObservation is wrapped by every rejection reason.
var ErrInvalidObservation = errors.New("invalid observation")

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// PairID, when set, rejects observations for any other pair
	PairID string

	// MaxFutureSkew bounds how far ahead of the local clock a timestamp may be
	MaxFutureSkew time.Duration

	// MaxAge rejects observations older than this. Zero disables the check.
	MaxAge time.Duration

	// EnableOutlierDetection enables IQR outlier detection within a batch
	EnableOutlierDetection bool

	// OutlierIQRMultiplier defines sensitivity for outlier detection (1.5 is standard)
	OutlierIQRMultiplier float64

	// Now overrides the clock, for tests
	Now func() time.Time
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxFutureSkew:          5 * time.Minute,
		EnableOutlierDetection: false,
		OutlierIQRMultiplier:   1.5,
	}
}

func (o ValidationOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// FilterInvalid removes observations that fail basic validation criteria
// using the default options.
func FilterInvalid(observations []model.Observation) []model.Observation {
	return FilterInvalidWithOptions(observations, DefaultValidationOptions())
}

// FilterInvalidWithOptions removes invalid observations and, when enabled,
// statistical outliers. Input order is preserved.
func FilterInvalidWithOptions(observations []model.Observation, opts ValidationOptions) []model.Observation {
	valid := filterBasicCriteria(observations, opts)

	if opts.EnableOutlierDetection && len(valid) > 3 {
		return filterOutliers(valid, opts.OutlierIQRMultiplier)
	}
	return valid
}

// Validate checks a single observation and returns the first rule it breaks.
func Validate(obs model.Observation, opts ValidationOptions) error {
	if obs.Price.IsZero() {
		return fmt.Errorf("%w: zero price", ErrInvalidObservation)
	}
	if !model.FitsPrice(&obs.Price) {
		return fmt.Errorf("%w: price %s exceeds 128 bits", ErrInvalidObservation, obs.Price.Dec())
	}
	if obs.Timestamp == 0 {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidObservation)
	}

	// Larger values wrap negative as unix time and would pass the skew check.
	if obs.Timestamp > math.MaxInt64 {
		return fmt.Errorf("%w: timestamp %d out of range", ErrInvalidObservation, obs.Timestamp)
	}

	now := opts.now()
	observedAt := time.Unix(int64(obs.Timestamp), 0)
	if opts.MaxFutureSkew > 0 && observedAt.After(now.Add(opts.MaxFutureSkew)) {
		return fmt.Errorf("%w: timestamp %d is in the future", ErrInvalidObservation, obs.Timestamp)
	}
	if opts.MaxAge > 0 && now.Sub(observedAt) > opts.MaxAge {
		return fmt.Errorf("%w: timestamp %d older than %s", ErrInvalidObservation, obs.Timestamp, opts.MaxAge)
	}

	if opts.PairID != "" && obs.PairID != opts.PairID {
		return fmt.Errorf("%w: pair %q, want %q", ErrInvalidObservation, obs.PairID, opts.PairID)
	}
	return nil
}

// filterBasicCriteria applies fundamental validation rules to each observation
func filterBasicCriteria(observations []model.Observation, opts ValidationOptions) []model.Observation {
	valid := make([]model.Observation, 0, len(observations))
	for _, obs := range observations {
		if err := Validate(obs, opts); err != nil {
			logrus.WithFields(logrus.Fields{
				"pair":      obs.PairID,
				"publisher": obs.Publisher,
				"timestamp": obs.Timestamp,
				"block":     obs.BlockNumber,
			}).WithError(err).Debug("Filtered invalid observation")
			continue
		}
		valid = append(valid, obs)
	}
	return valid
}

// filterOutliers removes statistical outliers using the IQR method
func filterOutliers(observations []model.Observation, iqrMultiplier float64) []model.Observation {
	if len(observations) <= 3 {
		return observations
	}

	prices := make([]decimal.Decimal, len(observations))
	for i, obs := range observations {
		prices[i] = decimal.NewFromBigInt(obs.Price.ToBig(), 0)
	}

	sorted := make([]decimal.Decimal, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	q1 := sorted[len(sorted)/4]
	q3 := sorted[len(sorted)*3/4]
	spread := q3.Sub(q1).Mul(decimal.NewFromFloat(iqrMultiplier))
	lowerBound := q1.Sub(spread)
	upperBound := q3.Add(spread)

	// A flat middle half would reject any movement at all.
	if lowerBound.Equal(upperBound) {
		mean := calculateMean(sorted)
		lowerBound = mean.Div(decimal.NewFromInt(2))
		upperBound = mean.Mul(decimal.NewFromInt(2))
	}

	valid := make([]model.Observation, 0, len(observations))
	for i, obs := range observations {
		if prices[i].GreaterThanOrEqual(lowerBound) && prices[i].LessThanOrEqual(upperBound) {
			valid = append(valid, obs)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"publisher": obs.Publisher,
			"price":     prices[i].String(),
			"bounds":    []string{lowerBound.String(), upperBound.String()},
		}).Info("Filtered outlier observation")
	}

	logrus.WithFields(logrus.Fields{
		"total":    len(observations),
		"filtered": len(observations) - len(valid),
	}).Debug("Outlier filtering complete")

	return valid
}

func calculateMean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(values[0], values[1:]...).Div(decimal.NewFromInt(int64(len(values))))
}
