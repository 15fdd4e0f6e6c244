package twap

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/yourorg/twap-feed/internal/model"
)

// DefaultPeriodLength is one hour in seconds.
const DefaultPeriodLength uint64 = 3600

var (
	// ErrOutOfOrder indicates an observation older than the last one processed.
	ErrOutOfOrder = errors.New("observation out of order")

	// ErrInvalidPeriod indicates a zero period length.
	ErrInvalidPeriod = errors.New("period length must be positive")
)

// Accumulator folds observations into per-period time-weighted averages.
//
// It holds the running average of the open period, not a running sum. A
// period closes retroactively when the first observation of a later period
// arrives. Accumulator is not safe for concurrent use; it is meant to be
// owned by a single ingestion goroutine.
type Accumulator struct {
	periodLength  uint64
	value         uint256.Int
	lastTimestamp uint64
	open          bool
}

// NewAccumulator creates an empty accumulator for the given period length in seconds.
func NewAccumulator(periodLength uint64) (*Accumulator, error) {
	if periodLength == 0 {
		return nil, ErrInvalidPeriod
	}
	return &Accumulator{periodLength: periodLength}, nil
}

// PeriodLength returns the window size in seconds.
func (a *Accumulator) PeriodLength() uint64 {
	return a.periodLength
}

// LastTimestamp returns the timestamp of the last accepted observation.
func (a *Accumulator) LastTimestamp() uint64 {
	return a.lastTimestamp
}

// PeriodOf maps a timestamp to its period identifier.
func (a *Accumulator) PeriodOf(timestamp uint64) uint64 {
	return timestamp / a.periodLength
}

// Update feeds one observation. When the observation belongs to a later
// period than the open one, the open period is closed and returned with
// closed == true. On error the accumulator state is left untouched.
func (a *Accumulator) Update(obs model.Observation) (period model.FinalizedPeriod, closed bool, err error) {
	if !model.FitsPrice(&obs.Price) {
		return period, false, fmt.Errorf("%w: price %s exceeds 128 bits", ErrOverflow, obs.Price.ToBig().String())
	}

	if !a.open {
		// A zero timestamp before any data is the "nothing yet" sentinel.
		if obs.Timestamp == 0 {
			return period, false, nil
		}
		a.value = obs.Price
		a.lastTimestamp = obs.Timestamp
		a.open = true
		return period, false, nil
	}

	if obs.Timestamp < a.lastTimestamp {
		return period, false, fmt.Errorf("%w: timestamp %d (period %d) precedes last timestamp %d (period %d)",
			ErrOutOfOrder, obs.Timestamp, a.PeriodOf(obs.Timestamp), a.lastTimestamp, a.PeriodOf(a.lastTimestamp))
	}

	previousPeriod := a.PeriodOf(a.lastTimestamp)
	currentPeriod := a.PeriodOf(obs.Timestamp)
	periodStart := previousPeriod * a.periodLength

	if currentPeriod == previousPeriod {
		observed := obs.Timestamp - periodStart
		var prevWeight float32
		if observed > 0 {
			prevWeight = float32(a.lastTimestamp-periodStart) / float32(observed)
		}

		value, err := Combine(a.value, obs.Price, prevWeight, 1-prevWeight)
		if err != nil {
			return period, false, err
		}
		a.value = value
		a.lastTimestamp = obs.Timestamp
		return period, false, nil
	}

	// The tail weight is measured against the full period length even when
	// the new observation lands well past the boundary.
	prevWeight := float32(a.lastTimestamp-periodStart) / float32(a.periodLength)
	closedValue, err := Combine(a.value, obs.Price, prevWeight, 1-prevWeight)
	if err != nil {
		return period, false, err
	}

	period = model.FinalizedPeriod{PeriodID: previousPeriod, Value: closedValue}
	a.value = obs.Price
	a.lastTimestamp = obs.Timestamp
	return period, true, nil
}

// Current returns a snapshot of the open period. The value is provisional
// and must not be treated as finalized.
func (a *Accumulator) Current() model.FinalizedPeriod {
	return model.FinalizedPeriod{
		PeriodID: a.PeriodOf(a.lastTimestamp),
		Value:    a.value,
	}
}
