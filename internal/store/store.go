// Package store holds finalized TWAP periods and the latest raw observation,
// shared between one ingestion writer and many query readers.
package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/twap-feed/internal/model"
)

// ErrStoreAccess indicates a section whose critical section previously
// panicked. The section stays unusable for the rest of the process.
var ErrStoreAccess = errors.New("store section unavailable")

// section is an independently guarded piece of shared state.
type section struct {
	name   string
	mu     sync.RWMutex
	broken atomic.Bool
}

func (s *section) read(fn func()) error {
	if s.broken.Load() {
		return fmt.Errorf("%w: %s", ErrStoreAccess, s.name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run(fn)
}

func (s *section) write(fn func()) error {
	if s.broken.Load() {
		return fmt.Errorf("%w: %s", ErrStoreAccess, s.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run(fn)
}

// run must be called with the lock held. A panic inside fn marks the
// section broken instead of unwinding into the caller.
func (s *section) run(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.broken.Store(true)
			logrus.WithFields(logrus.Fields{
				"section": s.name,
				"panic":   r,
			}).Error("Store section panicked while locked; further access disabled")
			err = fmt.Errorf("%w: %s: %v", ErrStoreAccess, s.name, r)
		}
	}()
	fn()
	return nil
}

// PeriodStore maps period identifiers to finalized values and tracks the
// most recent observation. The two pieces of state are guarded separately so
// a reader of one never blocks the other.
type PeriodStore struct {
	periods section
	values  map[uint64]uint256.Int
	order   []uint64

	latest       section
	latestTime   uint64
	latestPrice  uint256.Int
	latestExists bool
}

// New creates an empty store.
func New() *PeriodStore {
	return &PeriodStore{
		periods: section{name: "periods"},
		values:  make(map[uint64]uint256.Int),
		latest:  section{name: "latest"},
	}
}

// Commit inserts or overwrites the value of a period. Committing the same
// period twice keeps its first insertion position.
func (s *PeriodStore) Commit(period model.FinalizedPeriod) error {
	err := s.periods.write(func() {
		if _, exists := s.values[period.PeriodID]; !exists {
			s.order = append(s.order, period.PeriodID)
		}
		s.values[period.PeriodID] = period.Value
	})
	if err != nil {
		logrus.WithError(err).WithField("period", period.PeriodID).Error("Failed to commit period")
	}
	return err
}

// Period returns the finalized value of a period, if present.
func (s *PeriodStore) Period(periodID uint64) (uint256.Int, bool) {
	var (
		value uint256.Int
		ok    bool
	)
	if err := s.periods.read(func() {
		value, ok = s.values[periodID]
	}); err != nil {
		logrus.WithError(err).Error("Failed to read period")
		return uint256.Int{}, false
	}
	return value, ok
}

// LastPeriod returns the most recently inserted period.
func (s *PeriodStore) LastPeriod() (model.FinalizedPeriod, bool) {
	var (
		period model.FinalizedPeriod
		ok     bool
	)
	if err := s.periods.read(func() {
		if len(s.order) == 0 {
			return
		}
		id := s.order[len(s.order)-1]
		period = model.FinalizedPeriod{PeriodID: id, Value: s.values[id]}
		ok = true
	}); err != nil {
		logrus.WithError(err).Error("Failed to read last period")
		return model.FinalizedPeriod{}, false
	}
	return period, ok
}

// Periods returns all finalized periods in insertion order.
func (s *PeriodStore) Periods() []model.FinalizedPeriod {
	var periods []model.FinalizedPeriod
	if err := s.periods.read(func() {
		periods = make([]model.FinalizedPeriod, 0, len(s.order))
		for _, id := range s.order {
			periods = append(periods, model.FinalizedPeriod{PeriodID: id, Value: s.values[id]})
		}
	}); err != nil {
		logrus.WithError(err).Error("Failed to list periods")
		return nil
	}
	return periods
}

// Len returns the number of finalized periods held.
func (s *PeriodStore) Len() int {
	var n int
	if err := s.periods.read(func() { n = len(s.order) }); err != nil {
		return 0
	}
	return n
}

// SetLatest records the most recent raw observation.
func (s *PeriodStore) SetLatest(timestamp uint64, price uint256.Int) error {
	err := s.latest.write(func() {
		s.latestTime = timestamp
		s.latestPrice = price
		s.latestExists = true
	})
	if err != nil {
		logrus.WithError(err).WithField("timestamp", timestamp).Error("Failed to record latest observation")
	}
	return err
}

// Latest returns the price of the most recent observation, if any.
func (s *PeriodStore) Latest() (uint256.Int, bool) {
	_, price, ok := s.LatestObservation()
	return price, ok
}

// LatestObservation returns the timestamp and price of the most recent observation.
func (s *PeriodStore) LatestObservation() (uint64, uint256.Int, bool) {
	var (
		timestamp uint64
		price     uint256.Int
		ok        bool
	)
	if err := s.latest.read(func() {
		timestamp, price, ok = s.latestTime, s.latestPrice, s.latestExists
	}); err != nil {
		logrus.WithError(err).Error("Failed to read latest observation")
		return 0, uint256.Int{}, false
	}
	return timestamp, price, ok
}
