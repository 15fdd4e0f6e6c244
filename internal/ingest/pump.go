// Package ingest drives observations from the event source through the TWAP
// accumulator into the period store.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/twap-feed/internal/model"
	"github.com/yourorg/twap-feed/internal/store"
	"github.com/yourorg/twap-feed/internal/twap"
)

// Store is the write side of the period store used by the pump.
type Store interface {
	Commit(period model.FinalizedPeriod) error
	SetLatest(timestamp uint64, price uint256.Int) error
}

// PeriodSink receives every finalized period after it has been committed.
// Publish must not block the pump for long.
type PeriodSink interface {
	Publish(period model.FinalizedPeriod)
}

// Options configures optional pump collaborators.
type Options struct {
	Sink    PeriodSink
	Metrics *Metrics
}

// Pump is the single writer of the pipeline. It owns the accumulator
// exclusively; nothing else may call into it while the pump runs.
type Pump struct {
	acc     *twap.Accumulator
	store   Store
	sink    PeriodSink
	metrics *Metrics
	log     *logrus.Entry
}

// NewPump wires an accumulator to a store.
func NewPump(acc *twap.Accumulator, s Store, opts Options) *Pump {
	return &Pump{
		acc:     acc,
		store:   s,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		log: logrus.WithFields(logrus.Fields{
			"component":     "ingest",
			"period_length": acc.PeriodLength(),
		}),
	}
}

// Run consumes observations until the channel is closed, in which case it
// returns nil, or until ctx is cancelled, in which case it returns ctx.Err().
// Observations that fail to fold are logged and dropped.
func (p *Pump) Run(ctx context.Context, observations <-chan model.Observation) error {
	p.log.Info("Ingestion pump started")
	for {
		select {
		case <-ctx.Done():
			p.log.WithError(ctx.Err()).Info("Ingestion pump cancelled")
			return ctx.Err()
		case obs, ok := <-observations:
			if !ok {
				p.log.Info("Observation channel closed, ingestion pump exiting")
				return nil
			}
			if err := p.Process(obs); err != nil {
				p.logDropped(obs, err)
			}
		}
	}
}

// Process folds a single observation. A finalized period is committed and
// published before the latest slot is updated. The returned error reports a
// dropped observation; the pump itself stays usable.
func (p *Pump) Process(obs model.Observation) error {
	period, closed, err := p.acc.Update(obs)
	if err != nil {
		p.metrics.observe(classify(err))
		return err
	}

	var commitErr error
	if closed {
		if err := p.store.Commit(period); err != nil {
			commitErr = fmt.Errorf("commit period %d: %w", period.PeriodID, err)
		} else {
			p.metrics.periodFinalized(period.Value)
			p.log.WithFields(logrus.Fields{
				"period": period.PeriodID,
				"value":  period.Value.Dec(),
			}).Info("Period finalized")
			if p.sink != nil {
				p.sink.Publish(period)
			}
		}
	}

	// The latest slot is guarded separately and is updated even when the
	// period section is broken.
	if err := p.store.SetLatest(obs.Timestamp, obs.Price); err != nil {
		commitErr = errors.Join(commitErr, fmt.Errorf("set latest observation: %w", err))
	}
	if commitErr != nil {
		p.metrics.observe(resultStoreError)
		return commitErr
	}

	p.metrics.accepted(obs.Timestamp)
	return nil
}

func classify(err error) string {
	switch {
	case errors.Is(err, twap.ErrOutOfOrder):
		return resultOutOfOrder
	case errors.Is(err, twap.ErrOverflow):
		return resultOverflow
	case errors.Is(err, twap.ErrWeight):
		return resultWeight
	case errors.Is(err, store.ErrStoreAccess):
		return resultStoreError
	default:
		return resultInvalid
	}
}

func (p *Pump) logDropped(obs model.Observation, err error) {
	entry := p.log.WithFields(logrus.Fields{
		"timestamp": obs.Timestamp,
		"price":     obs.Price.Dec(),
		"block":     obs.BlockNumber,
		"tx":        obs.TxHash,
	}).WithError(err)

	switch {
	case errors.Is(err, twap.ErrOutOfOrder):
		entry.Warn("Dropping out-of-order observation")
	case errors.Is(err, twap.ErrWeight):
		entry.Error("Dropping observation: internal weight invariant violated")
	default:
		entry.Error("Dropping observation")
	}
}
