// Package model defines the data structures that flow through the TWAP pipeline.
package model

import (
	"fmt"

	"github.com/holiman/uint256"
)

// MaxPrice is the largest price the pipeline accepts (2^128 - 1).
var MaxPrice = func() uint256.Int {
	var v uint256.Int
	v.Lsh(uint256.NewInt(1), 128)
	v.SubUint64(&v, 1)
	return v
}()

// Observation is a single timestamped price sample taken from a chain event.
// Only Timestamp and Price take part in aggregation; the remaining fields are
// carried along for logging and audit.
type Observation struct {
	// Timestamp in unix seconds as reported by the publisher
	Timestamp uint64

	// Price in the feed's fixed-point units
	Price uint256.Int

	Source    string
	Publisher string
	PairID    string
	Volume    uint256.Int

	// Chain location of the originating event
	BlockNumber uint64
	TxHash      string
}

// NewObservation creates an observation from a timestamp and a uint64 price.
func NewObservation(timestamp, price uint64) Observation {
	return Observation{
		Timestamp: timestamp,
		Price:     *uint256.NewInt(price),
	}
}

// FitsPrice reports whether v is representable as a 128-bit price.
func FitsPrice(v *uint256.Int) bool {
	return v.BitLen() <= 128
}

func (o Observation) String() string {
	return fmt.Sprintf("Observation{ts: %d, price: %s, pair: %s, source: %s, publisher: %s, block: %d, tx: %s}",
		o.Timestamp, o.Price.ToBig().String(), o.PairID, o.Source, o.Publisher, o.BlockNumber, o.TxHash)
}

// FinalizedPeriod is the closed time-weighted average of one period.
// It is never mutated once emitted.
type FinalizedPeriod struct {
	PeriodID uint64
	Value    uint256.Int
}

// Start returns the unix timestamp at which the period begins.
func (p FinalizedPeriod) Start(periodLength uint64) uint64 {
	return p.PeriodID * periodLength
}

func (p FinalizedPeriod) String() string {
	return fmt.Sprintf("FinalizedPeriod{id: %d, value: %s}", p.PeriodID, p.Value.ToBig().String())
}
