package ingest

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// Observation outcomes recorded under the "result" label.
const (
	resultAccepted   = "accepted"
	resultOutOfOrder = "out_of_order"
	resultOverflow   = "overflow"
	resultWeight     = "weight"
	resultStoreError = "store_error"
	resultInvalid    = "invalid"
)

// Metrics holds Prometheus collectors for the pump. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	observations  *prometheus.CounterVec
	finalized     prometheus.Counter
	lastTimestamp prometheus.Gauge
	lastFinalized prometheus.Gauge
}

// NewMetrics creates the pump collectors and registers them with reg.
// A nil registerer leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		observations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twap_observations_total",
				Help: "Total number of observations handled by the ingestion pump",
			},
			[]string{"result"},
		),
		finalized: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "twap_periods_finalized_total",
				Help: "Total number of TWAP periods finalized",
			},
		),
		lastTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "twap_last_observation_timestamp",
				Help: "Unix timestamp of the last accepted observation",
			},
		),
		lastFinalized: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "twap_last_finalized_value",
				Help: "Approximate value of the last finalized period",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.observations,
			m.finalized,
			m.lastTimestamp,
			m.lastFinalized,
		)
	}
	return m
}

func (m *Metrics) observe(result string) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues(result).Inc()
}

func (m *Metrics) accepted(timestamp uint64) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues(resultAccepted).Inc()
	m.lastTimestamp.Set(float64(timestamp))
}

func (m *Metrics) periodFinalized(value uint256.Int) {
	if m == nil {
		return
	}
	m.finalized.Inc()
	// Dashboards only; precision loss above 2^53 is acceptable here.
	f, _ := new(big.Float).SetInt(value.ToBig()).Float64()
	m.lastFinalized.Set(f)
}
