package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/twap-feed/internal/circuitbreaker"
	"github.com/yourorg/twap-feed/internal/model"
	"github.com/yourorg/twap-feed/internal/otel"
	"github.com/yourorg/twap-feed/internal/validation"
)

// ErrNoContract indicates that no code is deployed at the oracle address.
var ErrNoContract = errors.New("oracle contract not deployed")

// ListenerOptions configures a Listener
type ListenerOptions struct {
	Contract common.Address
	PairID   string

	// PollInterval between head checks
	PollInterval time.Duration

	// BackfillBlocks replayed behind the head at startup
	BackfillBlocks uint64

	// MaxBlockRange caps the blocks covered by a single log query
	MaxBlockRange uint64

	// ChannelCapacity of the observation channel
	ChannelCapacity int

	Validation validation.ValidationOptions
	Breaker    *circuitbreaker.CircuitBreaker
	Metrics    *ListenerMetrics
}

// DefaultListenerOptions returns the polling defaults
func DefaultListenerOptions() ListenerOptions {
	return ListenerOptions{
		PollInterval:    time.Second,
		BackfillBlocks:  20,
		MaxBlockRange:   1000,
		ChannelCapacity: 64,
		Validation:      validation.DefaultValidationOptions(),
	}
}

// Listener polls the chain for spot entries of one pair and delivers them
// in block order on a bounded channel. A full channel blocks the listener.
type Listener struct {
	client ChainReader
	opts   ListenerOptions
	pair   common.Hash
	out    chan model.Observation

	// next block to query; zero until the first head is known
	next    uint64
	started bool

	log *logrus.Entry
}

// NewListener creates a listener. Observations() must be drained for Run to
// make progress.
func NewListener(client ChainReader, opts ListenerOptions) (*Listener, error) {
	pair, err := EncodePairID(opts.PairID)
	if err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxBlockRange == 0 {
		opts.MaxBlockRange = 1000
	}
	if opts.ChannelCapacity <= 0 {
		opts.ChannelCapacity = 64
	}
	opts.Validation.PairID = opts.PairID

	return &Listener{
		client: client,
		opts:   opts,
		pair:   pair,
		out:    make(chan model.Observation, opts.ChannelCapacity),
		log: logrus.WithFields(logrus.Fields{
			"component": "listener",
			"contract":  opts.Contract.Hex(),
			"pair":      opts.PairID,
		}),
	}, nil
}

// Observations returns the receive side of the observation channel. It is
// closed when Run returns.
func (l *Listener) Observations() <-chan model.Observation {
	return l.out
}

// Check verifies that the oracle contract is deployed at the latest block.
func (l *Listener) Check(ctx context.Context) error {
	code, err := l.client.CodeAt(ctx, l.opts.Contract, nil)
	if err != nil {
		return fmt.Errorf("failed to read contract code: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w at %s", ErrNoContract, l.opts.Contract.Hex())
	}
	return nil
}

// Run backfills recent blocks and then polls until ctx is cancelled. RPC
// failures are logged and retried on the next tick.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.out)

	l.log.WithFields(logrus.Fields{
		"poll_interval": l.opts.PollInterval,
		"backfill":      l.opts.BackfillBlocks,
	}).Info("Event listener started")

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := l.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.WithError(err).Warn("Poll failed")
		}

		select {
		case <-ctx.Done():
			l.log.Info("Event listener stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll fetches and delivers the logs between the last processed block and
// the current head.
func (l *Listener) poll(ctx context.Context) (err error) {
	if l.opts.Breaker != nil {
		if err := l.opts.Breaker.Allow(); err != nil {
			l.opts.Metrics.poll(pollSkipped)
			l.log.WithError(err).Debug("Skipping poll")
			return nil
		}
	}

	ctx, span := otel.Tracer().Start(ctx, "listener.poll")
	defer func() {
		if err != nil {
			otel.RecordError(ctx, err)
		}
		span.End()
	}()

	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		l.recordFailure(err)
		return fmt.Errorf("failed to get head block: %w", err)
	}
	l.opts.Metrics.head(head)

	if !l.started {
		l.next = saturatingSub(head, l.opts.BackfillBlocks)
		l.started = true
	}
	if head < l.next {
		l.recordSuccess()
		return nil
	}

	to := head
	if to-l.next >= l.opts.MaxBlockRange {
		to = l.next + l.opts.MaxBlockRange - 1
	}
	span.SetAttributes(
		attribute.Int64("from_block", int64(l.next)),
		attribute.Int64("to_block", int64(to)),
	)

	logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(l.next),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{l.opts.Contract},
		Topics:    [][]common.Hash{{SpotEntryTopic}, {l.pair}},
	})
	if err != nil {
		l.recordFailure(err)
		return fmt.Errorf("failed to filter logs %d..%d: %w", l.next, to, err)
	}
	l.recordSuccess()

	batch := make([]model.Observation, 0, len(logs))
	for _, entry := range logs {
		if entry.Removed {
			continue
		}
		obs, err := DecodeSpotEntry(entry)
		if err != nil {
			l.opts.Metrics.event(eventMalformed)
			l.log.WithError(err).WithField("block", entry.BlockNumber).Warn("Skipping undecodable log")
			continue
		}
		if obs.PairID != l.opts.PairID {
			l.opts.Metrics.event(eventOtherPair)
			continue
		}
		batch = append(batch, obs)
	}

	valid := validation.FilterInvalidWithOptions(batch, l.opts.Validation)
	l.opts.Metrics.eventN(eventInvalid, len(batch)-len(valid))

	for _, obs := range valid {
		select {
		case l.out <- obs:
			l.opts.Metrics.event(eventDelivered)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(logs) > 0 {
		l.log.WithFields(logrus.Fields{
			"from":      l.next,
			"to":        to,
			"logs":      len(logs),
			"delivered": len(valid),
		}).Debug("Processed block range")
	}

	l.next = to + 1
	if l.opts.Breaker != nil {
		if err := l.opts.Breaker.CheckLag(head, to); err != nil {
			l.log.WithError(err).WithFields(logrus.Fields{
				"head":      head,
				"processed": to,
			}).Warn("Listener is lagging behind the chain head")
		}
	}
	return nil
}

func (l *Listener) recordFailure(err error) {
	l.opts.Metrics.poll(pollFailed)
	if l.opts.Breaker != nil {
		l.opts.Breaker.RecordFailure(err)
	}
}

func (l *Listener) recordSuccess() {
	l.opts.Metrics.poll(pollSucceeded)
	if l.opts.Breaker != nil {
		l.opts.Breaker.RecordSuccess()
	}
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Listener outcomes recorded by ListenerMetrics.
const (
	pollSucceeded = "success"
	pollFailed    = "error"
	pollSkipped   = "skipped"

	eventDelivered = "delivered"
	eventMalformed = "malformed"
	eventOtherPair = "other_pair"
	eventInvalid   = "invalid"
)

// ListenerMetrics holds Prometheus collectors for the listener. A nil
// *ListenerMetrics records nothing.
type ListenerMetrics struct {
	polls     *prometheus.CounterVec
	events    *prometheus.CounterVec
	headBlock prometheus.Gauge
}

// NewListenerMetrics creates the listener collectors and registers them with reg.
func NewListenerMetrics(reg prometheus.Registerer) *ListenerMetrics {
	m := &ListenerMetrics{
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twap_listener_polls_total",
				Help: "Total number of chain polls by outcome",
			},
			[]string{"result"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twap_listener_events_total",
				Help: "Total number of spot entry logs by outcome",
			},
			[]string{"result"},
		),
		headBlock: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "twap_listener_head_block",
				Help: "Latest chain head seen by the listener",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.polls, m.events, m.headBlock)
	}
	return m
}

func (m *ListenerMetrics) poll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *ListenerMetrics) event(result string) {
	m.eventN(result, 1)
}

func (m *ListenerMetrics) eventN(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.events.WithLabelValues(result).Add(float64(n))
}

func (m *ListenerMetrics) head(block uint64) {
	if m == nil {
		return
	}
	m.headBlock.Set(float64(block))
}
