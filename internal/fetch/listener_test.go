package fetch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/twap-feed/internal/circuitbreaker"
	"github.com/yourorg/twap-feed/internal/model"
)

var (
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testNow      = time.Unix(1_700_000_000, 0)
)

// fakeChain serves logs from memory and filters them like a node would.
type fakeChain struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	code    []byte
	headErr error
	queries []ethereum.FilterQuery
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)

	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber < q.FromBlock.Uint64() || l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Topics) > 1 && len(l.Topics) > 1 && l.Topics[1] != q.Topics[1][0] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return f.code, nil
}

func spotLog(t *testing.T, block, ts, price uint64, pair string) types.Log {
	t.Helper()
	obs := model.Observation{
		Timestamp:   ts,
		Price:       *uint256.NewInt(price),
		Volume:      *uint256.NewInt(7),
		Source:      "BINANCE",
		Publisher:   "PUBLISHER_1",
		PairID:      pair,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)).Hex(),
	}
	l, err := EncodeSpotEntry(testContract, obs)
	require.NoError(t, err)
	return l
}

func newTestListener(t *testing.T, chain ChainReader, mutate func(*ListenerOptions)) *Listener {
	t.Helper()
	opts := DefaultListenerOptions()
	opts.Contract = testContract
	opts.PairID = "ETH/USD"
	opts.PollInterval = 10 * time.Millisecond
	opts.Validation.Now = func() time.Time { return testNow }
	if mutate != nil {
		mutate(&opts)
	}
	l, err := NewListener(chain, opts)
	require.NoError(t, err)
	return l
}

func drain(ch <-chan model.Observation) []model.Observation {
	var out []model.Observation
	for {
		select {
		case obs := <-ch:
			out = append(out, obs)
		default:
			return out
		}
	}
}

func TestDecodeSpotEntry_RoundTrip(t *testing.T) {
	l := spotLog(t, 42, 1_699_999_000, 123456789, "ETH/USD")

	obs, err := DecodeSpotEntry(l)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_699_999_000), obs.Timestamp)
	assert.Equal(t, uint64(123456789), obs.Price.Uint64())
	assert.Equal(t, uint64(7), obs.Volume.Uint64())
	assert.Equal(t, "ETH/USD", obs.PairID)
	assert.Equal(t, "BINANCE", obs.Source)
	assert.Equal(t, "PUBLISHER_1", obs.Publisher)
	assert.Equal(t, uint64(42), obs.BlockNumber)
}

func TestDecodeSpotEntry_Malformed(t *testing.T) {
	l := spotLog(t, 1, 1, 1, "ETH/USD")

	truncated := l
	truncated.Data = l.Data[:40]
	_, err := DecodeSpotEntry(truncated)
	assert.ErrorIs(t, err, ErrMalformedLog)

	wrongTopic := l
	wrongTopic.Topics = []common.Hash{{0x01}, l.Topics[1]}
	_, err = DecodeSpotEntry(wrongTopic)
	assert.ErrorIs(t, err, ErrMalformedLog)
}

func TestEncodePairID(t *testing.T) {
	h, err := EncodePairID("ETH/USD")
	require.NoError(t, err)
	assert.Equal(t, "ETH/USD", DecodeBytes32(h))
	assert.Equal(t, byte(0), h[31], "pair ids are right padded")

	_, err = EncodePairID("THIS-PAIR-ID-IS-WAY-TOO-LONG-FOR-BYTES32")
	assert.Error(t, err)
}

func TestListener_Check(t *testing.T) {
	chain := &fakeChain{}
	l := newTestListener(t, chain, nil)
	assert.ErrorIs(t, l.Check(context.Background()), ErrNoContract)

	chain.code = []byte{0x60, 0x80}
	assert.NoError(t, l.Check(context.Background()))
}

func TestListener_PollBackfillsAndFiltersPair(t *testing.T) {
	ts := uint64(testNow.Unix()) - 100
	chain := &fakeChain{
		head: 100,
		logs: []types.Log{
			spotLog(t, 50, ts, 999, "ETH/USD"), // before the backfill window
			spotLog(t, 85, ts, 100, "ETH/USD"),
			spotLog(t, 90, ts+1, 0, "ETH/USD"), // zero price
			spotLog(t, 95, ts+2, 120, "BTC/USD"),
			spotLog(t, 100, ts+3, 130, "ETH/USD"),
		},
	}
	reg := prometheus.NewRegistry()
	metrics := NewListenerMetrics(reg)
	l := newTestListener(t, chain, func(o *ListenerOptions) { o.Metrics = metrics })

	require.NoError(t, l.poll(context.Background()))

	got := drain(l.Observations())
	require.Len(t, got, 2)
	assert.Equal(t, uint64(100), got[0].Price.Uint64())
	assert.Equal(t, uint64(130), got[1].Price.Uint64())

	require.Len(t, chain.queries, 1)
	assert.Equal(t, uint64(80), chain.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(100), chain.queries[0].ToBlock.Uint64())

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.events.WithLabelValues(eventDelivered)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.events.WithLabelValues(eventInvalid)))
	assert.Equal(t, float64(100), testutil.ToFloat64(metrics.headBlock))

	// The next poll resumes after the last processed block.
	chain.head = 105
	chain.logs = append(chain.logs, spotLog(t, 103, ts+4, 140, "ETH/USD"))
	require.NoError(t, l.poll(context.Background()))
	got = drain(l.Observations())
	require.Len(t, got, 1)
	assert.Equal(t, uint64(140), got[0].Price.Uint64())
	assert.Equal(t, uint64(101), chain.queries[1].FromBlock.Uint64())
}

func TestListener_MaxBlockRange(t *testing.T) {
	chain := &fakeChain{head: 1000}
	l := newTestListener(t, chain, func(o *ListenerOptions) {
		o.BackfillBlocks = 1000
		o.MaxBlockRange = 100
	})

	require.NoError(t, l.poll(context.Background()))
	require.NoError(t, l.poll(context.Background()))

	require.Len(t, chain.queries, 2)
	assert.Equal(t, uint64(0), chain.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(99), chain.queries[0].ToBlock.Uint64())
	assert.Equal(t, uint64(100), chain.queries[1].FromBlock.Uint64())
}

func TestListener_BreakerSkipsPollsWhileOpen(t *testing.T) {
	chain := &fakeChain{headErr: errors.New("connection refused")}
	breaker := circuitbreaker.New(circuitbreaker.Thresholds{FailureThreshold: 2}).WithResetDelay(time.Hour)
	l := newTestListener(t, chain, func(o *ListenerOptions) { o.Breaker = breaker })

	assert.Error(t, l.poll(context.Background()))
	assert.Error(t, l.poll(context.Background()))
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	// While open the chain is not contacted at all.
	assert.NoError(t, l.poll(context.Background()))
	assert.Empty(t, chain.queries)
}

func TestListener_RunClosesChannelOnCancel(t *testing.T) {
	ts := uint64(testNow.Unix())
	chain := &fakeChain{
		head: 10,
		logs: []types.Log{spotLog(t, 10, ts, 100, "ETH/USD")},
	}
	l := newTestListener(t, chain, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case obs := <-l.Observations():
		assert.Equal(t, uint64(100), obs.Price.Uint64())
	case <-time.After(2 * time.Second):
		t.Fatal("no observation delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}

	_, open := <-l.Observations()
	assert.False(t, open, "channel must be closed after Run returns")
}

func TestListener_BackpressureHonoursCancel(t *testing.T) {
	ts := uint64(testNow.Unix())
	chain := &fakeChain{
		head: 10,
		logs: []types.Log{
			spotLog(t, 9, ts, 100, "ETH/USD"),
			spotLog(t, 10, ts, 101, "ETH/USD"),
		},
	}
	l := newTestListener(t, chain, func(o *ListenerOptions) { o.ChannelCapacity = 1 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.poll(ctx) }()

	// The second send blocks on the full channel until cancellation.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked send ignored cancellation")
	}
}

func TestListener_LagRecordedAsBreakerFailure(t *testing.T) {
	chain := &fakeChain{head: 1000}
	breaker := circuitbreaker.New(circuitbreaker.Thresholds{FailureThreshold: 1, MaxBlockLag: 50}).WithResetDelay(time.Hour)
	l := newTestListener(t, chain, func(o *ListenerOptions) {
		o.BackfillBlocks = 1000
		o.MaxBlockRange = 100
		o.Breaker = breaker
	})

	hook := test.NewGlobal()
	defer hook.Reset()

	// The first range ends at block 99, 901 blocks behind the head.
	require.NoError(t, l.poll(context.Background()))
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())
	require.Error(t, breaker.LastError())

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "Listener is lagging behind the chain head" {
			warned = true
			assert.Equal(t, uint64(1000), e.Data["head"])
			assert.Equal(t, uint64(99), e.Data["processed"])
		}
	}
	assert.True(t, warned, "lag must be logged")
}

func TestListener_DropsTimestampBeyondInt64(t *testing.T) {
	ts := uint64(testNow.Unix())
	chain := &fakeChain{
		head: 10,
		logs: []types.Log{
			spotLog(t, 8, ts, 100, "ETH/USD"),
			spotLog(t, 9, 1<<63+5, 101, "ETH/USD"),
			spotLog(t, 10, ts+60, 102, "ETH/USD"),
		},
	}
	reg := prometheus.NewRegistry()
	metrics := NewListenerMetrics(reg)
	l := newTestListener(t, chain, func(o *ListenerOptions) { o.Metrics = metrics })

	require.NoError(t, l.poll(context.Background()))

	got := drain(l.Observations())
	require.Len(t, got, 2)
	assert.Equal(t, ts, got[0].Timestamp)
	assert.Equal(t, ts+60, got[1].Timestamp)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.events.WithLabelValues(eventInvalid)))
}
