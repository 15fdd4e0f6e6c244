package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRPC = errors.New("rpc unavailable")

func TestCircuitBreaker_BasicFunctionality(t *testing.T) {
	cb := New(Thresholds{FailureThreshold: 3})
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit breaker should start closed")

	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit should remain closed after success")
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(Thresholds{FailureThreshold: 3})

	cb.RecordFailure(errRPC)
	cb.RecordFailure(errRPC)
	assert.Equal(t, StateClosed, cb.GetState(), "Two failures are below the threshold")

	cb.RecordFailure(errRPC)
	assert.Equal(t, StateOpen, cb.GetState(), "Circuit should be open after trip")

	err := cb.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, errRPC, cb.LastError())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Thresholds{FailureThreshold: 2})

	cb.RecordFailure(errRPC)
	cb.RecordSuccess()
	cb.RecordFailure(errRPC)
	assert.Equal(t, StateClosed, cb.GetState(), "Failures must be consecutive to trip")
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	cb := New(Thresholds{FailureThreshold: 1}).
		WithResetDelay(50 * time.Millisecond).
		WithSuccessThreshold(2)

	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure(errRPC)
	require.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Allow(), ErrOpen)

	now = now.Add(60 * time.Millisecond)
	require.NoError(t, cb.Allow(), "Probe should be allowed after the reset delay")
	assert.Equal(t, StateHalfOpen, cb.GetState())

	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.GetState(), "One success is below the threshold")
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit should close after enough probes succeed")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(Thresholds{FailureThreshold: 5}).WithResetDelay(10 * time.Millisecond)

	now := time.Now()
	cb.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		cb.RecordFailure(errRPC)
	}
	require.Equal(t, StateOpen, cb.GetState())

	now = now.Add(20 * time.Millisecond)
	require.NoError(t, cb.Allow())
	require.Equal(t, StateHalfOpen, cb.GetState())

	cb.RecordFailure(errRPC)
	assert.Equal(t, StateOpen, cb.GetState(), "A single failed probe should reopen the circuit")
}

func TestCircuitBreaker_CallbackExecution(t *testing.T) {
	reasons := make(chan string, 1)
	cb := New(Thresholds{FailureThreshold: 1}).WithTripCallback(func(reason string, lastErr error) {
		assert.Equal(t, errRPC, lastErr)
		reasons <- reason
	})

	cb.RecordFailure(errRPC)

	select {
	case reason := <-reasons:
		assert.Contains(t, reason, "consecutive failures", "Callback reason should explain the trip")
	case <-time.After(time.Second):
		t.Fatal("trip callback was not executed")
	}
}

func TestCircuitBreaker_ManualReset(t *testing.T) {
	cb := New(Thresholds{FailureThreshold: 1})

	cb.RecordFailure(errRPC)
	require.Equal(t, StateOpen, cb.GetState(), "Circuit should be open after trip")

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit should be closed after manual reset")
	assert.NoError(t, cb.Allow(), "Calls should pass after manual reset")
}

func TestCircuitBreaker_CheckLag(t *testing.T) {
	tests := []struct {
		name      string
		maxLag    uint64
		head      uint64
		processed uint64
		wantErr   bool
	}{
		{"disabled", 0, 1000, 1, false},
		{"within bound", 10, 110, 100, false},
		{"processed ahead of head", 10, 100, 120, false},
		{"too far behind", 10, 200, 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New(Thresholds{FailureThreshold: 1, MaxBlockLag: tt.maxLag})
			err := cb.CheckLag(tt.head, tt.processed)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckLag() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				assert.Equal(t, StateOpen, cb.GetState())
			}
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown(9)", State(9).String())
}
