package tracer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/airchains-network/tee-prover/internal/retry"
	"github.com/airchains-network/tee-prover/metrics"
	"github.com/airchains-network/tee-prover/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	delays   map[uint64]time.Duration
	failures map[uint64]int
	calls    map[uint64]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		delays:   map[uint64]time.Duration{},
		failures: map[uint64]int{},
		calls:    map[uint64]int{},
	}
}

func (f *fakeSource) TraceBlock(ctx context.Context, block uint64) (*types.BlockTrace, error) {
	f.mu.Lock()
	f.calls[block]++
	delay := f.delays[block]
	fail := f.failures[block] > 0
	if fail {
		f.failures[block]--
	}
	f.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New("connection reset")
	}
	header, _ := json.Marshal(map[string]string{"number": fmt.Sprintf("0x%x", block)})
	return &types.BlockTrace{Header: header}, nil
}

func (f *fakeSource) callCount(block uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[block]
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func blockNumbers(t *testing.T, traces []*types.BlockTrace) []uint64 {
	numbers := make([]uint64, 0, len(traces))
	for _, trace := range traces {
		n, ok := trace.BlockNumber()
		require.True(t, ok)
		numbers = append(numbers, n)
	}
	return numbers
}

func TestGetBlockTracesKeepsOrder(t *testing.T) {
	source := newFakeSource()
	source.delays[5] = 30 * time.Millisecond
	source.delays[3] = 10 * time.Millisecond
	source.delays[9] = 0

	tracer, err := NewBlockTracer(source, Config{CacheSize: 16, MaxConcurrency: 4, Retry: fastRetry(3)}, nil, testLogger())
	require.NoError(t, err)

	traces, err := tracer.GetBlockTraces(context.Background(), []uint64{5, 3, 9})
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 3, 9}, blockNumbers(t, traces))
}

func TestGetBlockTracesRetriesTransientFailures(t *testing.T) {
	source := newFakeSource()
	source.failures[101] = 2

	tracer, err := NewBlockTracer(source, Config{CacheSize: 16, MaxConcurrency: 1, Retry: fastRetry(5)}, nil, testLogger())
	require.NoError(t, err)

	traces, err := tracer.GetBlockTraces(context.Background(), []uint64{100, 101})
	require.NoError(t, err)
	require.Equal(t, []uint64{100, 101}, blockNumbers(t, traces))
	require.Equal(t, 3, source.callCount(101))
}

func TestGetBlockTracesExhausted(t *testing.T) {
	source := newFakeSource()
	source.failures[7] = 10

	tracer, err := NewBlockTracer(source, Config{CacheSize: 16, Retry: fastRetry(3)}, nil, testLogger())
	require.NoError(t, err)

	_, err = tracer.GetBlockTraces(context.Background(), []uint64{6, 7})
	require.ErrorIs(t, err, retry.ErrExhausted)
	require.Equal(t, 3, source.callCount(7))
}

func TestGetBlockTracesUsesCache(t *testing.T) {
	source := newFakeSource()
	m := metrics.New()

	tracer, err := NewBlockTracer(source, Config{CacheSize: 16, Retry: fastRetry(1)}, m, testLogger())
	require.NoError(t, err)

	_, err = tracer.GetBlockTraces(context.Background(), []uint64{1, 2})
	require.NoError(t, err)
	_, err = tracer.GetBlockTraces(context.Background(), []uint64{2, 3})
	require.NoError(t, err)

	require.Equal(t, 1, source.callCount(2))
	require.Equal(t, 1, source.callCount(3))
}

func TestGetBlockTracesCancelled(t *testing.T) {
	source := newFakeSource()
	source.delays[1] = time.Second

	tracer, err := NewBlockTracer(source, Config{CacheSize: 16, Retry: fastRetry(1)}, nil, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = tracer.GetBlockTraces(ctx, []uint64{1})
	require.Error(t, err)
}
