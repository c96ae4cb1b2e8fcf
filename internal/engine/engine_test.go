package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"main/internal/admission"
	"main/internal/batch"
	"main/internal/breaker"
	"main/internal/event"
	"main/internal/executor"
)

var errHandler = errors.New("handler failure")

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestLifecycleLeaksNothing(t *testing.T) {
	// The ants library starts purge/ticktock goroutines for its default
	// pool at package init; IgnoreCurrent excludes those pre-existing
	// goroutines while still catching anything this test leaks.
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newTestEngine(t, Config{QueueSize: 16, Pool: poolCfg(2)})
	e.RegisterHandler("t", func(ctx context.Context, ev event.Event) error { return nil })
	require.NoError(t, e.Start())

	c, err := e.Submit("t", nil, event.PriorityNormal, WithCompletion())
	require.NoError(t, err)
	require.NoError(t, c.Wait(t.Context()))

	_, _, err = e.Stop(time.Second)
	require.NoError(t, err)
}

func TestSubmitAndProcess(t *testing.T) {
	e := newTestEngine(t, Config{QueueSize: 64, Pool: poolCfg(4)})
	var processed atomic.Int64
	e.RegisterHandler("t", func(ctx context.Context, ev event.Event) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, e.Start())

	var completions []*event.Completion
	for i := 0; i < 50; i++ {
		c, err := e.Submit("t", i, event.PriorityNormal, WithCompletion())
		require.NoError(t, err)
		completions = append(completions, c)
	}
	for _, c := range completions {
		require.NoError(t, c.Wait(t.Context()))
	}

	stats := e.Stats()
	assert.Equal(t, uint64(50), stats.Received)
	assert.Equal(t, uint64(50), stats.Processed)
	assert.Equal(t, int64(50), processed.Load())
	assert.Equal(t, uint64(50), stats.Latency.Count)
	assert.True(t, e.IsHealthy())

	e.Stop(time.Second)
}

func TestSubmitBeforeStart(t *testing.T) {
	e := newTestEngine(t, Config{Pool: poolCfg(1)})
	_, err := e.Submit("t", nil, event.PriorityNormal)
	assert.ErrorIs(t, err, event.ErrShutdown)
}

func TestSubmitInvalidPriority(t *testing.T) {
	e := newTestEngine(t, Config{Pool: poolCfg(1)})
	require.NoError(t, e.Start())
	defer e.Stop(time.Second)

	_, err := e.Submit("t", nil, event.Priority(42))
	assert.Error(t, err)
}

func TestNoHandlerDeadLetters(t *testing.T) {
	e := newTestEngine(t, Config{QueueSize: 8, Pool: poolCfg(1)})
	require.NoError(t, e.Start())

	c, err := e.Submit("unknown", nil, event.PriorityNormal, WithCompletion())
	require.NoError(t, err)
	require.ErrorIs(t, c.Wait(t.Context()), event.ErrNoHandler)

	entries := e.DrainDeadLetters()
	require.Len(t, entries, 1)
	assert.ErrorIs(t, entries[0].Err, event.ErrNoHandler)
	assert.Equal(t, uint64(1), e.Stats().Failed)

	e.Stop(time.Second)
}

func TestFailingHandlerAccountedAndDeadLettered(t *testing.T) {
	e := newTestEngine(t, Config{QueueSize: 8, Pool: poolCfg(1)})
	e.RegisterHandler("t", func(ctx context.Context, ev event.Event) error {
		return errHandler
	})
	require.NoError(t, e.Start())

	c, err := e.Submit("t", nil, event.PriorityNormal, WithCompletion())
	require.NoError(t, err)
	require.ErrorIs(t, c.Wait(t.Context()), errHandler)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, 1, stats.DeadLetters)

	e.Stop(time.Second)
}

func TestBreakerOpensAndShedsThroughEngine(t *testing.T) {
	e := newTestEngine(t, Config{
		QueueSize: 16,
		Pool:      poolCfg(1),
		Breaker:   breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Hour},
	})
	e.RegisterHandler("flaky", func(ctx context.Context, ev event.Event) error {
		return errHandler
	})
	require.NoError(t, e.Start())

	for i := 0; i < 3; i++ {
		c, err := e.Submit("flaky", nil, event.PriorityNormal, WithCompletion())
		require.NoError(t, err)
		require.ErrorIs(t, c.Wait(t.Context()), errHandler)
	}

	c, err := e.Submit("flaky", nil, event.PriorityNormal, WithCompletion())
	require.NoError(t, err)
	require.ErrorIs(t, c.Wait(t.Context()), event.ErrCircuitOpen)

	stats := e.Stats()
	assert.Equal(t, "open", stats.CircuitStates["flaky"])
	assert.Equal(t, uint64(1), stats.Drops["circuit_open"])
	// Rejections are not failures: only the three real ones dead-lettered.
	assert.Equal(t, 3, stats.DeadLetters)

	e.Stop(time.Second)
}

func TestPerHandlerBreakerOverride(t *testing.T) {
	e := newTestEngine(t, Config{QueueSize: 16, Pool: poolCfg(1)})
	e.RegisterHandler("fragile", func(ctx context.Context, ev event.Event) error {
		return errHandler
	}, WithBreaker(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}))
	require.NoError(t, e.Start())

	c, err := e.Submit("fragile", nil, event.PriorityNormal, WithCompletion())
	require.NoError(t, err)
	require.ErrorIs(t, c.Wait(t.Context()), errHandler)

	c, err = e.Submit("fragile", nil, event.PriorityNormal, WithCompletion())
	require.NoError(t, err)
	assert.ErrorIs(t, c.Wait(t.Context()), event.ErrCircuitOpen)

	e.Stop(time.Second)
}

func TestProcessingTimeoutThroughEngine(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	e := newTestEngine(t, Config{
		QueueSize:         8,
		Pool:              poolCfg(1),
		ProcessingTimeout: 30 * time.Millisecond,
	})
	e.RegisterHandler("slow", func(ctx context.Context, ev event.Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, e.Start())

	c, err := e.Submit("slow", nil, event.PriorityNormal, WithCompletion())
	require.NoError(t, err)
	require.ErrorIs(t, c.Wait(t.Context()), event.ErrProcessingTimeout)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Timeouts)

	e.Stop(time.Second)
}

func TestBackpressureShedsNormalKeepsCritical(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	e := newTestEngine(t, Config{
		QueueSize: 20,
		Pool:      poolCfg(1),
		Admission: admission.Config{
			BackpressureThreshold: 0.9,
			// Degradation out of the way: this test exercises backpressure.
			EscalateAt: [4]float64{0.991, 0.994, 0.997, 0.999},
		},
	})
	e.RegisterHandler("t", func(ctx context.Context, ev event.Event) error {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, e.Start())

	// Occupy the worker, then fill the queue to the 0.9 threshold.
	_, err := e.Submit("t", nil, event.PriorityNormal)
	require.NoError(t, err)
	<-started
	for i := 0; i < 18; i++ {
		_, err := e.Submit("t", nil, event.PriorityNormal, WithBlock(time.Second))
		require.NoError(t, err)
	}

	_, err = e.Submit("t", nil, event.PriorityNormal)
	require.ErrorIs(t, err, event.ErrBackpressure)
	_, err = e.Submit("t", nil, event.PriorityLow)
	require.ErrorIs(t, err, event.ErrBackpressure)

	// The last queue slot stays available to HIGH/CRITICAL.
	_, err = e.Submit("t", nil, event.PriorityCritical)
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, uint64(2), stats.Drops["backpressure"])

	close(release)
	e.Stop(time.Second)
}

func TestDegradationShedsLowPriorities(t *testing.T) {
	e := newTestEngine(t, Config{QueueSize: 4, Pool: poolCfg(1)})
	require.NoError(t, e.Start())
	defer e.Stop(time.Second)

	// Force degradation directly; Submit consults the controller.
	for e.DegradationLevel() < admission.LevelMedium {
		e.ctrl.Observe(1.0)
	}

	_, err := e.Submit("t", nil, event.PriorityLow)
	require.ErrorIs(t, err, event.ErrDegraded)
	assert.Equal(t, uint64(1), e.Stats().Drops["degraded"])
	assert.False(t, e.IsHealthy())

	e.ResetDegradation()
	assert.Equal(t, admission.LevelNormal, e.DegradationLevel())
}

func TestStopSettlesQueuedEvents(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	e := newTestEngine(t, Config{QueueSize: 8, Pool: poolCfg(1)})
	e.RegisterHandler("t", func(ctx context.Context, ev event.Event) error {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, e.Start())

	_, err := e.Submit("t", nil, event.PriorityNormal)
	require.NoError(t, err)
	<-started

	var queued []*event.Completion
	for i := 0; i < 3; i++ {
		c, err := e.Submit("t", nil, event.PriorityNormal, WithCompletion())
		require.NoError(t, err)
		queued = append(queued, c)
	}

	drained, canceled, err := e.Stop(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, drained)
	assert.Equal(t, 1, canceled)
	close(release)

	for _, c := range queued {
		require.ErrorIs(t, c.Wait(t.Context()), event.ErrShutdown)
	}
	assert.Equal(t, uint64(3), e.Stats().Drops["shutdown"])

	_, err = e.Submit("t", nil, event.PriorityNormal)
	assert.ErrorIs(t, err, event.ErrShutdown)
}

func TestStopBudgetCoversBothPhases(t *testing.T) {
	e := newTestEngine(t, Config{
		QueueSize: 8,
		Pool:      poolCfg(1),
		Batch:     &batch.Config{MaxBatchSize: 4, MaxBatchAge: time.Hour},
	})
	flushStarted := make(chan struct{})
	var flushOnce sync.Once
	e.RegisterBatchHandler("tick", func(ctx context.Context, key string, events []event.Event) error {
		flushOnce.Do(func() { close(flushStarted) })
		<-ctx.Done()
		return ctx.Err()
	})
	workerStarted := make(chan struct{})
	var workerOnce sync.Once
	e.RegisterHandler("slow", func(ctx context.Context, ev event.Event) error {
		workerOnce.Do(func() { close(workerStarted) })
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, e.Start())

	// Pin a handler on the worker and a flush in the batch pool so both
	// shutdown phases run out their clocks.
	_, err := e.Submit("slow", nil, event.PriorityNormal)
	require.NoError(t, err)
	<-workerStarted
	for i := 0; i < 4; i++ {
		_, err := e.Submit("tick", nil, event.PriorityNormal, WithKey("k"), WithBatch())
		require.NoError(t, err)
	}
	<-flushStarted

	start := time.Now()
	_, canceled, err := e.Stop(150 * time.Millisecond)
	require.NoError(t, err)

	// The timeout bounds the whole shutdown, not each phase.
	assert.Less(t, time.Since(start), 280*time.Millisecond)
	assert.Equal(t, 1, canceled)
}

func TestUnregisterHandlerKeepsBreaker(t *testing.T) {
	e := newTestEngine(t, Config{
		QueueSize: 8,
		Pool:      poolCfg(1),
		Breaker:   breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour},
	})
	e.RegisterHandler("t", func(ctx context.Context, ev event.Event) error {
		return errHandler
	})
	require.NoError(t, e.Start())

	c, err := e.Submit("t", nil, event.PriorityNormal, WithCompletion())
	require.NoError(t, err)
	require.ErrorIs(t, c.Wait(t.Context()), errHandler)

	e.UnregisterHandler("t")
	c, err = e.Submit("t", nil, event.PriorityNormal, WithCompletion())
	require.NoError(t, err)
	require.ErrorIs(t, c.Wait(t.Context()), event.ErrNoHandler)

	// Re-registration resumes the open breaker.
	e.RegisterHandler("t", func(ctx context.Context, ev event.Event) error { return nil })
	c, err = e.Submit("t", nil, event.PriorityNormal, WithCompletion())
	require.NoError(t, err)
	assert.ErrorIs(t, c.Wait(t.Context()), event.ErrCircuitOpen)

	e.Stop(time.Second)
}

func TestShardedPreservesPerKeyOrder(t *testing.T) {
	var mu sync.Mutex
	byKey := map[string][]uint64{}
	e := newTestEngine(t, Config{Strategy: StrategySharded})
	e.RegisterHandler("tick", func(ctx context.Context, ev event.Event) error {
		mu.Lock()
		byKey[ev.Key] = append(byKey[ev.Key], ev.Seq)
		mu.Unlock()
		return nil
	})
	require.NoError(t, e.Start())

	keys := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	var completions []*event.Completion
	for round := 0; round < 20; round++ {
		for _, key := range keys {
			c, err := e.Submit("tick", nil, event.PriorityNormal, WithKey(key), WithCompletion(), WithBlock(time.Second))
			require.NoError(t, err)
			completions = append(completions, c)
		}
	}
	for _, c := range completions {
		require.NoError(t, c.Wait(t.Context()))
	}
	e.Stop(time.Second)

	for key, seqs := range byKey {
		require.Len(t, seqs, 20, "key %s", key)
		for i := 1; i < len(seqs); i++ {
			assert.Greater(t, seqs[i], seqs[i-1], "key %s out of order", key)
		}
	}
}

func TestCoopStrategyEndToEnd(t *testing.T) {
	e := newTestEngine(t, Config{Strategy: StrategyCoop, QueueSize: 32})
	var processed atomic.Int64
	e.RegisterHandler("t", func(ctx context.Context, ev event.Event) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, e.Start())

	var completions []*event.Completion
	for i := 0; i < 25; i++ {
		c, err := e.Submit("t", nil, event.PriorityNormal, WithCompletion(), WithBlock(time.Second))
		require.NoError(t, err)
		completions = append(completions, c)
	}
	for _, c := range completions {
		require.NoError(t, c.Wait(t.Context()))
	}
	assert.Equal(t, int64(25), processed.Load())

	e.Stop(time.Second)
}

func TestBatchPathVectorized(t *testing.T) {
	var mu sync.Mutex
	sizes := map[string][]int{}
	e := newTestEngine(t, Config{
		QueueSize: 64,
		Pool:      poolCfg(2),
		Batch:     &batch.Config{MaxBatchSize: 10, MaxBatchAge: 20 * time.Millisecond},
	})
	e.RegisterBatchHandler("tick", func(ctx context.Context, key string, events []event.Event) error {
		mu.Lock()
		sizes[key] = append(sizes[key], len(events))
		mu.Unlock()
		return nil
	})
	require.NoError(t, e.Start())

	var completions []*event.Completion
	for i := 0; i < 25; i++ {
		c, err := e.Submit("tick", i, event.PriorityNormal, WithKey("BTCUSDT"), WithBatch(), WithCompletion())
		require.NoError(t, err)
		completions = append(completions, c)
	}
	for _, c := range completions {
		require.NoError(t, c.Wait(t.Context()))
	}

	mu.Lock()
	got := append([]int(nil), sizes["BTCUSDT"]...)
	mu.Unlock()
	var total int
	for _, n := range got {
		require.LessOrEqual(t, n, 10)
		total += n
	}
	assert.Equal(t, 25, total)
	assert.Equal(t, uint64(25), e.Stats().Processed)

	e.Stop(time.Second)
}

func TestBatchFallsBackToPerEventHandler(t *testing.T) {
	var processed atomic.Int64
	e := newTestEngine(t, Config{
		QueueSize: 64,
		Pool:      poolCfg(2),
		Batch:     &batch.Config{MaxBatchSize: 5, MaxBatchAge: 20 * time.Millisecond},
	})
	e.RegisterHandler("audit", func(ctx context.Context, ev event.Event) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, e.Start())

	var completions []*event.Completion
	for i := 0; i < 12; i++ {
		c, err := e.Submit("audit", i, event.PriorityLow, WithBatch(), WithCompletion())
		require.NoError(t, err)
		completions = append(completions, c)
	}
	for _, c := range completions {
		require.NoError(t, c.Wait(t.Context()))
	}
	assert.Equal(t, int64(12), processed.Load())

	e.Stop(time.Second)
}

func TestAutoScaleWiring(t *testing.T) {
	e := newTestEngine(t, Config{
		QueueSize: 16,
		Pool:      poolCfg(2),
		AutoScale: true,
	})
	e.RegisterHandler("t", func(ctx context.Context, ev event.Event) error { return nil })
	require.NoError(t, e.Start())
	require.NotNil(t, e.scaler)
	assert.Equal(t, 2, e.Stats().WorkerCount)

	_, _, err := e.Stop(time.Second)
	require.NoError(t, err)
}

func TestConfigRejectsUnknownStrategy(t *testing.T) {
	_, err := New(Config{Strategy: "fibers"})
	assert.Error(t, err)
}

func poolCfg(workers int) executor.PoolConfig {
	return executor.PoolConfig{InitialWorkers: workers, MinWorkers: 1, MaxWorkers: 16}
}
