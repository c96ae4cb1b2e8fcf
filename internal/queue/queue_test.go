package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/event"
)

func mustPut(t *testing.T, q *Queue, ev event.Event) {
	t.Helper()
	require.NoError(t, q.Put(ev, false, 0))
}

func TestPriorityOrder(t *testing.T) {
	q := New(8)
	mustPut(t, q, event.New("a", nil, event.PriorityNormal, "", 1))
	mustPut(t, q, event.New("b", nil, event.PriorityHigh, "", 2))
	mustPut(t, q, event.New("c", nil, event.PriorityCritical, "", 3))
	mustPut(t, q, event.New("d", nil, event.PriorityBackground, "", 4))

	var got []string
	for i := 0; i < 4; i++ {
		ev, err := q.Get(false, 0)
		require.NoError(t, err)
		got = append(got, ev.Type)
	}
	assert.Equal(t, []string{"c", "b", "a", "d"}, got)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(8)
	for seq := uint64(1); seq <= 3; seq++ {
		mustPut(t, q, event.New("t", nil, event.PriorityNormal, "", seq))
	}

	for seq := uint64(1); seq <= 3; seq++ {
		ev, err := q.Get(false, 0)
		require.NoError(t, err)
		assert.Equal(t, seq, ev.Seq)
	}
}

func TestBoundedPutFailsFast(t *testing.T) {
	q := New(2)
	mustPut(t, q, event.New("a", nil, event.PriorityNormal, "", 1))
	mustPut(t, q, event.New("b", nil, event.PriorityNormal, "", 2))

	err := q.Put(event.New("c", nil, event.PriorityNormal, "", 3), false, 0)
	require.ErrorIs(t, err, event.ErrQueueFull)
	assert.Equal(t, 2, q.Size())
	assert.LessOrEqual(t, q.Size(), q.Cap())
}

func TestBlockingPutTimesOut(t *testing.T) {
	q := New(1)
	mustPut(t, q, event.New("a", nil, event.PriorityNormal, "", 1))

	start := time.Now()
	err := q.Put(event.New("b", nil, event.PriorityNormal, "", 2), true, 50*time.Millisecond)
	require.ErrorIs(t, err, event.ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestBlockingPutUnblocksOnSpace(t *testing.T) {
	q := New(1)
	mustPut(t, q, event.New("a", nil, event.PriorityNormal, "", 1))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = q.Get(false, 0)
	}()
	err := q.Put(event.New("b", nil, event.PriorityNormal, "", 2), true, time.Second)
	require.NoError(t, err)
}

func TestBlockingGetTimesOut(t *testing.T) {
	q := New(1)
	_, err := q.Get(true, 30*time.Millisecond)
	require.ErrorIs(t, err, event.ErrQueueEmpty)
}

func TestBlockingGetUnblocksOnPut(t *testing.T) {
	q := New(1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = q.Put(event.New("a", nil, event.PriorityNormal, "", 1), false, 0)
	}()
	ev, err := q.Get(true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Type)
}

func TestCloseDrainsThenFails(t *testing.T) {
	q := New(4)
	mustPut(t, q, event.New("a", nil, event.PriorityNormal, "", 1))
	mustPut(t, q, event.New("b", nil, event.PriorityNormal, "", 2))
	q.Close()

	require.ErrorIs(t, q.Put(event.New("c", nil, event.PriorityNormal, "", 3), false, 0), event.ErrQueueClosed)

	for i := 0; i < 2; i++ {
		_, err := q.Get(false, 0)
		require.NoError(t, err)
	}
	_, err := q.Get(true, 0)
	require.ErrorIs(t, err, event.ErrQueueClosed)
}

func TestCloseWakesBlockedWaiters(t *testing.T) {
	q := New(1)
	mustPut(t, q, event.New("a", nil, event.PriorityNormal, "", 1))

	errs := make(chan error, 1)
	go func() {
		errs <- q.Put(event.New("b", nil, event.PriorityNormal, "", 2), true, 0)
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, event.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked Put did not wake on close")
	}
}

func TestBoundedUnderConcurrency(t *testing.T) {
	q := New(16)
	var wg sync.WaitGroup

	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			assert.LessOrEqual(t, q.Size(), q.Cap())
			_, _ = q.Get(false, 0)
		}
	}()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for seq := 0; seq < 200; seq++ {
				_ = q.Put(event.New("t", nil, event.PriorityNormal, "", uint64(worker*1000+seq)), false, 0)
			}
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()
	assert.LessOrEqual(t, q.Size(), q.Cap())
}

func TestTinyTimeoutsAlwaysReturn(t *testing.T) {
	full := New(1)
	mustPut(t, full, event.New("a", nil, event.PriorityNormal, "", 1))
	empty := New(1)

	// No other producers or consumers exist, so only the deadline wake-up
	// can unpark these waiters.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			err := full.Put(event.New("b", nil, event.PriorityNormal, "", 2), true, time.Microsecond)
			assert.ErrorIs(t, err, event.ErrQueueFull)
			_, err = empty.Get(true, time.Microsecond)
			assert.ErrorIs(t, err, event.ErrQueueEmpty)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed wait missed its deadline wake-up")
	}
}

func TestDrainRemaining(t *testing.T) {
	q := New(4)
	mustPut(t, q, event.New("a", nil, event.PriorityLow, "", 2))
	mustPut(t, q, event.New("b", nil, event.PriorityCritical, "", 1))
	q.Close()

	rest := q.DrainRemaining()
	require.Len(t, rest, 2)
	assert.Equal(t, "b", rest[0].Type)
	assert.Equal(t, 0, q.Size())
}
