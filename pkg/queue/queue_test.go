package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T, config Config) *Queue {
	t.Helper()
	q := New(config, nil, nil)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// holdSlot occupies one concurrency slot with a request on its own key
// until release is closed, so other requests pile up behind it.
func holdSlot(t *testing.T, q *Queue, key string) (release chan struct{}, done chan error) {
	t.Helper()

	release = make(chan struct{})
	done = make(chan error, 1)
	started := make(chan struct{})

	go func() {
		_, err := q.Do(context.Background(), key, func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		}, Options{Timeout: time.Minute})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("blocker request never dispatched")
	}
	return release, done
}

func TestQueue_ExecutesSingleRequest(t *testing.T) {
	q := newTestQueue(t, Config{})

	value, err := q.Do(context.Background(), "contacts:list", func(ctx context.Context) (any, error) {
		return "result", nil
	}, Options{})

	require.NoError(t, err)
	assert.Equal(t, "result", value)

	stats := q.GetStats()
	assert.Equal(t, int64(1), stats.Enqueued)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestQueue_OperationErrorReachesCaller(t *testing.T) {
	q := newTestQueue(t, Config{})

	errBoom := errors.New("boom")
	_, err := q.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		return nil, errBoom
	}, Options{})

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, int64(1), q.GetStats().Failed)
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, BatchSize: 1})

	release, blockerDone := holdSlot(t, q, "blocker")

	var mu sync.Mutex
	var order []int

	run := func(priority int) chan struct{} {
		started := make(chan struct{})
		go func() {
			close(started)
			_, _ = q.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, priority)
				mu.Unlock()
				return nil, nil
			}, Options{Priority: priority, Timeout: time.Minute})
		}()
		return started
	}

	<-run(1)
	time.Sleep(10 * time.Millisecond)
	<-run(5)
	time.Sleep(10 * time.Millisecond)
	<-run(1)
	time.Sleep(10 * time.Millisecond)

	close(release)
	require.NoError(t, <-blockerDone)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, order[0], "highest priority dispatches first")
	assert.Equal(t, []int{5, 1, 1}, order)
}

func TestQueue_TimeoutWhileQueued(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, BatchSize: 1})

	release, blockerDone := holdSlot(t, q, "blocker")

	_, err := q.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		t.Error("timed-out request must not be dispatched")
		return nil, nil
	}, Options{Timeout: 30 * time.Millisecond})

	require.ErrorIs(t, err, ErrQueueTimeout)
	assert.Equal(t, int64(1), q.GetStats().TimedOut)

	close(release)
	require.NoError(t, <-blockerDone)
}

func TestQueue_BatchFailureIsolation(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, BatchSize: 3})

	release, blockerDone := holdSlot(t, q, "blocker")

	errBoom := errors.New("boom")
	results := make(chan error, 3)

	for i := 0; i < 3; i++ {
		fail := i == 1
		go func(fail bool) {
			_, err := q.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
				if fail {
					return nil, errBoom
				}
				return "ok", nil
			}, Options{Timeout: time.Minute})
			results <- err
		}(fail)
	}

	// Let all three enqueue so one dispatch extracts them as a batch.
	assert.Eventually(t, func() bool {
		return q.GetStats().Pending["k"] == 3
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-blockerDone)

	failures := 0
	for i := 0; i < 3; i++ {
		if err := <-results; err != nil {
			require.ErrorIs(t, err, errBoom)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "a sibling's failure settles only its own request")
}

func TestQueue_CancelPending(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, BatchSize: 1})

	release, blockerDone := holdSlot(t, q, "blocker")

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
				return nil, nil
			}, Options{Timeout: time.Minute})
			results <- err
		}()
	}

	assert.Eventually(t, func() bool {
		return q.GetStats().Pending["k"] == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, q.CancelPending("k"))
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, <-results, ErrRequestCanceled)
	}

	assert.Equal(t, 0, q.CancelPending("k"), "nothing left to cancel")

	close(release)
	require.NoError(t, <-blockerDone)
}

func TestQueue_CallerContextCancel(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, BatchSize: 1})

	release, blockerDone := holdSlot(t, q, "blocker")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.Do(ctx, "k", func(ctx context.Context) (any, error) {
		return nil, nil
	}, Options{Timeout: time.Minute})
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, <-blockerDone)
}

func TestQueue_ConcurrencyCeiling(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 2, BatchSize: 1})

	var mu sync.Mutex
	inFlight, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		key := string(rune('a' + i))
		go func(key string) {
			defer wg.Done()
			_, _ = q.Do(context.Background(), key, func(ctx context.Context) (any, error) {
				mu.Lock()
				inFlight++
				if inFlight > peak {
					peak = inFlight
				}
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil, nil
			}, Options{Timeout: time.Minute})
		}(key)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2, "never more batches in flight than MaxConcurrent")
}

func TestQueue_CloseRejectsPendingAndNew(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, BatchSize: 1}, nil, nil)

	release, blockerDone := holdSlot(t, q, "blocker")

	pendingErr := make(chan error, 1)
	go func() {
		_, err := q.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
			return nil, nil
		}, Options{Timeout: time.Minute})
		pendingErr <- err
	}()

	assert.Eventually(t, func() bool {
		return q.GetStats().Pending["k"] == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-blockerDone)

	// The pending request may have been dispatched after the blocker
	// finished; either way Close leaves nothing behind.
	require.NoError(t, q.Close())

	select {
	case err := <-pendingErr:
		if err != nil {
			assert.ErrorIs(t, err, ErrQueueClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request never settled")
	}

	_, err := q.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		return nil, nil
	}, Options{})
	require.ErrorIs(t, err, ErrQueueClosed)

	require.NoError(t, q.Close(), "double close is safe")
}
