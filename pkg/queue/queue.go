// Package queue provides the per-key request queue and batcher. Requests
// sharing a key line up in priority order and are dispatched in batches
// under a global concurrency ceiling; each request settles exactly once,
// whether by execution, by its own timeout, or by cancellation.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crmware/apiguard/pkg/observability"
)

// Queue errors
var (
	// ErrQueueTimeout is returned when a request's timeout fires before
	// it is dispatched. Once dispatched, the timeout has no effect.
	ErrQueueTimeout = errors.New("request timed out waiting for dispatch")

	// ErrQueueClosed is returned for requests enqueued after Close, and
	// settles any requests still pending at Close.
	ErrQueueClosed = errors.New("request queue is closed")

	// ErrRequestCanceled settles pending requests removed by CancelPending.
	ErrRequestCanceled = errors.New("request canceled")
)

// Operation is the caller-supplied unit of work.
type Operation func(ctx context.Context) (any, error)

// Config configures the queue.
type Config struct {
	// MaxConcurrent caps the number of batches in flight across all keys.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// BatchSize caps how many same-key requests one dispatch extracts.
	BatchSize int `mapstructure:"batch_size"`

	// DefaultTimeout applies to requests enqueued without their own.
	// Zero disables the default timeout.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  5,
		BatchSize:      3,
		DefaultTimeout: 30 * time.Second,
	}
}

// Options carries per-request settings.
type Options struct {
	// Priority orders same-key requests, highest first; FIFO among equals.
	Priority int

	// Timeout bounds the wait for dispatch. Zero uses the queue default.
	Timeout time.Duration
}

type outcome struct {
	value any
	err   error
}

type request struct {
	id       string
	key      string
	op       Operation
	ctx      context.Context
	priority int

	timer *time.Timer

	// settled guards the exactly-once guarantee: whichever of execution,
	// timeout or cancellation flips it first delivers the outcome.
	settled atomic.Bool
	done    chan outcome
}

// Stats is a snapshot of queue state.
type Stats struct {
	Pending       map[string]int `json:"pending"`
	ActiveBatches int            `json:"active_batches"`
	Enqueued      int64          `json:"enqueued"`
	Completed     int64          `json:"completed"`
	Failed        int64          `json:"failed"`
	TimedOut      int64          `json:"timed_out"`
}

// Queue dispatches per-key request batches under a concurrency ceiling.
type Queue struct {
	mu      sync.Mutex
	pending map[string][]*request

	sem    chan struct{}
	stopCh chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	enqueued  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
}

// New creates a queue.
func New(config Config, logger observability.Logger, metrics observability.MetricsClient) *Queue {
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &Queue{
		pending: make(map[string][]*request),
		sem:     make(chan struct{}, config.MaxConcurrent),
		stopCh:  make(chan struct{}),
		config:  config,
		logger:  logger.WithPrefix("request-queue"),
		metrics: metrics,
	}
}

// Do enqueues op under key and blocks until the request settles. The
// caller's context detaches the request: cancellation removes it from
// the queue if still pending, and a late outcome from an already
// dispatched operation is discarded.
func (q *Queue) Do(ctx context.Context, key string, op Operation, opts Options) (any, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	req := &request{
		id:       key + ":" + uuid.NewString(),
		key:      key,
		op:       op,
		ctx:      ctx,
		priority: opts.Priority,
		done:     make(chan outcome, 1),
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = q.config.DefaultTimeout
	}
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() { q.expire(req) })
	}

	q.enqueue(req)

	// Re-check after insertion: a concurrent Close may have drained the
	// pending map before this request landed in it.
	if q.closed.Load() {
		if q.remove(req) {
			if req.timer != nil {
				req.timer.Stop()
			}
			return nil, ErrQueueClosed
		}
	} else {
		q.enqueued.Add(1)
		q.metrics.RecordGauge("queue_pending", float64(q.pendingCount()), nil)

		q.wg.Add(1)
		go q.dispatch(key)
	}

	select {
	case out := <-req.done:
		return out.value, out.err
	case <-ctx.Done():
		q.remove(req)
		if req.timer != nil {
			req.timer.Stop()
		}
		return nil, ctx.Err()
	}
}

// CancelPending rejects every undispatched request for key and returns
// the number canceled. In-flight requests are not affected.
func (q *Queue) CancelPending(key string) int {
	q.mu.Lock()
	reqs := q.pending[key]
	delete(q.pending, key)
	q.mu.Unlock()

	for _, req := range reqs {
		if req.timer != nil {
			req.timer.Stop()
		}
		q.settle(req, nil, ErrRequestCanceled)
	}
	return len(reqs)
}

// GetStats returns a snapshot of queue statistics.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	pending := make(map[string]int, len(q.pending))
	for key, reqs := range q.pending {
		pending[key] = len(reqs)
	}
	q.mu.Unlock()

	return Stats{
		Pending:       pending,
		ActiveBatches: len(q.sem),
		Enqueued:      q.enqueued.Load(),
		Completed:     q.completed.Load(),
		Failed:        q.failed.Load(),
		TimedOut:      q.timedOut.Load(),
	}
}

// Close rejects all pending requests, stops the dispatchers and waits
// for in-flight batches to finish. Safe to call once.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}

	q.mu.Lock()
	remaining := q.pending
	q.pending = make(map[string][]*request)
	q.mu.Unlock()

	for _, reqs := range remaining {
		for _, req := range reqs {
			if req.timer != nil {
				req.timer.Stop()
			}
			q.settle(req, nil, ErrQueueClosed)
		}
	}

	close(q.stopCh)
	q.wg.Wait()
	return nil
}

// enqueue inserts in descending priority order, after existing requests
// of equal priority, so equal priorities dispatch FIFO.
func (q *Queue) enqueue(req *request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	reqs := q.pending[req.key]
	i := sort.Search(len(reqs), func(i int) bool {
		return reqs[i].priority < req.priority
	})
	reqs = append(reqs, nil)
	copy(reqs[i+1:], reqs[i:])
	reqs[i] = req
	q.pending[req.key] = reqs
}

// dispatch claims a concurrency slot and runs one batch for key. Each
// enqueued request triggers one dispatch attempt, so every pending
// request is eventually extracted even when an earlier attempt drained
// more than its own request.
func (q *Queue) dispatch(key string) {
	defer q.wg.Done()

	select {
	case q.sem <- struct{}{}:
	case <-q.stopCh:
		return
	}
	defer func() { <-q.sem }()

	batch := q.extract(key)
	if len(batch) == 0 {
		return
	}

	for _, req := range batch {
		if req.timer != nil {
			req.timer.Stop()
		}
	}

	if len(batch) == 1 {
		q.execute(batch[0])
		return
	}

	// Batched requests run concurrently; a failure settles only its own
	// request, never a sibling's.
	var wg sync.WaitGroup
	for _, req := range batch {
		wg.Add(1)
		go func(r *request) {
			defer wg.Done()
			q.execute(r)
		}(req)
	}
	wg.Wait()
}

// extract removes up to BatchSize requests from the front of key's queue.
func (q *Queue) extract(key string) []*request {
	q.mu.Lock()
	defer q.mu.Unlock()

	reqs := q.pending[key]
	if len(reqs) == 0 {
		return nil
	}

	n := q.config.BatchSize
	if n > len(reqs) {
		n = len(reqs)
	}

	batch := reqs[:n]
	rest := reqs[n:]
	if len(rest) == 0 {
		delete(q.pending, key)
	} else {
		q.pending[key] = rest
	}
	return batch
}

func (q *Queue) execute(req *request) {
	start := time.Now()
	value, err := req.op(req.ctx)
	q.metrics.RecordDuration("queue_execution_seconds", time.Since(start), nil)

	if err != nil {
		q.failed.Add(1)
	} else {
		q.completed.Add(1)
	}
	q.settle(req, value, err)
}

// expire fires on the request's timeout. It only acts while the request
// is still queued: once dispatched, removal fails and the execution path
// owns the settlement.
func (q *Queue) expire(req *request) {
	if !q.remove(req) {
		return
	}

	q.timedOut.Add(1)
	q.logger.Debug("Request timed out in queue", map[string]interface{}{
		"id":  req.id,
		"key": req.key,
	})
	q.settle(req, nil, ErrQueueTimeout)
}

// remove splices req out of its key's queue, reporting whether it was
// still pending.
func (q *Queue) remove(req *request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	reqs := q.pending[req.key]
	for i, r := range reqs {
		if r == req {
			reqs = append(reqs[:i], reqs[i+1:]...)
			if len(reqs) == 0 {
				delete(q.pending, req.key)
			} else {
				q.pending[req.key] = reqs
			}
			return true
		}
	}
	return false
}

// settle delivers the outcome exactly once; a second settlement attempt
// is a no-op.
func (q *Queue) settle(req *request, value any, err error) {
	if !req.settled.CompareAndSwap(false, true) {
		return
	}
	req.done <- outcome{value: value, err: err}
}

func (q *Queue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, reqs := range q.pending {
		total += len(reqs)
	}
	return total
}
