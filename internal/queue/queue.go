// Package queue implements the bounded asynchronous processing queues:
// cooperative worker pools with backpressure, retries with exponential
// backoff, error aggregation, and a completion barrier.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/observability"
)

// Item is one unit of queued work.
type Item struct {
	ID          string
	Payload     any
	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time
}

// Handler processes one item. A returned error triggers a retry until
// MaxAttempts is exhausted.
type Handler func(ctx context.Context, item Item) error

// ItemError records one dropped item for the observer.
type ItemError struct {
	ItemID   string    `json:"item_id"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// Snapshot is the queue's observable state.
type Snapshot struct {
	Name           string      `json:"name"`
	Pending        int         `json:"pending"`
	InFlight       int         `json:"in_flight"`
	ProcessedTotal int64       `json:"processed_total"`
	ErrorCount     int64       `json:"error_count"`
	RecentErrors   []ItemError `json:"recent_errors"`
}

const (
	defaultMaxAttempts = 3
	backoffBase        = time.Second
	backoffCap         = 60 * time.Second
	recentErrorsKept   = 20
)

// Queue is one named bounded queue with a worker pool.
type Queue struct {
	name    string
	items   chan Item
	handler Handler
	logger  *observability.Logger
	metrics *observability.MetricsCollector

	maxAttempts int

	mu           sync.Mutex
	pending      int
	inFlight     int
	processed    int64
	errorCount   int64
	recentErrors []ItemError
	idle         chan struct{} // closed and replaced whenever state changes

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewQueue creates a bounded queue and starts its workers.
func NewQueue(name string, capacity, workers, maxAttempts int, handler Handler,
	logger *observability.Logger, metrics *observability.MetricsCollector) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:        name,
		items:       make(chan Item, capacity),
		handler:     handler,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: maxAttempts,
		idle:        make(chan struct{}),
		cancel:      cancel,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue adds an item, blocking with backpressure while the queue is
// full. Fails RESOURCE_EXHAUSTED when ctx expires first.
func (q *Queue) Enqueue(ctx context.Context, payload any) error {
	item := Item{
		ID:          uuid.NewString(),
		Payload:     payload,
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	select {
	case q.items <- item:
		q.bump(func() { q.pending++ })
		return nil
	default:
	}
	select {
	case q.items <- item:
		q.bump(func() { q.pending++ })
		return nil
	case <-ctx.Done():
		return errs.Ef(errs.CodeResourceExhausted, "queue %s is full", q.name)
	}
}

// worker is the processing loop: dequeue, process, retry with backoff.
func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.items:
			q.bump(func() { q.pending--; q.inFlight++ })
			q.process(ctx, item)
		}
	}
}

func (q *Queue) process(ctx context.Context, item Item) {
	defer q.bump(func() { q.inFlight-- })

	for {
		item.Attempts++
		err := q.handler(ctx, item)
		if err == nil {
			q.bump(func() { q.processed++ })
			if q.metrics != nil {
				q.metrics.QueueProcessed.WithLabelValues(q.name).Inc()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if item.Attempts >= item.MaxAttempts {
			q.logger.Error("queue item dropped",
				"queue", q.name, "item", item.ID, "attempts", item.Attempts, "error", err)
			q.bump(func() {
				q.errorCount++
				q.recentErrors = append(q.recentErrors, ItemError{
					ItemID:   item.ID,
					Error:    err.Error(),
					Attempts: item.Attempts,
					At:       time.Now().UTC(),
				})
				if len(q.recentErrors) > recentErrorsKept {
					q.recentErrors = q.recentErrors[len(q.recentErrors)-recentErrorsKept:]
				}
			})
			if q.metrics != nil {
				q.metrics.QueueErrorsTotal.WithLabelValues(q.name).Inc()
			}
			return
		}
		if q.metrics != nil {
			q.metrics.QueueRetries.WithLabelValues(q.name).Inc()
		}
		backoff := backoffBase << (item.Attempts - 1)
		if backoff > backoffCap {
			backoff = backoffCap
		}
		q.logger.Warn("queue item retry",
			"queue", q.name, "item", item.ID, "attempt", item.Attempts, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// bump applies a state mutation and wakes completion waiters.
func (q *Queue) bump(mutate func()) {
	q.mu.Lock()
	mutate()
	close(q.idle)
	q.idle = make(chan struct{})
	if q.metrics != nil {
		q.metrics.QueuePending.WithLabelValues(q.name).Set(float64(q.pending))
		q.metrics.QueueInFlight.WithLabelValues(q.name).Set(float64(q.inFlight))
	}
	q.mu.Unlock()
}

// Snapshot returns the queue's observable state.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	recent := make([]ItemError, len(q.recentErrors))
	copy(recent, q.recentErrors)
	return Snapshot{
		Name:           q.name,
		Pending:        q.pending,
		InFlight:       q.inFlight,
		ProcessedTotal: q.processed,
		ErrorCount:     q.errorCount,
		RecentErrors:   recent,
	}
}

// WaitComplete blocks until the queue has no pending and no in-flight
// items, or ctx expires.
func (q *Queue) WaitComplete(ctx context.Context) error {
	for {
		q.mu.Lock()
		done := q.pending == 0 && q.inFlight == 0
		wake := q.idle
		q.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return errs.Ef(errs.CodeDeadlineExceeded, "queue %s did not drain in time", q.name)
		case <-wake:
		}
	}
}

// Close stops the workers. Pending items are abandoned.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}
