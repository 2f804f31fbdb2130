// Package streaming delivers task events to an external sink without
// blocking the scheduler.
package streaming

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/taskflow/internal/events"
)

// Sink receives events one at a time, in order.
type Sink interface {
	Put(ctx context.Context, ev events.Event) error
	Close() error
}

// Stats reports delivery counters.
type Stats struct {
	Delivered uint64
	Failed    uint64 // Gave up after retries
	Rejected  uint64 // Sent after Close
}

// Reporter queues events in an unbounded FIFO and forwards them to a sink
// from a single worker goroutine.
//
// SendUpdate never blocks. Close drains the queue, then stops the worker.
type Reporter struct {
	sink Sink
	cfg  config

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []events.Event
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once

	delivered atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

type config struct {
	putTimeout   time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
}

// Option configures a Reporter.
type Option func(*config)

// WithPutTimeout bounds a single Put call. Zero means no bound.
func WithPutTimeout(d time.Duration) Option {
	return func(c *config) { c.putTimeout = d }
}

// WithRetry sets the backoff for failing Put calls. maxElapsed of zero
// disables retries.
func WithRetry(initial, maxElapsed time.Duration) Option {
	return func(c *config) {
		c.retryInitial = initial
		c.retryMax = maxElapsed
	}
}

// NewReporter starts a reporter forwarding to sink.
func NewReporter(sink Sink, opts ...Option) *Reporter {
	c := config{
		putTimeout:   5 * time.Second,
		retryInitial: 50 * time.Millisecond,
		retryMax:     2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}

	r := &Reporter{sink: sink, cfg: c}
	r.cond = sync.NewCond(&r.mu)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run()
	}()
	return r
}

// SendUpdate enqueues ev and returns immediately. Events sent after Close
// are counted and discarded.
func (r *Reporter) SendUpdate(ev events.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.rejected.Add(1)
		return
	}
	r.queue = append(r.queue, ev)
	r.mu.Unlock()
	r.cond.Signal()
}

// Pending returns the number of queued events.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close stops accepting events, waits until every queued event was handed to
// the sink, and stops the worker. The sink itself is left open.
// Safe to call multiple times.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.cond.Broadcast()
	})
	r.wg.Wait()
}

// Stats returns the current delivery counters.
func (r *Reporter) Stats() Stats {
	return Stats{
		Delivered: r.delivered.Load(),
		Failed:    r.failed.Load(),
		Rejected:  r.rejected.Load(),
	}
}

func (r *Reporter) run() {
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			// Closed and drained.
			r.mu.Unlock()
			return
		}
		ev := r.queue[0]
		r.queue[0] = events.Event{}
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.deliver(ev)
	}
}

func (r *Reporter) deliver(ev events.Event) {
	if r.sink == nil {
		r.delivered.Add(1)
		return
	}

	operation := func() error {
		ctx := context.Background()
		if r.cfg.putTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.cfg.putTimeout)
			defer cancel()
		}
		return r.sink.Put(ctx, ev)
	}

	var err error
	if r.cfg.retryMax <= 0 {
		err = operation()
	} else {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = r.cfg.retryInitial
		policy.MaxElapsedTime = r.cfg.retryMax
		err = backoff.Retry(operation, policy)
	}

	if err != nil {
		r.failed.Add(1)
		log.Printf("WARNING: dropping %s event for task %s after delivery failure: %v", ev.Type, ev.TaskID, err)
		return
	}
	r.delivered.Add(1)
}
