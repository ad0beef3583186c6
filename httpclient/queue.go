package httpclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type queueResult struct {
	resp *Response
	err  error
}

type queuedRequest struct {
	id       string
	ctx      context.Context
	method   string
	endpoint string
	priority bool
	execute  func(ctx context.Context) (*Response, error)
	done     chan queueResult
}

func (r *queuedRequest) settle(resp *Response, err error) {
	r.done <- queueResult{resp: resp, err: err}
}

// requestQueue runs queued requests with at most maxConcurrent executing,
// at least minInterval between two dequeues and a pause of processingDelay
// after each request settles.
type requestQueue struct {
	maxConcurrent   int
	minInterval     time.Duration
	processingDelay time.Duration
	now             func() time.Time
	logger          *zap.Logger
	metrics         *Metrics

	mu          sync.Mutex
	items       []*queuedRequest
	active      int
	lastRequest time.Time
	waiting     bool
	closed      bool
}

func newRequestQueue(o *options, logger *zap.Logger, metrics *Metrics) *requestQueue {
	return &requestQueue{
		maxConcurrent:   o.maxConcurrent,
		minInterval:     o.minInterval,
		processingDelay: o.processingDelay,
		now:             o.now,
		logger:          logger,
		metrics:         metrics,
	}
}

// enqueue puts priority requests at the front and the rest at the back.
func (q *requestQueue) enqueue(r *queuedRequest) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if r.priority {
		q.items = append([]*queuedRequest{r}, q.items...)
	} else {
		q.items = append(q.items, r)
	}
	q.metrics.QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	q.process()
	return nil
}

func (q *requestQueue) process() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed || q.active >= q.maxConcurrent || len(q.items) == 0 {
			return
		}
		head := q.items[0]
		if err := head.ctx.Err(); err != nil {
			q.pop()
			q.logger.Debug("dropping cancelled request",
				zap.String("request_id", head.id), zap.String("endpoint", head.endpoint))
			head.settle(nil, err)
			continue
		}
		if !q.lastRequest.IsZero() {
			if wait := q.minInterval - q.now().Sub(q.lastRequest); wait > 0 {
				if !q.waiting {
					q.waiting = true
					time.AfterFunc(wait, q.wake)
				}
				return
			}
		}
		q.pop()
		q.lastRequest = q.now()
		q.active++
		q.metrics.ActiveRequests.Set(float64(q.active))
		go q.run(head)
		return
	}
}

func (q *requestQueue) wake() {
	q.mu.Lock()
	q.waiting = false
	q.mu.Unlock()
	q.process()
}

func (q *requestQueue) pop() {
	q.items[0] = nil
	q.items = q.items[1:]
	q.metrics.QueueDepth.Set(float64(len(q.items)))
}

// run executes r and, whatever the outcome, frees its slot and schedules
// the next dequeue.
func (q *requestQueue) run(r *queuedRequest) {
	defer func() {
		q.mu.Lock()
		q.active--
		q.metrics.ActiveRequests.Set(float64(q.active))
		q.mu.Unlock()
		time.AfterFunc(q.processingDelay, q.process)
	}()

	resp, err := q.execute(r)
	r.settle(resp, err)
}

func (q *requestQueue) execute(r *queuedRequest) (resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("request panicked",
				zap.String("request_id", r.id), zap.Any("panic", p))
			resp, err = nil, fmt.Errorf("httpclient: %s %s panicked: %v", r.method, r.endpoint, p)
		}
	}()
	return r.execute(r.ctx)
}

// close fails every queued request with ErrClosed. Running requests finish.
func (q *requestQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for _, r := range q.items {
		r.settle(nil, ErrClosed)
	}
	q.items = nil
	q.metrics.QueueDepth.Set(0)
}

func (q *requestQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
