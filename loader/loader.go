// Package loader sequences application data loading on top of a
// Coordinator: one load per endpoint at a time, per-endpoint throttling and
// a staged start-up that avoids a burst of requests.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zckevin/reqcoord/httpclient"
	"github.com/zckevin/reqcoord/retry"
)

// Getter is the part of *httpclient.Coordinator the loader uses.
type Getter interface {
	Get(ctx context.Context, endpoint string, opts ...httpclient.RequestOption) (*httpclient.Response, error)
}

type loadResult struct {
	resp *httpclient.Response
	err  error
}

type endpointState struct {
	data      *httpclient.Response
	loaded    bool
	loading   bool
	listeners []chan loadResult
	limiter   *rate.Limiter
}

type Loader struct {
	client Getter
	opts   options

	mu        sync.Mutex
	endpoints map[string]*endpointState

	background errgroup.Group
}

func New(client Getter, opts ...Option) *Loader {
	o := options{
		minInterval: DefaultMinRequestInterval,
		commonDelay: DefaultCommonDelay,
		stagger:     DefaultStaggerDelay,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Loader{
		client:    client,
		opts:      o,
		endpoints: make(map[string]*endpointState),
	}
}

func (l *Loader) state(endpoint string) *endpointState {
	st, ok := l.endpoints[endpoint]
	if !ok {
		st = &endpointState{limiter: rate.NewLimiter(rate.Every(l.opts.minInterval), 1)}
		l.endpoints[endpoint] = st
	}
	return st
}

// Load returns the data for endpoint. A load already running for endpoint
// is joined rather than repeated. Without force, data loaded earlier is
// returned as is. Loads of one endpoint are at least the minimum request
// interval apart; inside that interval stored data is preferred, otherwise
// Load waits the interval out. The load itself is shared: a caller whose
// ctx ends stops waiting for it but does not cancel it.
func (l *Loader) Load(ctx context.Context, endpoint string, force bool) (*httpclient.Response, error) {
	l.mu.Lock()
	st := l.state(endpoint)
	if !st.loading {
		if !force && st.loaded {
			data := st.data
			l.mu.Unlock()
			return data, nil
		}
		allowed := st.limiter.Allow()
		if !allowed && st.loaded {
			data := st.data
			l.mu.Unlock()
			l.opts.logger.Debug("throttled, serving stored data", zap.String("endpoint", endpoint))
			return data, nil
		}
		st.loading = true
		go l.run(context.WithoutCancel(ctx), endpoint, st, !allowed, force)
	}
	ch := make(chan loadResult, 1)
	st.listeners = append(st.listeners, ch)
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.resp, res.err
	}
}

func (l *Loader) run(ctx context.Context, endpoint string, st *endpointState, throttled, force bool) {
	if throttled {
		l.opts.logger.Debug("throttled, waiting", zap.String("endpoint", endpoint))
		if err := st.limiter.Wait(ctx); err != nil {
			l.finish(endpoint, st, nil, err)
			return
		}
	}

	var reqOpts []httpclient.RequestOption
	if force {
		reqOpts = append(reqOpts, httpclient.WithoutCache())
	}
	resp, err := l.client.Get(ctx, endpoint, reqOpts...)
	l.finish(endpoint, st, resp, err)
}

func (l *Loader) finish(endpoint string, st *endpointState, resp *httpclient.Response, err error) {
	l.mu.Lock()
	st.loading = false
	if err == nil {
		st.data, st.loaded = resp, true
	}
	listeners := st.listeners
	st.listeners = nil
	l.mu.Unlock()

	if err != nil {
		l.opts.logger.Warn("loading endpoint failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
	for _, ch := range listeners {
		ch <- loadResult{resp: resp, err: err}
	}
}

// Data returns what the last successful load of endpoint produced.
func (l *Loader) Data(endpoint string) (*httpclient.Response, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.endpoints[endpoint]
	if !ok || !st.loaded {
		return nil, false
	}
	return st.data, true
}

// Invalidate forgets the stored data for endpoint so the next Load fetches.
func (l *Loader) Invalidate(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.endpoints[endpoint]; ok {
		st.data, st.loaded = nil, false
	}
}

// Initialize loads the critical endpoints in order, then starts loading the
// common endpoints in the background: the first after the common delay and
// each next one a stagger delay later. Errors from critical loads are
// returned joined; the remaining critical endpoints are still loaded.
func (l *Loader) Initialize(ctx context.Context) error {
	var errs []error
	for _, endpoint := range l.opts.critical {
		if _, err := l.Load(ctx, endpoint, false); err != nil {
			errs = append(errs, fmt.Errorf("loading %s: %w", endpoint, err))
		}
	}

	for i, endpoint := range l.opts.common {
		endpoint := endpoint
		delay := l.opts.commonDelay + time.Duration(i)*l.opts.stagger
		l.background.Go(func() error {
			if err := retry.Sleep(ctx, delay); err != nil {
				return nil
			}
			if _, err := l.Load(ctx, endpoint, false); err != nil {
				return fmt.Errorf("loading %s: %w", endpoint, err)
			}
			return nil
		})
	}
	l.opts.logger.Info("critical endpoints loaded",
		zap.Int("critical", len(l.opts.critical)),
		zap.Int("common", len(l.opts.common)),
		zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// Wait blocks until the background loads started by Initialize are done
// and returns the first of their errors. Loads skipped because ctx ended
// are not errors.
func (l *Loader) Wait() error {
	return l.background.Wait()
}
