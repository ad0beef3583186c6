package httpclient

/*
Coordinator.Get()

	cache hit
		return cached response
	TryRegister
		joined an in-flight call: wait for it
		new call: go lead(), wait for it

lead()
	enqueue -> queue.process -> retry.Do(roundTrip)
	on success write back to cache
	resolve call (removes it from the in-flight map)

Post/Put/Delete clear the endpoint's cache entries, enqueue directly and clear
them again once settled. A GET registered before a clear is not written back.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zckevin/reqcoord/httperror"
	"github.com/zckevin/reqcoord/ratelimit"
	"github.com/zckevin/reqcoord/retry"
)

// Coordinator deduplicates, caches, throttles and retries calls to one
// remote API. It is safe for concurrent use.
type Coordinator struct {
	baseURL     string
	doer        HTTPRequestDoer
	cache       *Cache
	queue       *requestQueue
	notifier    *ratelimit.Notifier
	ownNotifier bool
	retry       retry.Settings
	priority    []string
	logger      *zap.Logger
	metrics     *Metrics
	now         func() time.Time
}

// NewCoordinator returns a Coordinator sending requests through doer.
// Endpoints are resolved against baseURL unless they are absolute URLs; an
// empty baseURL requires absolute endpoints.
func NewCoordinator(baseURL string, doer HTTPRequestDoer, opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	metrics := NewMetrics(o.registerer)
	c := &Coordinator{
		baseURL:  strings.TrimRight(baseURL, "/"),
		doer:     doer,
		notifier: o.notifier,
		retry:    o.retry,
		priority: o.priority,
		logger:   o.logger,
		metrics:  metrics,
		now:      o.now,
	}
	if c.notifier == nil {
		c.notifier = ratelimit.NewNotifier()
		c.ownNotifier = true
	}
	c.cache = NewCache(o.store, CacheConfig{
		DefaultTTL:         o.defaultTTL,
		LongCacheEndpoints: o.longCache,
		BaseURL:            c.baseURL,
		KeyFunc:            o.keyFunc,
		Now:                o.now,
		Logger:             o.logger,
		Metrics:            metrics,
	})
	c.queue = newRequestQueue(o, o.logger, metrics)
	return c
}

// Cache gives direct access to the response cache.
func (c *Coordinator) Cache() *Cache {
	return c.cache
}

// Notifier is where rate-limit events are published.
func (c *Coordinator) Notifier() *ratelimit.Notifier {
	return c.notifier
}

// IsPriority reports whether requests to endpoint jump the queue.
func (c *Coordinator) IsPriority(endpoint string) bool {
	return matchesPrefix(relativePath(c.baseURL, endpoint), c.priority)
}

// Close fails queued requests with ErrClosed. Requests already executing
// run to completion.
func (c *Coordinator) Close() {
	c.queue.close()
	if c.ownNotifier {
		c.notifier.Close()
	}
}

type requestConfig struct {
	header   http.Header
	useCache bool
}

// RequestOption adjusts a single request.
type RequestOption func(*requestConfig)

func WithHeader(key, value string) RequestOption {
	return func(rc *requestConfig) {
		rc.header.Add(key, value)
	}
}

// WithoutCache makes a GET bypass the cache and in-flight deduplication.
func WithoutCache() RequestOption {
	return func(rc *requestConfig) {
		rc.useCache = false
	}
}

func newRequestConfig(opts []RequestOption) requestConfig {
	rc := requestConfig{header: http.Header{}, useCache: true}
	for _, opt := range opts {
		opt(&rc)
	}
	return rc
}

// Get returns the response for endpoint, from the cache when fresh, by
// sharing a GET already in flight, or by queueing a new one.
func (c *Coordinator) Get(ctx context.Context, endpoint string, opts ...RequestOption) (*Response, error) {
	rc := newRequestConfig(opts)
	if !rc.useCache {
		return c.enqueue(ctx, http.MethodGet, endpoint, nil, rc)
	}
	if resp, ok := c.cache.Get(ctx, endpoint); ok {
		return resp, nil
	}

	call, joined := c.cache.TryRegister(endpoint)
	if joined {
		c.metrics.InFlightJoins.Inc()
		c.logger.Debug("joined in-flight request", zap.String("endpoint", endpoint))
		return call.Wait(ctx)
	}
	// A leader that settled between the miss above and TryRegister has
	// already written its response.
	if resp, ok := c.cache.lookup(ctx, endpoint); ok {
		call.Resolve(resp, nil)
		return resp, nil
	}
	// The call outlives any single caller: other callers may join it.
	go c.lead(context.WithoutCancel(ctx), call, endpoint, rc)
	return call.Wait(ctx)
}

func (c *Coordinator) lead(ctx context.Context, call *Call, endpoint string, rc requestConfig) {
	resp, err := c.enqueue(ctx, http.MethodGet, endpoint, nil, rc)
	if err == nil {
		kept, serr := c.cache.Store(ctx, endpoint, call, resp)
		if serr != nil {
			c.logger.Warn("caching response failed", zap.String("endpoint", endpoint), zap.Error(serr))
		} else if !kept {
			c.logger.Debug("endpoint changed while fetching, response not cached", zap.String("endpoint", endpoint))
		}
	}
	call.Resolve(resp, err)
}

// Post sends body, JSON encoded unless it is a []byte, string or
// io.Reader.
func (c *Coordinator) Post(ctx context.Context, endpoint string, body any, opts ...RequestOption) (*Response, error) {
	return c.mutate(ctx, http.MethodPost, endpoint, body, opts)
}

func (c *Coordinator) Put(ctx context.Context, endpoint string, body any, opts ...RequestOption) (*Response, error) {
	return c.mutate(ctx, http.MethodPut, endpoint, body, opts)
}

func (c *Coordinator) Delete(ctx context.Context, endpoint string, opts ...RequestOption) (*Response, error) {
	return c.mutate(ctx, http.MethodDelete, endpoint, nil, opts)
}

// mutate clears the endpoint before the request is queued and again once it
// settles, so that GETs answered while it was pending are not served later.
func (c *Coordinator) mutate(ctx context.Context, method, endpoint string, body any, opts []RequestOption) (*Response, error) {
	c.invalidate(ctx, endpoint)
	resp, err := c.enqueue(ctx, method, endpoint, body, newRequestConfig(opts))
	c.invalidate(context.WithoutCancel(ctx), endpoint)
	return resp, err
}

func (c *Coordinator) invalidate(ctx context.Context, endpoint string) {
	if err := c.cache.ClearEndpoint(ctx, endpoint); err != nil {
		c.logger.Warn("invalidating cache failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

// ReceivePush stores a response obtained out of band and resolves a GET
// for the same endpoint that is still in flight. It reports whether such a
// GET was resolved.
func (c *Coordinator) ReceivePush(ctx context.Context, endpoint string, resp *Response) bool {
	if err := c.cache.Set(ctx, endpoint, resp, 0); err != nil {
		c.logger.Warn("caching pushed response failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
	call, ok := c.cache.InFlight(endpoint)
	if !ok {
		return false
	}
	return call.Resolve(resp, nil)
}

func (c *Coordinator) enqueue(ctx context.Context, method, endpoint string, body any, rc requestConfig) (*Response, error) {
	payload, isJSON, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	if isJSON && rc.header.Get("Content-Type") == "" {
		rc.header.Set("Content-Type", "application/json")
	}
	target, err := c.resolve(endpoint)
	if err != nil {
		return nil, err
	}

	r := &queuedRequest{
		id:       uuid.NewString(),
		ctx:      ctx,
		method:   method,
		endpoint: endpoint,
		priority: c.IsPriority(endpoint),
		done:     make(chan queueResult, 1),
	}
	r.execute = func(ctx context.Context) (*Response, error) {
		return c.execute(ctx, r.id, method, target, endpoint, payload, rc.header)
	}
	c.logger.Debug("enqueue request",
		zap.String("request_id", r.id),
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Bool("priority", r.priority))
	if err := c.queue.enqueue(r); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-r.done:
		return res.resp, res.err
	}
}

func (c *Coordinator) execute(ctx context.Context, id, method, target, endpoint string, payload []byte, header http.Header) (*Response, error) {
	settings := c.retry
	settings.OnRetry = func(info retry.Info) {
		c.metrics.Retries.Inc()
		c.logger.Info("retrying rate-limited request",
			zap.String("request_id", id),
			zap.String("endpoint", endpoint),
			zap.Int("retry_count", info.RetryCount),
			zap.Duration("delay", info.Delay))
		if c.retry.OnRetry != nil {
			c.retry.OnRetry(info)
		}
	}
	if settings.Now == nil {
		settings.Now = c.now
	}

	start := c.now()
	attempt := 0
	resp, err := retry.Do(ctx, settings, func(ctx context.Context) (*Response, error) {
		resp, err := c.roundTrip(ctx, method, target, payload, header)
		if ratelimit.IsRateLimitError(err) {
			c.publishRateLimit(err, endpoint, attempt)
		}
		attempt++
		return resp, err
	})

	outcome := "success"
	if err != nil {
		outcome = "error"
		c.logger.Debug("request failed",
			zap.String("request_id", id),
			zap.String("endpoint", endpoint),
			zap.Int("attempts", attempt),
			zap.Error(err))
	}
	c.metrics.RequestDuration.WithLabelValues(method, outcome).Observe(c.now().Sub(start).Seconds())
	return resp, err
}

func (c *Coordinator) roundTrip(ctx context.Context, method, target string, payload []byte, header http.Header) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &httperror.Error{Method: method, URL: target, Err: err}
	}
	for k, vs := range header {
		req.Header[k] = append([]string(nil), vs...)
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, &httperror.Error{Method: method, URL: target, Err: err}
	}
	return readResponse(req, resp)
}

func (c *Coordinator) publishRateLimit(err error, endpoint string, attempt int) {
	c.metrics.RateLimitEvents.Inc()
	now := c.now()
	retryAfter, ok := ratelimit.GetRetryAfter(err, now)
	if !ok || retryAfter < 0 {
		retryAfter = 0
	}
	c.notifier.Publish(ratelimit.Event{
		Status:     http.StatusTooManyRequests,
		Message:    fmt.Sprintf("too many requests to %s", endpoint),
		RetryAfter: retryAfter,
		Endpoint:   endpoint,
		RetryCount: attempt,
		At:         now,
	})
}

func (c *Coordinator) resolve(endpoint string) (string, error) {
	if isAbsolute(endpoint) {
		return endpoint, nil
	}
	if c.baseURL == "" {
		return "", fmt.Errorf("%w: %q", ErrNoBaseURL, endpoint)
	}
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/"), nil
}

// encodeBody buffers the request body so that it can be resent on retry.
func encodeBody(body any) (data []byte, isJSON bool, err error) {
	switch b := body.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return b, false, nil
	case string:
		return []byte(b), false, nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, false, fmt.Errorf("reading request body: %w", err)
		}
		return data, false, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, false, fmt.Errorf("encoding request body: %w", err)
		}
		return data, true, nil
	}
}
