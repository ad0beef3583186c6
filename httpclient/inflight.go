package httpclient

import (
	"context"
	"sync/atomic"
)

type callStatus int32

const (
	callStatusWaitForResponse callStatus = iota
	callStatusGotResponse
)

// Call is a GET that has been issued and not yet settled. Every caller
// asking for the same key while it is pending shares its result.
type Call struct {
	key      CacheKey
	gen      uint64
	onSettle func()

	status   atomic.Int32
	resolved chan struct{}
	resp     *Response
	err      error

	joined atomic.Int32
}

func newCall(key CacheKey, onSettle func()) *Call {
	return &Call{
		key:      key,
		onSettle: onSettle,
		resolved: make(chan struct{}),
	}
}

// Resolve settles the call. Only the first Resolve wins; it reports whether
// this one did. The settle hook runs before waiters are released, so no
// waiter can observe the call still registered.
func (c *Call) Resolve(resp *Response, err error) (ok bool) {
	if resp == nil && err == nil {
		panic("resp and err can not both be nil")
	}
	ok = c.status.CompareAndSwap(int32(callStatusWaitForResponse), int32(callStatusGotResponse))
	if !ok {
		return false
	}
	c.resp, c.err = resp, err
	if c.onSettle != nil {
		c.onSettle()
	}
	close(c.resolved)
	return true
}

// Wait blocks until the call settles or ctx is done.
func (c *Call) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.resolved:
	}
	return c.resp, c.err
}

func (c *Call) Done() <-chan struct{} {
	return c.resolved
}

func (c *Call) Key() CacheKey {
	return c.key
}

// Joined is the number of callers that attached to this call after it was
// registered.
func (c *Call) Joined() int {
	return int(c.joined.Load())
}

func (c *Call) join() *Call {
	c.joined.Add(1)
	return c
}
