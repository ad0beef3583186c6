// Package backoff computes jittered exponential retry delays.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// maxShift keeps 1<<retryCount well inside int64 before it is multiplied by
// the base delay.
const maxShift = 30

type Calculator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewCalculator returns a Calculator drawing jitter from rnd. A nil rnd
// uses a time-seeded source.
func NewCalculator(rnd *rand.Rand) *Calculator {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Calculator{rnd: rnd}
}

// Delay returns min(2^retryCount * base, max) scaled by a uniform factor in
// [0.8, 1.2], floored to whole milliseconds.
func (c *Calculator) Delay(retryCount int, base, max time.Duration) time.Duration {
	d := Ceiling(retryCount, base, max)
	if d <= 0 {
		return 0
	}
	c.mu.Lock()
	f := c.rnd.Float64()
	c.mu.Unlock()

	ms := float64(d.Milliseconds())
	low := ms * 0.8
	jittered := low + f*(ms*1.2-low)
	return time.Duration(int64(jittered)) * time.Millisecond
}

// Ceiling is the un-jittered delay for retryCount.
func Ceiling(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 || max <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxShift {
		return max
	}
	mult := time.Duration(1) << retryCount
	if base > max/mult {
		return max
	}
	return min(mult*base, max)
}

var defaultCalculator = NewCalculator(nil)

// Compute is Delay on a package level Calculator.
func Compute(retryCount int, base, max time.Duration) time.Duration {
	return defaultCalculator.Delay(retryCount, base, max)
}
