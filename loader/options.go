package loader

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMinRequestInterval = 2 * time.Second
	DefaultCommonDelay        = 2 * time.Second
	DefaultStaggerDelay       = time.Second
)

type options struct {
	minInterval time.Duration
	critical    []string
	common      []string
	commonDelay time.Duration
	stagger     time.Duration
	logger      *zap.Logger
}

type Option func(*options)

// WithMinRequestInterval sets the minimum time between two requests for
// the same endpoint.
func WithMinRequestInterval(d time.Duration) Option {
	return func(o *options) {
		o.minInterval = d
	}
}

// WithCriticalEndpoints sets the endpoints Initialize loads first, one after
// the other.
func WithCriticalEndpoints(endpoints ...string) Option {
	return func(o *options) {
		o.critical = endpoints
	}
}

// WithCommonEndpoints sets the endpoints Initialize loads in the background
// once the critical ones are done.
func WithCommonEndpoints(endpoints ...string) Option {
	return func(o *options) {
		o.common = endpoints
	}
}

// WithCommonDelay sets the pause between the critical and common phases.
func WithCommonDelay(d time.Duration) Option {
	return func(o *options) {
		o.commonDelay = d
	}
}

// WithStaggerDelay sets the gap between the starts of two common loads.
func WithStaggerDelay(d time.Duration) Option {
	return func(o *options) {
		o.stagger = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
