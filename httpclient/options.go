package httpclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/zckevin/reqcoord/ratelimit"
	"github.com/zckevin/reqcoord/retry"
)

const (
	DefaultMaxConcurrentRequests = 1
	DefaultMinRequestInterval    = time.Second
	DefaultCacheTTL              = 10 * time.Minute
	DefaultQueueProcessingDelay  = 1500 * time.Millisecond
)

var (
	DefaultPriorityEndpoints  = []string{"/auth", "/users/me"}
	DefaultLongCacheEndpoints = []string{"/faculty", "/departments"}
)

type options struct {
	maxConcurrent   int
	minInterval     time.Duration
	processingDelay time.Duration
	defaultTTL      time.Duration
	priority        []string
	longCache       []string
	retry           retry.Settings
	store           EntryStore
	keyFunc         KeyFunc
	logger          *zap.Logger
	registerer      prometheus.Registerer
	notifier        *ratelimit.Notifier
	now             func() time.Time
}

func defaultOptions() *options {
	return &options{
		maxConcurrent:   DefaultMaxConcurrentRequests,
		minInterval:     DefaultMinRequestInterval,
		processingDelay: DefaultQueueProcessingDelay,
		defaultTTL:      DefaultCacheTTL,
		priority:        DefaultPriorityEndpoints,
		longCache:       DefaultLongCacheEndpoints,
		retry:           retry.DefaultSettings(),
		keyFunc:         PathKey,
		logger:          zap.NewNop(),
		now:             time.Now,
	}
}

// Option configures a Coordinator.
type Option func(*options)

// WithMaxConcurrentRequests caps the number of requests executing at once.
func WithMaxConcurrentRequests(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithMinRequestInterval sets the minimum spacing between dequeues.
func WithMinRequestInterval(d time.Duration) Option {
	return func(o *options) {
		o.minInterval = d
	}
}

// WithQueueProcessingDelay sets the pause after a request settles before
// the queue is looked at again.
func WithQueueProcessingDelay(d time.Duration) Option {
	return func(o *options) {
		o.processingDelay = d
	}
}

func WithDefaultCacheTTL(d time.Duration) Option {
	return func(o *options) {
		o.defaultTTL = d
	}
}

// WithPriorityEndpoints replaces the endpoint prefixes whose requests jump
// the queue.
func WithPriorityEndpoints(prefixes ...string) Option {
	return func(o *options) {
		o.priority = prefixes
	}
}

// WithLongCacheEndpoints replaces the endpoint prefixes cached for twice
// the default TTL.
func WithLongCacheEndpoints(prefixes ...string) Option {
	return func(o *options) {
		o.longCache = prefixes
	}
}

func WithRetrySettings(s retry.Settings) Option {
	return func(o *options) {
		o.retry = s
	}
}

// WithStore sets the backing store for cached responses.
func WithStore(s EntryStore) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithKeyFunc sets how endpoints map to cache keys, PathKey by default.
func WithKeyFunc(fn KeyFunc) Option {
	return func(o *options) {
		o.keyFunc = fn
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegisterer registers the coordinator's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithNotifier publishes rate-limit events to n instead of a notifier owned
// by the coordinator.
func WithNotifier(n *ratelimit.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
