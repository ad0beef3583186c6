package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/mock/gomock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zckevin/reqcoord/httperror"
	"github.com/zckevin/reqcoord/ratelimit"
	"github.com/zckevin/reqcoord/retry"
)

var _ = Describe("Coordinator", func() {
	var (
		ctx        = context.Background()
		httpclient *MockHTTPRequestDoer
		store      *MemoryStore
		reg        *prometheus.Registry
		client     *Coordinator
		slept      []time.Duration
		sleptMu    sync.Mutex
	)

	fastRetry := func() retry.Settings {
		return retry.Settings{
			MaxRetries: 3,
			BaseDelay:  2 * time.Second,
			MaxDelay:   15 * time.Second,
			Sleep: func(_ context.Context, d time.Duration) error {
				sleptMu.Lock()
				slept = append(slept, d)
				sleptMu.Unlock()
				return nil
			},
		}
	}

	newClient := func(opts ...Option) *Coordinator {
		opts = append([]Option{
			WithMinRequestInterval(0),
			WithQueueProcessingDelay(time.Millisecond),
			WithRetrySettings(fastRetry()),
			WithStore(store),
			WithRegisterer(reg),
			WithLongCacheEndpoints("/faculty"),
		}, opts...)
		return NewCoordinator("http://api.example.com/v1/", httpclient, opts...)
	}

	reply := func(status int, body string) func(*http.Request) (*http.Response, error) {
		return func(req *http.Request) (*http.Response, error) {
			return newHTTPResponse(req, status, body, nil), nil
		}
	}

	BeforeEach(func() {
		httpclient = NewMockHTTPRequestDoer(mockCtrl)
		store = NewMemoryStore()
		reg = prometheus.NewRegistry()
		slept = nil
		client = newClient()
		DeferCleanup(client.Close)
	})

	It("resolves endpoints against the base url", func() {
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			Expect(req.Method).To(Equal(http.MethodGet))
			Expect(req.URL.String()).To(Equal("http://api.example.com/v1/events?category=Tech"))
			return newHTTPResponse(req, 200, `[{"id":1}]`, nil), nil
		})

		resp, err := client.Get(ctx, "/events?category=Tech")
		Expect(err).ToNot(HaveOccurred())
		var events []map[string]int
		Expect(resp.Decode(&events)).To(Succeed())
		Expect(events).To(Equal([]map[string]int{{"id": 1}}))
	})

	It("requests to same url at same time share one transport call", func() {
		var calls atomic.Int32
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			time.Sleep(50 * time.Millisecond)
			return newHTTPResponse(req, 200, `"events"`, nil), nil
		}).Times(1)

		results := make([]*Response, 3)
		var wg sync.WaitGroup
		wg.Add(3)
		for i := 0; i < 3; i++ {
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				resp, err := client.Get(ctx, "/events")
				Expect(err).To(BeNil())
				results[i] = resp
			}(i)
		}
		wg.Wait()

		Expect(calls.Load()).To(Equal(int32(1)))
		Expect(results[1]).To(BeIdenticalTo(results[0]))
		Expect(results[2]).To(BeIdenticalTo(results[0]))
		Expect(client.Cache().InFlightLen()).To(Equal(0))
	})

	It("answers later requests from the cache", func() {
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(reply(200, `"events"`)).Times(1)

		for i := 0; i < 3; i++ {
			resp, err := client.Get(ctx, "/events")
			Expect(err).To(BeNil())
			Expect(string(resp.Data)).To(Equal(`"events"`))
		}
		Expect(store.Len()).To(Equal(1))
		Expect(testutil.ToFloat64(client.metrics.CacheHits)).To(Equal(2.0))
	})

	It("bypasses the cache on request", func() {
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(reply(200, `"events"`)).Times(2)

		_, err := client.Get(ctx, "/events", WithoutCache())
		Expect(err).ToNot(HaveOccurred())
		_, err = client.Get(ctx, "/events", WithoutCache())
		Expect(err).ToNot(HaveOccurred())
		Expect(store.Len()).To(Equal(0))
	})

	It("caches long-cache endpoints for twice the default TTL", func() {
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(reply(200, `[]`)).Times(2)

		_, err := client.Get(ctx, "/faculty")
		Expect(err).ToNot(HaveOccurred())
		_, err = client.Get(ctx, "/events")
		Expect(err).ToNot(HaveOccurred())

		e, err := store.Get(ctx, "/faculty")
		Expect(err).ToNot(HaveOccurred())
		Expect(e.TTL).To(Equal(2 * DefaultCacheTTL))
		e, err = store.Get(ctx, "/events")
		Expect(err).ToNot(HaveOccurred())
		Expect(e.TTL).To(Equal(DefaultCacheTTL))
	})

	It("refetches after a mutation to the same endpoint", func() {
		gets := 0
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			switch req.Method {
			case http.MethodPost:
				body, _ := io.ReadAll(req.Body)
				Expect(string(body)).To(Equal(`{"title":"Hackathon"}`))
				Expect(req.Header.Get("Content-Type")).To(Equal("application/json"))
				return newHTTPResponse(req, 201, `{"id":2}`, nil), nil
			default:
				gets++
				if gets == 1 {
					return newHTTPResponse(req, 200, `"before"`, nil), nil
				}
				return newHTTPResponse(req, 200, `"after"`, nil), nil
			}
		}).Times(3)

		resp, err := client.Get(ctx, "/events")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(resp.Data)).To(Equal(`"before"`))

		created, err := client.Post(ctx, "/events", map[string]string{"title": "Hackathon"})
		Expect(err).ToNot(HaveOccurred())
		Expect(created.StatusCode).To(Equal(201))

		resp, err = client.Get(ctx, "/events")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(resp.Data)).To(Equal(`"after"`))
	})

	It("does not cache a GET answered while a mutation was pending", func() {
		release := make(chan struct{})
		var gets atomic.Int32
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			if req.Method == http.MethodPost {
				return newHTTPResponse(req, 201, `{"id":2}`, nil), nil
			}
			if gets.Add(1) == 1 {
				<-release
				return newHTTPResponse(req, 200, `"before"`, nil), nil
			}
			return newHTTPResponse(req, 200, `"after"`, nil), nil
		}).Times(3)

		first := make(chan *Response, 1)
		go func() {
			defer GinkgoRecover()
			resp, err := client.Get(ctx, "/events")
			Expect(err).ToNot(HaveOccurred())
			first <- resp
		}()
		Eventually(gets.Load).Should(Equal(int32(1)))

		posted := make(chan error, 1)
		go func() {
			_, err := client.Post(ctx, "/events", map[string]string{"title": "Hackathon"})
			posted <- err
		}()
		Eventually(client.queue.depth).Should(Equal(1))
		close(release)

		var resp *Response
		Eventually(first, time.Second).Should(Receive(&resp))
		Expect(string(resp.Data)).To(Equal(`"before"`))
		Eventually(posted, time.Second).Should(Receive(BeNil()))

		resp, err := client.Get(ctx, "/events")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(resp.Data)).To(Equal(`"after"`))
		Expect(gets.Load()).To(Equal(int32(2)))
	})

	It("uses the response of a GET that settled just before registering", func() {
		gated := &gatedStore{MemoryStore: NewMemoryStore()}
		store = gated.MemoryStore
		client = newClient(WithStore(gated))
		DeferCleanup(client.Close)

		release := make(chan struct{})
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			<-release
			return newHTTPResponse(req, 200, `"events"`, nil), nil
		}).Times(1)

		go func() {
			defer GinkgoRecover()
			_, err := client.Get(ctx, "/events")
			Expect(err).ToNot(HaveOccurred())
		}()
		Eventually(client.Cache().InFlightLen).Should(Equal(1))

		entered, gate := gated.arm()
		late := make(chan *Response, 1)
		go func() {
			defer GinkgoRecover()
			resp, err := client.Get(ctx, "/events")
			Expect(err).ToNot(HaveOccurred())
			late <- resp
		}()
		Eventually(entered).Should(BeClosed())

		close(release)
		Eventually(client.Cache().InFlightLen).Should(Equal(0))
		close(gate)

		var resp *Response
		Eventually(late, time.Second).Should(Receive(&resp))
		Expect(string(resp.Data)).To(Equal(`"events"`))
	})

	It("matches absolute urls against endpoint prefixes", func() {
		Expect(client.IsPriority("http://api.example.com/v1/auth/login")).To(BeTrue())
		Expect(client.IsPriority("https://sso.example.com/users/me?x=1")).To(BeTrue())
		Expect(client.IsPriority("http://api.example.com/v1/events")).To(BeFalse())
		Expect(client.Cache().TTLFor("http://api.example.com/v1/faculty/7")).To(Equal(2 * DefaultCacheTTL))
		Expect(client.Cache().TTLFor("http://api.example.com/v1")).To(Equal(DefaultCacheTTL))
	})

	It("invalidates on put and delete as well", func() {
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(reply(200, `{}`)).Times(2)
		Expect(client.Cache().Set(ctx, "/events/1", &Response{StatusCode: 200}, 0)).To(Succeed())

		_, err := client.Put(ctx, "/events/1", []byte(`{"x":1}`))
		Expect(err).ToNot(HaveOccurred())
		_, ok := client.Cache().Get(ctx, "/events/1")
		Expect(ok).To(BeFalse())

		Expect(client.Cache().Set(ctx, "/events/1", &Response{StatusCode: 200}, 0)).To(Succeed())
		_, err = client.Delete(ctx, "/events/1")
		Expect(err).ToNot(HaveOccurred())
		_, ok = client.Cache().Get(ctx, "/events/1")
		Expect(ok).To(BeFalse())
	})

	It("propagates other errors without retrying", func() {
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(reply(500, `oops`)).Times(1)

		_, err := client.Get(ctx, "/events")
		Expect(httperror.IsHTTPError(err, 500)).To(BeTrue())
		var herr *httperror.Error
		Expect(errors.As(err, &herr)).To(BeTrue())
		Expect(string(herr.Body)).To(Equal("oops"))
		Expect(slept).To(BeEmpty())
		Expect(store.Len()).To(Equal(0))
	})

	It("wraps transport failures", func() {
		refused := errors.New("connection refused")
		httpclient.EXPECT().Do(gomock.Any()).Return(nil, refused).Times(1)

		_, err := client.Get(ctx, "/events")
		Expect(errors.Is(err, refused)).To(BeTrue())
		Expect(httperror.StatusCode(err)).To(Equal(0))
	})

	It("retries rate-limited requests and announces each 429", func() {
		events, cancel := client.Notifier().Subscribe(10)
		defer cancel()

		attempt := 0
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			attempt++
			if attempt == 1 {
				h := http.Header{}
				h.Set("Retry-After", "2")
				return newHTTPResponse(req, 429, "slow down", h), nil
			}
			return newHTTPResponse(req, 200, `"ok"`, nil), nil
		}).Times(2)

		resp, err := client.Get(ctx, "/events")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(resp.Data)).To(Equal(`"ok"`))
		Expect(slept).To(Equal([]time.Duration{2 * time.Second}))

		var ev ratelimit.Event
		Expect(events).To(Receive(&ev))
		Expect(ev.Status).To(Equal(429))
		Expect(ev.Endpoint).To(Equal("/events"))
		Expect(ev.RetryAfter).To(Equal(2 * time.Second))
		Expect(ev.RetryCount).To(Equal(0))
		Expect(events).ToNot(Receive())
		Expect(testutil.ToFloat64(client.metrics.Retries)).To(Equal(1.0))
	})

	It("gives up after the retry budget and returns the last 429", func() {
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(reply(429, "")).Times(4)

		_, err := client.Get(ctx, "/events")
		Expect(ratelimit.IsRateLimitError(err)).To(BeTrue())
		Expect(slept).To(HaveLen(3))
		Expect(testutil.ToFloat64(client.metrics.RateLimitEvents)).To(Equal(4.0))
	})

	It("resends the request body on retry", func() {
		attempt := 0
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			attempt++
			body, _ := io.ReadAll(req.Body)
			Expect(string(body)).To(Equal("payload"))
			if attempt == 1 {
				return newHTTPResponse(req, 429, "", nil), nil
			}
			return newHTTPResponse(req, 200, "", nil), nil
		}).Times(2)

		_, err := client.Post(ctx, "/events", "payload", WithHeader("X-Trace", "1"))
		Expect(err).ToNot(HaveOccurred())
	})

	It("fails relative endpoints without a base url", func() {
		c := NewCoordinator("", httpclient)
		defer c.Close()
		_, err := c.Get(ctx, "/events")
		Expect(err).To(MatchError(ErrNoBaseURL))
	})

	It("lets a waiter give up without cancelling the shared call", func() {
		release := make(chan struct{})
		httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			<-release
			return newHTTPResponse(req, 200, `"late"`, nil), nil
		}).Times(1)

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := client.Get(short, "/events")
		Expect(err).To(MatchError(context.DeadlineExceeded))

		done := make(chan *Response, 1)
		go func() {
			resp, _ := client.Get(ctx, "/events")
			done <- resp
		}()
		close(release)

		var resp *Response
		Eventually(done, time.Second).Should(Receive(&resp))
		Expect(string(resp.Data)).To(Equal(`"late"`))
	})

	Context("push", func() {
		It("push response would resolve later incoming requests", func() {
			httpclient.EXPECT().Do(gomock.Any()).Times(0)

			Expect(client.ReceivePush(ctx, "/events", &Response{StatusCode: 200, Data: []byte("pushed")})).To(BeFalse())
			resp, err := client.Get(ctx, "/events")
			Expect(err).To(BeNil())
			Expect(string(resp.Data)).To(Equal("pushed"))
		})

		It("push response would resolve early unresolved requests", func() {
			release := make(chan struct{})
			httpclient.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
				<-release
				return newHTTPResponse(req, 200, "fetched", nil), nil
			}).Times(1)
			defer close(release)

			var wg sync.WaitGroup
			wg.Add(3)
			for i := 0; i < 3; i++ {
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					resp, err := client.Get(ctx, "/events")
					Expect(err).To(BeNil())
					Expect(string(resp.Data)).To(Equal("pushed"))
				}()
			}
			Eventually(client.Cache().InFlightLen).Should(Equal(1))
			Eventually(func() bool {
				return client.ReceivePush(ctx, "/events", &Response{StatusCode: 200, Data: []byte("pushed")})
			}).Should(BeTrue())
			wg.Wait()
		})
	})
})

// gatedStore holds the next Get, once armed, after it has read the store
// and until the gate opens.
type gatedStore struct {
	*MemoryStore

	mu      sync.Mutex
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) arm() (entered, gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entered, s.gate = make(chan struct{}), make(chan struct{})
	return s.entered, s.gate
}

func (s *gatedStore) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	e, err := s.MemoryStore.Get(ctx, key)

	s.mu.Lock()
	entered, gate := s.entered, s.gate
	s.entered, s.gate = nil, nil
	s.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}
	return e, err
}
