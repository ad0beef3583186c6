package httpclient

import (
	"context"
	"net/http"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

var _ = Describe("RedisStore", func() {
	var (
		ctx    = context.Background()
		mr     *miniredis.Miniredis
		client *redis.Client
		store  *RedisStore
	)

	entry := func(key string, ttl time.Duration) *CacheEntry {
		return &CacheEntry{
			Key: key,
			Response: &Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"application/json"}},
				Data:       []byte(`{"id":1}`),
			},
			Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			TTL:       ttl,
		}
	}

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		store = NewRedisStore(client, "reqcoord:")
		DeferCleanup(func() {
			client.Close()
			mr.Close()
		})
	})

	It("round-trips an entry", func() {
		want := entry("/events", time.Hour)
		Expect(store.Set(ctx, want)).To(Succeed())
		Expect(mr.Exists("reqcoord:/events")).To(BeTrue())

		got, err := store.Get(ctx, "/events")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Key).To(Equal(want.Key))
		Expect(got.TTL).To(Equal(want.TTL))
		Expect(got.Timestamp.Equal(want.Timestamp)).To(BeTrue())
		Expect(got.Response.Data).To(Equal(want.Response.Data))
		Expect(got.Response.Header.Get("Content-Type")).To(Equal("application/json"))
	})

	It("reports missing keys as ErrNotFound", func() {
		_, err := store.Get(ctx, "/nope")
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("lets redis expire entries after their TTL", func() {
		Expect(store.Set(ctx, entry("/events", 100*time.Millisecond))).To(Succeed())
		mr.FastForward(150 * time.Millisecond)
		_, err := store.Get(ctx, "/events")
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("deletes a path with its query variants", func() {
		Expect(store.Set(ctx, entry("/events", time.Hour))).To(Succeed())
		Expect(store.Set(ctx, entry("/events?category=Tech", time.Hour))).To(Succeed())
		Expect(store.Set(ctx, entry("/events/1", time.Hour))).To(Succeed())

		Expect(store.DeletePath(ctx, "/events")).To(Succeed())
		Expect(mr.Exists("reqcoord:/events")).To(BeFalse())
		Expect(mr.Exists("reqcoord:/events?category=Tech")).To(BeFalse())
		Expect(mr.Exists("reqcoord:/events/1")).To(BeTrue())
	})

	It("clears only its own prefix", func() {
		Expect(store.Set(ctx, entry("/events", time.Hour))).To(Succeed())
		Expect(store.Set(ctx, entry("/exams", time.Hour))).To(Succeed())
		Expect(mr.Set("other:key", "v")).To(Succeed())

		Expect(store.Clear(ctx)).To(Succeed())
		Expect(mr.Keys()).To(ConsistOf("other:key"))
	})

	It("backs a Cache", func() {
		cache := NewCache(store, CacheConfig{DefaultTTL: time.Minute})
		resp := &Response{StatusCode: 200, Data: []byte("x")}
		Expect(cache.Set(ctx, "/events", resp, 0)).To(Succeed())

		got, ok := cache.Get(ctx, "/events?page=1")
		Expect(ok).To(BeTrue())
		Expect(got.Data).To(Equal([]byte("x")))

		Expect(cache.ClearEndpoint(ctx, "/events")).To(Succeed())
		_, ok = cache.Get(ctx, "/events")
		Expect(ok).To(BeFalse())
	})
})
