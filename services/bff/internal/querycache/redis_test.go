package querycache

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRedisKey(t *testing.T) {
	k := redisKey(BucketSearch, `{"q":"x","v":{}}`)
	if !strings.HasPrefix(k, "koma:qc:search:") || len(k) != len("koma:qc:search:")+40 {
		t.Fatalf("unexpected redis key %q", k)
	}
	if redisKey(BucketSearch, "a") == redisKey(BucketTrending, "a") {
		t.Fatal("buckets must not share redis keys")
	}
}

// testRedisStore connects to TEST_REDIS_URL and skips when it is unset.
func testRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	s, err := NewRedisStore(url)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	if err := s.Client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Clear(context.Background(), Buckets...)
		_ = s.Close()
	})
	return s
}

func TestRedisStore_RoundTripAndInvalidate(t *testing.T) {
	s := testRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.Set(ctx, BucketDetails, "k1", Entry{Data: []byte(`{"a":1}`), InsertedAt: now}, time.Minute); err != nil {
		t.Fatal(err)
	}
	_ = s.Set(ctx, BucketDetails, "k2", Entry{Data: []byte(`{"a":2}`), InsertedAt: now}, time.Minute)

	e, ok, err := s.Get(ctx, BucketDetails, "k1")
	if err != nil || !ok || string(e.Data) != `{"a":1}` || !e.InsertedAt.Equal(now) {
		t.Fatalf("get: %+v %v %v", e, ok, err)
	}

	n, err := s.Invalidate(ctx, BucketDetails, func(k string, _ Entry) bool { return k == "k2" })
	if err != nil || n != 1 {
		t.Fatalf("invalidate: n=%d err=%v", n, err)
	}
	if _, ok, _ := s.Get(ctx, BucketDetails, "k2"); ok {
		t.Fatal("k2 should be gone")
	}
	if _, ok, _ := s.Get(ctx, BucketDetails, "k1"); !ok {
		t.Fatal("k1 should survive")
	}
}
