package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/komacorner/koma-corner/services/bff/internal/apperr"
)

type stubTransport struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubTransport) Do(_ context.Context, query string, _ map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(`{"n":` + strconv.Itoa(s.calls) + `}`), nil
}

func (s *stubTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(tr Transport) (*Cache, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(tr, WithTTL(time.Second), WithClock(clk.now)), clk
}

func TestKey_Deterministic(t *testing.T) {
	a, err := Key("query X { x }", map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Key("query X { x }", map[string]any{"a": 1, "b": 2})
	if a != b {
		t.Fatalf("keys differ: %s vs %s", a, b)
	}
	if a != `{"q":"query X { x }","v":{"a":1,"b":2}}` {
		t.Fatalf("unexpected key %s", a)
	}
	empty, _ := Key("q", nil)
	if empty != `{"q":"q","v":{}}` {
		t.Fatalf("nil variables key = %s", empty)
	}
}

func TestFetch_Freshness(t *testing.T) {
	tr := &stubTransport{}
	c, clk := newTestCache(tr)
	ctx := context.Background()
	vars := map[string]any{"a": 1}

	if _, err := c.Fetch(ctx, "query X { x }", vars, Options{Bucket: BucketSearch}); err != nil {
		t.Fatal(err)
	}
	clk.advance(time.Millisecond)
	if _, err := c.Fetch(ctx, "query X { x }", vars, Options{Bucket: BucketSearch}); err != nil {
		t.Fatal(err)
	}
	if tr.count() != 1 {
		t.Fatalf("reads 1ms apart: calls = %d, want 1", tr.count())
	}

	clk.advance(1000 * time.Millisecond)
	if _, err := c.Fetch(ctx, "query X { x }", vars, Options{Bucket: BucketSearch}); err != nil {
		t.Fatal(err)
	}
	if tr.count() != 2 {
		t.Fatalf("read past ttl: calls = %d, want 2", tr.count())
	}
}

func TestFetch_ExactTTLIsStale(t *testing.T) {
	tr := &stubTransport{}
	c, clk := newTestCache(tr)
	ctx := context.Background()
	_, _ = c.Fetch(ctx, "q", nil, Options{Bucket: BucketTrending})
	clk.advance(time.Second)
	_, _ = c.Fetch(ctx, "q", nil, Options{Bucket: BucketTrending})
	if tr.count() != 2 {
		t.Fatalf("calls = %d, want 2", tr.count())
	}
}

func TestFetch_PerCallTTL(t *testing.T) {
	tr := &stubTransport{}
	c, clk := newTestCache(tr)
	ctx := context.Background()
	_, _ = c.Fetch(ctx, "q", nil, Options{Bucket: BucketDetails, TTL: 10 * time.Second})
	clk.advance(5 * time.Second)
	_, _ = c.Fetch(ctx, "q", nil, Options{Bucket: BucketDetails, TTL: 10 * time.Second})
	if tr.count() != 1 {
		t.Fatalf("calls = %d, want 1", tr.count())
	}
}

func TestFetch_NoBucketOrBypass(t *testing.T) {
	tr := &stubTransport{}
	c, _ := newTestCache(tr)
	ctx := context.Background()

	_, _ = c.Fetch(ctx, "q", nil, Options{})
	_, _ = c.Fetch(ctx, "q", nil, Options{})
	_, _ = c.Fetch(ctx, "q", nil, Options{Bucket: "unknown"})
	if tr.count() != 3 {
		t.Fatalf("uncached calls = %d, want 3", tr.count())
	}

	_, _ = c.Fetch(ctx, "q", nil, Options{Bucket: BucketBatch})
	_, _ = c.Fetch(ctx, "q", nil, Options{Bucket: BucketBatch, BypassCache: true})
	if tr.count() != 5 {
		t.Fatalf("bypass should hit the network, calls = %d", tr.count())
	}
	// the bypassed fetch still refreshed the entry
	_, _ = c.Fetch(ctx, "q", nil, Options{Bucket: BucketBatch})
	if tr.count() != 5 {
		t.Fatalf("expected cached read after bypass, calls = %d", tr.count())
	}
}

func TestFetch_BucketsAreIndependent(t *testing.T) {
	tr := &stubTransport{}
	c, _ := newTestCache(tr)
	ctx := context.Background()
	_, _ = c.Fetch(ctx, "q", nil, Options{Bucket: BucketTrending})
	_, _ = c.Fetch(ctx, "q", nil, Options{Bucket: BucketSearch})
	if tr.count() != 2 {
		t.Fatalf("calls = %d, want 2", tr.count())
	}
}

func TestFetch_ErrorsAreNotCached(t *testing.T) {
	tr := &stubTransport{err: &apperr.RemoteError{Message: "Too Many Requests"}}
	c, _ := newTestCache(tr)
	ctx := context.Background()

	_, err := c.Fetch(ctx, "q", nil, Options{Bucket: BucketSearch})
	var re *apperr.RemoteError
	if !errors.As(err, &re) || re.Message != "Too Many Requests" {
		t.Fatalf("err = %v", err)
	}
	tr.err = nil
	if _, err := c.Fetch(ctx, "q", nil, Options{Bucket: BucketSearch}); err != nil {
		t.Fatal(err)
	}
	if tr.count() != 2 {
		t.Fatalf("calls = %d, want 2", tr.count())
	}
}

func TestInvalidate(t *testing.T) {
	tr := &stubTransport{}
	c, _ := newTestCache(tr)
	ctx := context.Background()

	for _, q := range []string{"a", "b", "c"} {
		_, _ = c.Fetch(ctx, q, nil, Options{Bucket: BucketTrending})
	}
	if n := c.Invalidate(ctx, "", nil); n != 0 {
		t.Fatalf("empty bucket should be a no-op, removed %d", n)
	}
	if n := c.Invalidate(ctx, BucketTrending, func(string, Entry) bool { return true }); n != 3 {
		t.Fatalf("removed %d, want 3", n)
	}
	for _, q := range []string{"a", "b", "c"} {
		_, _ = c.Fetch(ctx, q, nil, Options{Bucket: BucketTrending})
	}
	if tr.count() != 6 {
		t.Fatalf("every key should refetch after invalidation, calls = %d", tr.count())
	}
}

func TestInvalidate_Predicate(t *testing.T) {
	tr := &stubTransport{}
	c, _ := newTestCache(tr)
	ctx := context.Background()
	_, _ = c.Fetch(ctx, "keep", nil, Options{Bucket: BucketSearch})
	_, _ = c.Fetch(ctx, "drop", nil, Options{Bucket: BucketSearch})

	n := c.Invalidate(ctx, BucketSearch, func(k string, _ Entry) bool { return strings.Contains(k, "drop") })
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	_, _ = c.Fetch(ctx, "keep", nil, Options{Bucket: BucketSearch})
	if tr.count() != 2 {
		t.Fatalf("kept entry should still be cached, calls = %d", tr.count())
	}
}

func TestClear(t *testing.T) {
	tr := &stubTransport{}
	store := NewMemoryStore()
	c := New(tr, WithStore(store))
	ctx := context.Background()
	_, _ = c.Fetch(ctx, "q", nil, Options{Bucket: BucketTrending})
	_, _ = c.Fetch(ctx, "q", nil, Options{Bucket: BucketDetails})

	c.Clear(ctx, BucketTrending)
	if store.Len(BucketTrending) != 0 || store.Len(BucketDetails) != 1 {
		t.Fatalf("single-bucket clear: trending=%d details=%d", store.Len(BucketTrending), store.Len(BucketDetails))
	}
	c.Clear(ctx)
	if store.Len(BucketDetails) != 0 {
		t.Fatal("clear without buckets should empty everything")
	}
}

func TestApplyInvalidationMessage(t *testing.T) {
	tr := &stubTransport{}
	store := NewMemoryStore()
	c := New(tr, WithStore(store))
	ctx := context.Background()
	_, _ = c.Fetch(ctx, "a", nil, Options{Bucket: BucketSearch})
	_, _ = c.Fetch(ctx, "b", nil, Options{Bucket: BucketSearch})
	_, _ = c.Fetch(ctx, "c", nil, Options{Bucket: BucketDetails})

	key, _ := Key("a", nil)
	if n := c.Apply(ctx, InvalidationMessage{Bucket: BucketSearch, Key: key}); n != 1 {
		t.Fatalf("keyed invalidation removed %d", n)
	}
	if n := c.Apply(ctx, InvalidationMessage{Bucket: BucketSearch}); n != 1 {
		t.Fatalf("bucket invalidation removed %d", n)
	}
	c.Apply(ctx, InvalidationMessage{Bucket: "all"})
	if store.Len(BucketDetails) != 0 {
		t.Fatal("ALL should clear every bucket")
	}
}

func TestSubscribeInvalidation_NilConn(t *testing.T) {
	c := New(&stubTransport{})
	sub, err := c.SubscribeInvalidation(nil, "koma.cache.invalidate")
	if sub != nil || err != nil {
		t.Fatalf("nil conn: sub=%v err=%v", sub, err)
	}
}

type gateTransport struct {
	stubTransport
	release chan struct{}
}

func (g *gateTransport) Do(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	out, err := g.stubTransport.Do(ctx, query, vars)
	<-g.release
	return out, err
}

// Identical misses in flight at the same time are not coalesced.
func TestFetch_ConcurrentMissesEachCallTransport(t *testing.T) {
	tr := &gateTransport{release: make(chan struct{})}
	c, _ := newTestCache(tr)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Fetch(context.Background(), "q", nil, Options{Bucket: BucketTrending})
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for tr.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(tr.release)
	wg.Wait()
	if tr.count() != 2 {
		t.Fatalf("calls = %d, want 2", tr.count())
	}
}
