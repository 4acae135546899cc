package storyclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fetchSpy struct {
	mu    sync.Mutex
	calls int32
	jobs  []Job
	err   error
	gate  chan struct{} // when non-nil, fetch blocks until closed
}

func (f *fetchSpy) fetch(ctx context.Context, ownerKey string) ([]Job, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.jobs, nil
}

func (f *fetchSpy) count() int { return int(atomic.LoadInt32(&f.calls)) }

func (f *fetchSpy) set(jobs []Job, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = jobs
	f.err = err
}

type watchSpy struct {
	mu       sync.Mutex
	starts   int
	stops    int
	onChange func()
	started  chan struct{}
}

func newWatchSpy() *watchSpy {
	return &watchSpy{started: make(chan struct{}, 8)}
}

func (w *watchSpy) watch(ctx context.Context, ownerKey string, onChange func()) error {
	w.mu.Lock()
	w.starts++
	w.onChange = onChange
	w.mu.Unlock()
	w.started <- struct{}{}
	<-ctx.Done()
	w.mu.Lock()
	w.stops++
	w.mu.Unlock()
	return ctx.Err()
}

func (w *watchSpy) counts() (starts, stops int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts, w.stops
}

func (w *watchSpy) fire() {
	w.mu.Lock()
	onChange := w.onChange
	w.mu.Unlock()
	if onChange != nil {
		onChange()
	}
}

func testCache(fetch Fetcher, watch Watcher, ttl, debounce time.Duration) *Collections {
	return NewCollections(CacheOptions{
		Fetch:    fetch,
		Watch:    watch,
		TTL:      ttl,
		Debounce: debounce,
		Logger:   zerolog.New(io.Discard),
	})
}

func waitStops(t *testing.T, w *watchSpy, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, stops := w.counts(); stops == want {
			return
		}
		if time.Now().After(deadline) {
			_, stops := w.counts()
			t.Fatalf("stops = %d, want %d", stops, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObserveSharesOneInflightFetch(t *testing.T) {
	spy := &fetchSpy{jobs: []Job{{ID: "j1"}}, gate: make(chan struct{})}
	cache := testCache(spy.fetch, nil, 0, 0)

	const observers = 5
	var wg sync.WaitGroup
	subs := make([]*Subscription, observers)
	errs := make([]error, observers)
	for i := 0; i < observers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i], errs[i] = cache.Observe(context.Background(), "kid-1")
		}(i)
	}
	time.Sleep(50 * time.Millisecond) // let every Observe reach the fetch
	close(spy.gate)
	wg.Wait()

	require.Equal(t, 1, spy.count())
	for i := 0; i < observers; i++ {
		require.NoError(t, errs[i])
		select {
		case jobs := <-subs[i].Updates():
			require.Len(t, jobs, 1)
		case <-time.After(time.Second):
			t.Fatalf("observer %d got no snapshot", i)
		}
		subs[i].Release()
	}
	require.Zero(t, cache.Refs("kid-1"))
}

func TestObserveFirstFetchErrorPropagates(t *testing.T) {
	spy := &fetchSpy{err: errors.New("upstream down")}
	cache := testCache(spy.fetch, nil, 0, 0)

	_, err := cache.Observe(context.Background(), "kid-1")
	require.Error(t, err)
	require.Zero(t, cache.Refs("kid-1"))
}

func TestRefreshErrorKeepsLastGoodSnapshot(t *testing.T) {
	spy := &fetchSpy{jobs: []Job{{ID: "j1"}}}
	cache := testCache(spy.fetch, nil, 0, 0)

	sub, err := cache.Observe(context.Background(), "kid-1")
	require.NoError(t, err)
	defer sub.Release()
	<-sub.Updates()

	spy.set(nil, errors.New("upstream down"))
	cache.Refresh("kid-1")

	// The failed refresh must not emit or drop the cached value.
	select {
	case jobs := <-sub.Updates():
		t.Fatalf("unexpected emission: %v", jobs)
	case <-time.After(100 * time.Millisecond):
	}

	sub2, err := cache.Observe(context.Background(), "kid-1")
	require.NoError(t, err)
	defer sub2.Release()
	jobs := <-sub2.Updates()
	require.Equal(t, "j1", jobs[0].ID)
}

func TestReleaseTearsDownUpstreamAtZeroRefs(t *testing.T) {
	spy := &fetchSpy{jobs: []Job{{ID: "j1"}}}
	watch := newWatchSpy()
	cache := testCache(spy.fetch, watch.watch, 0, 0)

	first, err := cache.Observe(context.Background(), "kid-1")
	require.NoError(t, err)
	second, err := cache.Observe(context.Background(), "kid-1")
	require.NoError(t, err)
	<-watch.started

	starts, stops := watch.counts()
	require.Equal(t, 1, starts, "one upstream subscription per key")
	require.Zero(t, stops)
	require.Equal(t, 2, cache.Refs("kid-1"))

	first.Release()
	_, stops = watch.counts()
	require.Zero(t, stops, "subscription survives while a ref remains")
	require.Equal(t, 1, cache.Refs("kid-1"))

	second.Release()
	waitStops(t, watch, 1)
	require.Zero(t, cache.Refs("kid-1"))
}

func TestChangeBurstCoalescesIntoOneRefetch(t *testing.T) {
	spy := &fetchSpy{jobs: []Job{{ID: "j1"}}}
	watch := newWatchSpy()
	cache := testCache(spy.fetch, watch.watch, 0, 30*time.Millisecond)

	sub, err := cache.Observe(context.Background(), "kid-1")
	require.NoError(t, err)
	defer sub.Release()
	<-watch.started
	require.Equal(t, 1, spy.count())

	for i := 0; i < 5; i++ {
		watch.fire()
	}
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 2, spy.count(), "burst must trigger exactly one refetch")
}

func TestReleaseCancelsPendingDebouncedRefetch(t *testing.T) {
	spy := &fetchSpy{jobs: []Job{{ID: "j1"}}}
	watch := newWatchSpy()
	cache := testCache(spy.fetch, watch.watch, 0, 30*time.Millisecond)

	sub, err := cache.Observe(context.Background(), "kid-1")
	require.NoError(t, err)
	<-watch.started
	require.Equal(t, 1, spy.count())

	// A change lands, then the last observer leaves before the debounce
	// window closes. The pending refetch must not reach upstream.
	watch.fire()
	sub.Release()
	require.Zero(t, cache.Refs("kid-1"))

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, spy.count(), "released key must not refetch")
}

func TestStaleSnapshotServedThenRevalidated(t *testing.T) {
	spy := &fetchSpy{jobs: []Job{{ID: "old"}}}
	cache := testCache(spy.fetch, nil, 20*time.Millisecond, 0)

	sub, err := cache.Observe(context.Background(), "kid-1")
	require.NoError(t, err)
	defer sub.Release()
	<-sub.Updates()

	time.Sleep(50 * time.Millisecond) // let the snapshot go stale
	spy.set([]Job{{ID: "new"}}, nil)

	sub2, err := cache.Observe(context.Background(), "kid-1")
	require.NoError(t, err)
	defer sub2.Release()

	// Stale value arrives immediately, the revalidated one follows.
	jobs := <-sub2.Updates()
	require.Equal(t, "old", jobs[0].ID)
	select {
	case jobs = <-sub2.Updates():
		require.Equal(t, "new", jobs[0].ID)
	case <-time.After(time.Second):
		t.Fatal("revalidation never emitted")
	}
}

func TestRefreshAfterLocalMutationEmits(t *testing.T) {
	spy := &fetchSpy{jobs: []Job{{ID: "j1", IsFavorite: false}}}
	cache := testCache(spy.fetch, nil, 0, 0)

	sub, err := cache.Observe(context.Background(), "kid-1")
	require.NoError(t, err)
	defer sub.Release()
	<-sub.Updates()

	spy.set([]Job{{ID: "j1", IsFavorite: true}}, nil)
	cache.Refresh("kid-1")

	select {
	case jobs := <-sub.Updates():
		require.True(t, jobs[0].IsFavorite)
	case <-time.After(time.Second):
		t.Fatal("no emission after local mutation")
	}
}
