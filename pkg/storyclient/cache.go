package storyclient

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL      = 5 * time.Minute
	defaultDebounce = 2 * time.Second
)

// Fetcher loads the full collection snapshot for an owner key.
type Fetcher func(ctx context.Context, ownerKey string) ([]Job, error)

// Watcher consumes an upstream change feed for an owner key, calling
// onChange for every change event until ctx is cancelled. Client's
// WatchCollection satisfies this.
type Watcher func(ctx context.Context, ownerKey string, onChange func()) error

// Collections multiplexes "all jobs for owner key X" to any number of
// observers with at most one upstream subscription per key. Snapshots are
// cached with a stale-while-revalidate TTL, upstream change bursts are
// debounced into a single refetch, and the per-key state is torn down when
// the last observer releases.
type Collections struct {
	fetch    Fetcher
	watch    Watcher
	ttl      time.Duration
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	flight  singleflight.Group
}

type cacheEntry struct {
	refs      int
	hasValue  bool
	snapshot  []Job
	fetchedAt time.Time

	subs        map[*Subscription]struct{}
	debounce    *time.Timer
	cancelWatch context.CancelFunc
}

// Subscription is one observer's handle on a collection. Updates conflate:
// a slow reader sees the latest snapshot, not every intermediate one.
type Subscription struct {
	ownerKey string
	cache    *Collections
	updates  chan []Job
}

// OwnerKey returns the key this subscription observes.
func (s *Subscription) OwnerKey() string { return s.ownerKey }

// Updates delivers collection snapshots, newest state only.
func (s *Subscription) Updates() <-chan []Job { return s.updates }

// Release drops the subscription. When it was the key's last observer the
// upstream watch and cache entry are torn down.
func (s *Subscription) Release() { s.cache.release(s) }

// push conflates: replace a pending snapshot rather than blocking.
func (s *Subscription) push(jobs []Job) {
	for {
		select {
		case s.updates <- jobs:
			return
		default:
			select {
			case <-s.updates:
			default:
			}
		}
	}
}

// CacheOptions configures a Collections cache.
type CacheOptions struct {
	Fetch    Fetcher
	Watch    Watcher
	TTL      time.Duration
	Debounce time.Duration
	Logger   zerolog.Logger
}

// NewCollections builds the cache. TTL defaults to 5 minutes, the debounce
// window to 2 seconds.
func NewCollections(opts CacheOptions) *Collections {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Collections{
		fetch:    opts.Fetch,
		watch:    opts.Watch,
		ttl:      ttl,
		debounce: debounce,
		logger:   opts.Logger,
		entries:  map[string]*cacheEntry{},
	}
}

// Observe subscribes to the owner key's collection. A fresh cached
// snapshot is delivered immediately; a stale one is delivered immediately
// and revalidated in the background. Only when nothing is cached does the
// observer wait on the fetch, and only that first fetch's error propagates.
func (c *Collections) Observe(ctx context.Context, ownerKey string) (*Subscription, error) {
	sub := &Subscription{ownerKey: ownerKey, cache: c, updates: make(chan []Job, 1)}

	c.mu.Lock()
	entry, ok := c.entries[ownerKey]
	if !ok {
		entry = &cacheEntry{subs: map[*Subscription]struct{}{}}
		c.entries[ownerKey] = entry
		c.startWatch(ownerKey, entry)
	}
	entry.refs++
	entry.subs[sub] = struct{}{}
	cached := entry.hasValue
	snapshot := entry.snapshot
	stale := cached && time.Since(entry.fetchedAt) > c.ttl
	c.mu.Unlock()

	if cached {
		sub.push(snapshot)
		if stale {
			go c.refreshNow(ownerKey)
		}
		return sub, nil
	}

	jobs, err := c.fetchShared(ctx, ownerKey)
	if err != nil {
		c.release(sub)
		return nil, err
	}
	sub.push(jobs)
	return sub, nil
}

// Refresh refetches and emits immediately, skipping the debounce window.
// Used after local mutations such as a favorite toggle. Errors keep the
// last good snapshot.
func (c *Collections) Refresh(ownerKey string) {
	c.refreshNow(ownerKey)
}

// startWatch begins the single upstream subscription for a key. Caller
// holds the lock.
func (c *Collections) startWatch(ownerKey string, entry *cacheEntry) {
	watchCtx, cancel := context.WithCancel(context.Background())
	entry.cancelWatch = cancel
	if c.watch == nil {
		return
	}
	go func() {
		err := c.watch(watchCtx, ownerKey, func() { c.scheduleRefresh(ownerKey) })
		if err != nil && watchCtx.Err() == nil {
			c.logger.Warn().Err(err).Str("owner_key", ownerKey).Msg("collection watch ended")
		}
	}()
}

// scheduleRefresh coalesces change notifications: a burst within the
// debounce window produces one refetch.
func (c *Collections) scheduleRefresh(ownerKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[ownerKey]
	if !ok {
		return
	}
	if entry.debounce != nil {
		entry.debounce.Stop()
	}
	entry.debounce = time.AfterFunc(c.debounce, func() { c.refreshNow(ownerKey) })
}

func (c *Collections) refreshNow(ownerKey string) {
	// Stop() cannot unschedule an AfterFunc that already fired, so a
	// debounced refresh may land here after the last Release. Fetch only
	// while the entry is still alive.
	c.mu.Lock()
	_, ok := c.entries[ownerKey]
	c.mu.Unlock()
	if !ok {
		return
	}
	if _, err := c.fetchShared(context.Background(), ownerKey); err != nil {
		// Keep serving the last good snapshot.
		c.logger.Warn().Err(err).Str("owner_key", ownerKey).Msg("collection refresh failed")
	}
}

// fetchShared performs the upstream fetch with single-flight semantics and
// broadcasts the result to all subscribers of the key.
func (c *Collections) fetchShared(ctx context.Context, ownerKey string) ([]Job, error) {
	v, err, _ := c.flight.Do(ownerKey, func() (any, error) {
		jobs, err := c.fetch(ctx, ownerKey)
		if err != nil {
			return nil, err
		}
		c.store(ownerKey, jobs)
		return jobs, nil
	})
	if err != nil {
		return nil, err
	}
	jobs, _ := v.([]Job)
	return jobs, nil
}

func (c *Collections) store(ownerKey string, jobs []Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[ownerKey]
	if !ok {
		return
	}
	entry.snapshot = jobs
	entry.hasValue = true
	entry.fetchedAt = time.Now()
	for sub := range entry.subs {
		sub.push(jobs)
	}
}

func (c *Collections) release(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sub.ownerKey]
	if !ok {
		return
	}
	if _, member := entry.subs[sub]; !member {
		return
	}
	delete(entry.subs, sub)
	entry.refs--
	if entry.refs > 0 {
		return
	}
	if entry.debounce != nil {
		entry.debounce.Stop()
	}
	if entry.cancelWatch != nil {
		entry.cancelWatch()
	}
	delete(c.entries, sub.ownerKey)
}

// Refs reports the current observer count for a key.
func (c *Collections) Refs(ownerKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[ownerKey]
	if !ok {
		return 0
	}
	return entry.refs
}
