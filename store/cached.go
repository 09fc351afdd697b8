package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// dirtyEntry tracks an unflushed write for a single document.
type dirtyEntry struct {
	userID string
	gen    uint64 // bumped on every write; guards against clearing a newer write
}

// CachedStore wraps a backing ContentStore with an in-memory cache. Reads and
// writes are served from the cache; dirty documents flush to the backing
// store in the background, so a slow backend never sits on the session's
// critical path. The wrapper owns the backing store and closes it on Close.
type CachedStore struct {
	log     *slog.Logger
	cache   *MemoryStore
	backing ContentStore

	mu    sync.Mutex
	dirty map[string]*dirtyEntry

	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// dirty documents to the backing store every flushInterval.
func NewCachedStore(log *slog.Logger, backing ContentStore, flushInterval time.Duration) *CachedStore {
	if log == nil {
		log = slog.Default()
	}
	cs := &CachedStore{
		log:           log,
		cache:         NewMemoryStore(),
		backing:       backing,
		dirty:         make(map[string]*dirtyEntry),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Load(ctx context.Context, path string) (*DocumentInfo, error) {
	info, err := cs.cache.Load(ctx, path)
	if err == nil {
		return info, nil
	}
	// Cache miss; seed from the backing store preserving its timestamps.
	info, err = cs.backing.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	cs.cache.mu.Lock()
	if _, ok := cs.cache.docs[path]; !ok {
		cp := *info
		cs.cache.docs[path] = &cp
	}
	cs.cache.mu.Unlock()
	return cs.cache.Load(ctx, path)
}

func (cs *CachedStore) Persist(ctx context.Context, path, content, userID string) error {
	if err := cs.cache.Persist(ctx, path, content, userID); err != nil {
		return err
	}
	cs.mu.Lock()
	e := cs.dirty[path]
	if e == nil {
		e = &dirtyEntry{}
		cs.dirty[path] = e
	}
	e.userID = userID
	e.gen++
	cs.mu.Unlock()
	return nil
}

// List reads from the backing store; writes still sitting in the cache show
// up after the next flush.
func (cs *CachedStore) List(ctx context.Context) ([]DocumentInfo, error) {
	return cs.backing.List(ctx)
}

func (cs *CachedStore) Ping(ctx context.Context) error {
	return cs.backing.Ping(ctx)
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty documents to the backing store. Documents whose
// write fails stay dirty and are retried next cycle.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	batch := make(map[string]dirtyEntry, len(cs.dirty))
	for path, e := range cs.dirty {
		batch[path] = *e
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for path, e := range batch {
		info, err := cs.cache.Load(ctx, path)
		if err != nil {
			continue
		}
		if err := cs.persistBacking(ctx, path, info.Content, e.userID); err != nil {
			cs.log.Error("store.flush.fail", "document", path, "err", err)
			continue
		}
		cs.mu.Lock()
		// Clear only if no newer write landed while we were flushing.
		if cur, ok := cs.dirty[path]; ok && cur.gen == e.gen {
			delete(cs.dirty, path)
		}
		cs.mu.Unlock()
	}
}

func (cs *CachedStore) persistBacking(ctx context.Context, path, content, userID string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 3 * time.Second
	op := func() error {
		return cs.backing.Persist(ctx, path, content, userID)
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// Close performs a final flush, waits for it, and closes the backing store.
func (cs *CachedStore) Close() error {
	close(cs.stop)
	<-cs.done
	return cs.backing.Close()
}
