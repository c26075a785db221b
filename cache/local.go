package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LocalEntry is a Local Store record. LogicalKey and Namespace are retained
// so pattern invalidation can match on the original key rather than on the
// fingerprint.
type LocalEntry struct {
	Key        CacheKey
	LogicalKey string
	Namespace  string
	Value      any
	StoredAt   time.Time
	// TTL is the absolute lifetime declared by the writer. The sliding
	// lifetime never extends an entry past StoredAt+TTL. Zero means sliding
	// expiration only.
	TTL time.Duration
}

type localItem struct {
	entry   LocalEntry
	expires time.Time
	element *list.Element
}

func (i *localItem) expired(now time.Time) bool {
	if !now.Before(i.expires) {
		return true
	}
	if i.entry.TTL > 0 && !now.Before(i.entry.StoredAt.Add(i.entry.TTL)) {
		return true
	}
	return false
}

// LocalStats reports Local Store occupancy and churn.
type LocalStats struct {
	Entries     int    `json:"entries"`
	Capacity    int    `json:"capacity"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

// LocalStore is the bounded in-process tier. It evicts the least recently
// used entry when full and expires entries that have not been read for the
// configured sliding TTL. It is safe for concurrent use.
type LocalStore struct {
	ctx         context.Context
	cancel      context.CancelFunc
	items       map[CacheKey]*localItem
	order       *list.List // front is most recently used
	mutex       sync.Mutex
	waitGroup   sync.WaitGroup
	once        sync.Once
	cfg         config
	evictions   uint64
	expirations uint64
}

// NewLocalStore returns a LocalStore sized by WithLocalCapacity and expiring
// by WithLocalTTL. It panics if the capacity or TTL is not positive. A
// background goroutine purges expired entries every WithSweepInterval until
// Close is called or parent is cancelled.
func NewLocalStore(parent context.Context, opts ...Option) *LocalStore {
	cfg := applyOptions(opts)
	if cfg.localCapacity <= 0 {
		panic("cache: local store capacity must be positive")
	}
	if cfg.localTTL <= 0 {
		panic("cache: local store ttl must be positive")
	}
	ctx, cancel := context.WithCancel(parent)
	s := &LocalStore{
		ctx:    ctx,
		cancel: cancel,
		items:  make(map[CacheKey]*localItem),
		order:  list.New(),
		cfg:    cfg,
	}
	if cfg.sweepInterval > 0 {
		s.waitGroup.Add(1)
		go s.run()
	}
	return s
}

// Get returns the value stored under key and resets its sliding lifetime.
func (s *LocalStore) Get(key CacheKey) (any, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	item, ok := s.touch(key)
	if !ok {
		return nil, false
	}
	return item.entry.Value, true
}

// Has reports whether key is present. Like Get, it counts as an access.
func (s *LocalStore) Has(key CacheKey) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.touch(key)
	return ok
}

// touch must be called with the mutex held.
func (s *LocalStore) touch(key CacheKey) (*localItem, bool) {
	item, ok := s.items[key]
	if !ok {
		return nil, false
	}
	now := s.cfg.now()
	if item.expired(now) {
		s.remove(item)
		s.expirations++
		return nil, false
	}
	item.expires = now.Add(s.cfg.localTTL)
	s.order.MoveToFront(item.element)
	return item, true
}

// Set stores entry, replacing any existing entry under the same key, and
// evicts the least recently used entry if the store is over capacity.
func (s *LocalStore) Set(entry LocalEntry) {
	now := s.cfg.now()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = now
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if item, ok := s.items[entry.Key]; ok {
		item.entry = entry
		item.expires = now.Add(s.cfg.localTTL)
		s.order.MoveToFront(item.element)
		return
	}
	item := &localItem{entry: entry, expires: now.Add(s.cfg.localTTL)}
	item.element = s.order.PushFront(item)
	s.items[entry.Key] = item
	for s.order.Len() > s.cfg.localCapacity {
		oldest := s.order.Back().Value.(*localItem)
		s.remove(oldest)
		s.evictions++
	}
}

// Delete removes key and reports whether it was present.
func (s *LocalStore) Delete(key CacheKey) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	item, ok := s.items[key]
	if !ok {
		return false
	}
	s.remove(item)
	return true
}

// Entries returns a snapshot of the live entries, most recently used first.
// Taking the snapshot does not refresh any lifetimes.
func (s *LocalStore) Entries() []LocalEntry {
	now := s.cfg.now()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entries := make([]LocalEntry, 0, len(s.items))
	for e := s.order.Front(); e != nil; e = e.Next() {
		item := e.Value.(*localItem)
		if !item.expired(now) {
			entries = append(entries, item.entry)
		}
	}
	return entries
}

// Len returns the number of live entries.
func (s *LocalStore) Len() int {
	now := s.cfg.now()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var n int
	for _, item := range s.items {
		if !item.expired(now) {
			n++
		}
	}
	return n
}

// Clear removes every entry.
func (s *LocalStore) Clear() {
	s.mutex.Lock()
	s.items = make(map[CacheKey]*localItem)
	s.order.Init()
	s.mutex.Unlock()
}

// Stats returns occupancy and the eviction and expiration counts.
func (s *LocalStore) Stats() LocalStats {
	n := s.Len()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return LocalStats{
		Entries:     n,
		Capacity:    s.cfg.localCapacity,
		Evictions:   s.evictions,
		Expirations: s.expirations,
	}
}

// Close stops the sweeper and clears the store. It is safe to call more
// than once.
func (s *LocalStore) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		s.Clear()
	})
	return nil
}

func (s *LocalStore) remove(item *localItem) {
	s.order.Remove(item.element)
	delete(s.items, item.entry.Key)
}

func (s *LocalStore) sweep() {
	now := s.cfg.now()
	s.mutex.Lock()
	for _, item := range s.items {
		if item.expired(now) {
			s.remove(item)
			s.expirations++
		}
	}
	s.mutex.Unlock()
}

func (s *LocalStore) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}
