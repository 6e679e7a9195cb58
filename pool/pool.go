// Package pool implements the whole-file cache pool: it owns every open
// Store keyed by path, tracks aggregate disk usage against a capacity
// budget, evicts whole files least-recently-used first when usage crosses a
// high watermark, and arbitrates the in-flight-refill pressure that Store's
// read path consults before persisting a fetch synchronously or in the
// background.
//
// Grounded on FileCachePool (fs/cache/full_file_cache/cache_pool.h): a
// path-keyed store map, an LRU over open files, periodic watermark-driven
// eviction, and a refill-unit-denominated capacity accounting scheme.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/overlaycache/lru"
	"github.com/meigma/overlaycache/media"
	"github.com/meigma/overlaycache/origin"
	"github.com/meigma/overlaycache/store"
)

const (
	defaultRefillUnit        = 4096
	defaultPeriodicInterval  = 5 * time.Second
	defaultWaterMarkRatio    = 90 // matches FileCachePool::kWaterMarkRatio
	defaultLowWaterMarkRatio = 70
	defaultRefillThreshold   = 64
	defaultRefillCap         = 32
	defaultWorkerConcurrency = 16
)

// ErrInUse is returned by Evict or Rename when the named file currently has
// open handles and cannot be safely unlinked or renamed.
var ErrInUse = errors.New("pool: file is open, cannot evict")

// ErrNotFound is returned by Evict/Rename when the named file is not tracked.
var ErrNotFound = errors.New("pool: file not tracked")

// Stat reports aggregate capacity accounting, in bytes, for the pool or for
// a path prefix within it. Mirrors FileSystem::CacheStat's fields, widened
// from the original's refill_unit-denominated uint32 counts to byte counts.
type Stat struct {
	RefillUnit int64
	TotalBytes int64
	UsedBytes  int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithCapacityBytes sets the total space budget the pool evicts against.
func WithCapacityBytes(n int64) Option {
	return func(p *Pool) { p.capacityBytes = n }
}

// WithRefillUnit sets the alignment unit every opened Store uses (its page
// size). Default 4096.
func WithRefillUnit(n int64) Option {
	return func(p *Pool) { p.refillUnit = n }
}

// WithPeriodicInterval sets how often the background eviction pass runs.
func WithPeriodicInterval(d time.Duration) Option {
	return func(p *Pool) { p.periodicInterval = d }
}

// WithWaterMarkRatio sets the percentage of capacity that triggers eviction
// (the original's hard-coded 90%, adjustable here).
func WithWaterMarkRatio(pct uint32) Option {
	return func(p *Pool) { p.waterMarkRatio = pct }
}

// WithLowWaterMarkRatio sets the percentage eviction recycles down to.
func WithLowWaterMarkRatio(pct uint32) Option {
	return func(p *Pool) { p.lowWaterMarkRatio = pct }
}

// WithRefillThreshold sets the in-flight-refill count above which Store's
// read path bypasses the cache entirely under pressure.
func WithRefillThreshold(n int32) Option {
	return func(p *Pool) { p.refillThreshold = n }
}

// WithRefillCap sets the in-flight-refill count at or above which a refill
// persists synchronously instead of being handed to the worker pool.
func WithRefillCap(n int32) Option {
	return func(p *Pool) { p.refillCap = n }
}

// WithWorkerConcurrency bounds how many async refill persists may run at
// once.
func WithWorkerConcurrency(n int64) Option {
	return func(p *Pool) { p.workerConcurrency = n }
}

// WithFreeSpaceFloor sets the minimum bytes that must remain free on the
// media filesystem; the eviction pass treats breaching it the same as
// crossing the capacity high watermark. Default 0 (disabled).
func WithFreeSpaceFloor(n uint64) Option {
	return func(p *Pool) { p.freeSpaceFloor = n }
}

// WithLogger sets the structured logger. Discarded if unset.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithStoreOptions appends options applied to every Store the pool opens,
// after the pool's own page-size/flags/hooks wiring.
func WithStoreOptions(opts ...store.Option) Option {
	return func(p *Pool) { p.storeOpts = append(p.storeOpts, opts...) }
}

type entry struct {
	store  *store.Store
	lruKey lru.Key
}

// Pool is the path-keyed collection of cached files, with capacity
// accounting and LRU-driven eviction.
type Pool struct {
	media  *media.Backend
	opener origin.Opener

	capacityBytes     int64
	refillUnit        int64
	periodicInterval  time.Duration
	waterMarkRatio    uint32
	lowWaterMarkRatio uint32
	refillThreshold   int32
	refillCap         int32
	workerConcurrency int64
	freeSpaceFloor    uint64
	storeOpts         []store.Option
	logger            *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	ring    *lru.Ring[string]
	index   *iradix.Tree[*entry]

	inFlight atomic.Int32
	sem      *semaphore.Weighted
	group    singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Pool backed by mediaBackend, fetching misses through opener
// (nil for a cache-only pool).
func New(mediaBackend *media.Backend, opener origin.Opener, opts ...Option) *Pool {
	p := &Pool{
		media:             mediaBackend,
		opener:            opener,
		refillUnit:        defaultRefillUnit,
		periodicInterval:  defaultPeriodicInterval,
		waterMarkRatio:    defaultWaterMarkRatio,
		lowWaterMarkRatio: defaultLowWaterMarkRatio,
		refillThreshold:   defaultRefillThreshold,
		refillCap:         defaultRefillCap,
		workerConcurrency: defaultWorkerConcurrency,
		entries:           make(map[string]*entry),
		ring:              lru.New[string](),
		index:             iradix.New[*entry](),
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = semaphore.NewWeighted(p.workerConcurrency)

	p.wg.Add(1)
	go p.evictionLoop()
	return p
}

func (p *Pool) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Close stops the background eviction loop and waits for any in-flight
// async refill persists to finish.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	return nil
}

// Open returns the Store for path, creating and registering it on first
// open. Concurrent first-opens of the same path are coalesced via
// singleflight so only one Store is ever constructed per path.
func (p *Pool) Open(ctx context.Context, path string, flags store.OpenFlags) (*store.Store, error) {
	p.mu.Lock()
	if e, ok := p.entries[path]; ok {
		p.ring.Access(e.lruKey)
		s := e.store
		p.mu.Unlock()
		s.Acquire()
		return s, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(path, func() (any, error) {
		return p.createEntry(path, flags)
	})
	if err != nil {
		return nil, err
	}
	s := v.(*store.Store)

	p.mu.Lock()
	if e, ok := p.entries[path]; ok {
		p.ring.Access(e.lruKey)
	}
	p.mu.Unlock()
	s.Acquire()
	return s, nil
}

// createEntry constructs and registers a Store for path. Runs at most once
// concurrently per path (called only from inside a singleflight group).
// The returned Store's reference count starts at 1, representing this
// pool-map entry; Open's subsequent unconditional Acquire accounts for the
// caller's own handle on top of it.
func (p *Pool) createEntry(path string, flags store.OpenFlags) (*store.Store, error) {
	p.mu.Lock()
	if e, ok := p.entries[path]; ok {
		p.mu.Unlock()
		return e.store, nil
	}
	p.mu.Unlock()

	f, err := p.media.Open(path, true)
	if err != nil {
		return nil, fmt.Errorf("pool: open %s: %w", path, err)
	}

	opts := make([]store.Option, 0, len(p.storeOpts)+4)
	opts = append(opts, store.WithPageSize(p.refillUnit), store.WithOpenFlags(flags))
	opts = append(opts, p.storeOpts...)
	opts = append(opts, store.WithHooks(p))
	if p.logger != nil {
		opts = append(opts, store.WithLogger(p.logger))
	}

	s, err := store.New(path, p.media, f, p.opener, -1, opts...)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pool: construct store for %s: %w", path, err)
	}
	s.SetReleaseFunc(p.onStoreIdle)

	p.mu.Lock()
	defer p.mu.Unlock()
	key := p.ring.PushFront(path)
	e := &entry{store: s, lruKey: key}
	p.entries[path] = e
	p.index, _, _ = p.index.Insert([]byte(path), e)
	return s, nil
}

// onStoreIdle is registered as every Store's release callback and only logs.
// A pool-owned Store keeps the baseline reference that stands for its map
// entry (Evict and the eviction pass unlink it without releasing that
// reference), so its count reaches zero only if Release is called more
// often than Open. Eviction eligibility is decided from RefCount instead,
// and the entry is left in the pool's map and LRU until evicted.
func (p *Pool) onStoreIdle(path string) {
	p.log().Debug("store idle", "path", path)
}

// Release closes one handle on path, the counterpart to Open.
func (p *Pool) Release(path string) {
	p.mu.Lock()
	e, ok := p.entries[path]
	p.mu.Unlock()
	if !ok {
		return
	}
	e.store.Release()
}

// Stat reports capacity accounting across every tracked path under prefix
// ("" or "/" for the whole pool).
func (p *Pool) Stat(prefix string) Stat {
	p.mu.Lock()
	defer p.mu.Unlock()

	stat := Stat{RefillUnit: p.refillUnit}
	if prefix == "" || prefix == "/" {
		for _, e := range p.entries {
			stat.UsedBytes += e.store.Fstat().CachedSize
		}
		stat.TotalBytes = p.capacityBytes
		return stat
	}

	it := p.index.Root().Iterator()
	it.SeekPrefix([]byte(prefix))
	for {
		_, e, ok := it.Next()
		if !ok {
			break
		}
		stat.UsedBytes += e.store.Fstat().CachedSize
	}
	stat.TotalBytes = p.capacityBytes
	return stat
}

// Rename moves oldPath's backing file to newPath on the media filesystem and
// relocates the pool's map/LRU/index entry to the new key. Fails if newPath
// is already tracked, or if oldPath currently has open handles: the store's
// path becomes mutable for the duration of the rename, and nothing else may
// be reading it concurrently, the same requirement Evict already places on
// destructive path operations.
func (p *Pool) Rename(oldPath, newPath string) error {
	p.mu.Lock()
	e, ok := p.entries[oldPath]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool: rename %s: %w", oldPath, ErrNotFound)
	}
	if _, exists := p.entries[newPath]; exists {
		p.mu.Unlock()
		return fmt.Errorf("pool: rename %s to %s: %w", oldPath, newPath, os.ErrExist)
	}
	if e.store.RefCount() > 1 {
		p.mu.Unlock()
		return fmt.Errorf("pool: rename %s: %w", oldPath, ErrInUse)
	}
	p.mu.Unlock()

	if err := p.media.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("pool: rename %s to %s: %w", oldPath, newPath, err)
	}

	e.store.SetPath(newPath)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, oldPath)
	p.index, _, _ = p.index.Delete([]byte(oldPath))
	p.entries[newPath] = e
	p.index, _, _ = p.index.Insert([]byte(newPath), e)
	if v := p.ring.Value(e.lruKey); v != nil {
		*v = newPath
	}
	return nil
}

// Evict forcibly unlinks path, failing with ErrInUse if it currently has
// open handles (refcount above the pool's own baseline reference).
func (p *Pool) Evict(path string) error {
	p.mu.Lock()
	e, ok := p.entries[path]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool: evict %s: %w", path, ErrNotFound)
	}
	if e.store.RefCount() > 1 {
		p.mu.Unlock()
		return fmt.Errorf("pool: evict %s: %w", path, ErrInUse)
	}
	delete(p.entries, path)
	p.index, _, _ = p.index.Delete([]byte(path))
	p.ring.Remove(e.lruKey)
	p.mu.Unlock()

	if err := e.store.Unlink(); err != nil {
		return fmt.Errorf("pool: evict %s: %w", path, err)
	}
	return nil
}

// EvictBytes evicts least-recently-used, currently-unreferenced files until
// at least target bytes have been reclaimed or there is nothing left to
// evict. Returns the number of bytes actually reclaimed.
func (p *Pool) EvictBytes(target int64) int64 {
	return p.recycle(target)
}

func (p *Pool) recycle(target int64) int64 {
	var reclaimed int64
	p.mu.Lock()
	defer p.mu.Unlock()

	attempts := p.ring.Len()
	for reclaimed < target && attempts > 0 && !p.ring.Empty() {
		attempts--
		key := p.ring.BackKey()
		path := *p.ring.Value(key)
		e := p.entries[path]
		if e.store.RefCount() > 1 {
			// In use: cycle it to the front so the scan makes progress
			// toward other, evictable entries instead of spinning on it.
			p.ring.Access(key)
			continue
		}

		size := e.store.Fstat().CachedSize
		if err := e.store.Unlink(); err != nil {
			p.log().Warn("eviction unlink failed", "path", path, "err", err)
			p.ring.Access(key)
			continue
		}
		delete(p.entries, path)
		p.index, _, _ = p.index.Delete([]byte(path))
		p.ring.Remove(key)
		reclaimed += size
	}
	return reclaimed
}

func (p *Pool) usedBytesLocked() int64 {
	var used int64
	for _, e := range p.entries {
		used += e.store.Fstat().CachedSize
	}
	return used
}

func (p *Pool) evictionLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.periodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runEvictionPass()
		}
	}
}

func (p *Pool) runEvictionPass() {
	p.mu.Lock()
	used := p.usedBytesLocked()
	p.mu.Unlock()

	spacePressure := false
	if p.freeSpaceFloor > 0 {
		if free, err := p.media.FreeBytes(); err == nil && free < p.freeSpaceFloor {
			spacePressure = true
		}
	}

	if p.capacityBytes <= 0 && !spacePressure {
		return
	}

	high := int64(0)
	if p.capacityBytes > 0 {
		high = p.capacityBytes * int64(p.waterMarkRatio) / 100
	}
	if used <= high && !spacePressure {
		return
	}

	low := used / 2
	if p.capacityBytes > 0 {
		low = p.capacityBytes * int64(p.lowWaterMarkRatio) / 100
	}
	target := used - low
	if target <= 0 {
		target = used
	}
	reclaimed := p.recycle(target)
	if reclaimed < target {
		p.log().Warn("eviction pass could not recover enough space", "used_before", used, "reclaimed", reclaimed, "target", target)
	} else {
		p.log().Info("eviction pass", "used_before", used, "reclaimed", reclaimed, "high_mark", high, "low_mark", low, "space_pressure", spacePressure)
	}
}

// Hooks implementation, consulted by every Store this pool opens.

// InFlightRefills reports the pool-wide count of refills currently being
// persisted asynchronously.
func (p *Pool) InFlightRefills() int32 { return p.inFlight.Load() }

// RefillThreshold is the in-flight count above which reads bypass the cache.
func (p *Pool) RefillThreshold() int32 { return p.refillThreshold }

// RefillCap is the in-flight count at or above which a refill persists
// synchronously instead of being handed to the worker pool.
func (p *Pool) RefillCap() int32 { return p.refillCap }

// SubmitRefill runs fn on the pool's bounded background worker pool,
// tracked by the in-flight counter Store's read path consults. If the
// worker pool's semaphore cannot be acquired immediately, fn runs inline
// rather than blocking the caller indefinitely.
func (p *Pool) SubmitRefill(fn func()) {
	if !p.sem.TryAcquire(1) {
		fn()
		return
	}

	p.inFlight.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.inFlight.Add(-1)
		fn()
	}()
}
