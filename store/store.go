// Package store implements the per-file cache state machine: the read path
// that serves hits locally and refills misses from an origin, the write path
// used to inject refilled data (and, in extend mode, to grow a store with no
// origin at all), and the eviction primitives the pool drives.
//
// Grounded on the overlaybd ICacheStore read/write/query algorithm
// (cache/store.cpp) and FileCacheStore's lifecycle (fs/cache/
// full_file_cache/cache_store.h), adapted onto media.Backend and
// origin.Opener instead of the original's IFile/ICachePool hierarchy.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/meigma/overlaycache/media"
	"github.com/meigma/overlaycache/origin"
	"github.com/meigma/overlaycache/rangelock"
	"github.com/meigma/overlaycache/tarframe"
)

// OpenFlags are the store-level open mode bits.
type OpenFlags uint32

const (
	// OpenCacheOnly serves only from the local file; a miss is an error
	// rather than triggering an origin fetch.
	OpenCacheOnly OpenFlags = 1 << iota
	// OpenWriteThrough routes writes through pwritev2_extend (append-only
	// growth, no page-alignment requirement beyond the offset).
	OpenWriteThrough
	// OpenWriteBack behaves like OpenWriteThrough; this cache never pushes
	// writes back to the origin, the distinction from OpenWriteThrough
	// exists only to mirror the origin flag set.
	OpenWriteBack
)

var (
	// ErrAlignment is returned when an offset or length violates the page
	// alignment a write mode requires.
	ErrAlignment = errors.New("store: offset/length not page aligned")
	// ErrCacheOnlyMiss is returned by a cache-only store on a miss.
	ErrCacheOnlyMiss = errors.New("store: cache-only read missed")
	// ErrClosed names a store whose reference count has already reached
	// zero. No Store method checks the reference count or returns it.
	ErrClosed = errors.New("store: store is released")
	// ErrNoOrigin is returned when a refill is needed but no origin opener
	// was configured for this store.
	ErrNoOrigin = errors.New("store: no origin configured")
)

// Hooks lets a Store coordinate refill-pressure accounting and background
// work with its owning pool, without store importing pool (which owns
// stores and would create an import cycle).
type Hooks interface {
	// InFlightRefills reports the pool-wide count of refills currently being
	// persisted asynchronously.
	InFlightRefills() int32
	// RefillThreshold is the in-flight count above which new reads bypass
	// the cache entirely (pressure bypass).
	RefillThreshold() int32
	// RefillCap is the in-flight count at or above which a refill is
	// persisted synchronously instead of being hademd to the background pool.
	RefillCap() int32
	// SubmitRefill runs fn on the pool's background refill worker pool. If
	// the pool has no spare capacity, fn may run inline.
	SubmitRefill(fn func())
}

// Option configures a Store.
type Option func(*Store)

// WithPageSize sets the refill alignment unit. Default 4096.
func WithPageSize(n int64) Option {
	return func(s *Store) { s.pageSize = n }
}

// WithOpenFlags sets the store's open-mode flags.
func WithOpenFlags(f OpenFlags) Option {
	return func(s *Store) { s.openFlags = f }
}

// WithLogger sets the structured logger. Discarded if unset.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithTarFrame enables tar-envelope offset translation: logical offsets seen
// by Read/Write are shifted by the detected header size before touching the
// media file.
func WithTarFrame() Option {
	return func(s *Store) { s.framed = true }
}

// WithHooks wires the pool coordination hooks.
func WithHooks(h Hooks) Option {
	return func(s *Store) { s.hooks = h }
}

const defaultPageSize = 4096

// Store is a single cached file's state machine. Identity is the relative
// path it was opened with; the zero value is not usable, construct with New.
type Store struct {
	path   string
	media  *media.Backend
	file   *media.File
	opener origin.Opener

	pageSize  int64
	openFlags OpenFlags
	framed    bool
	hooks     Hooks
	logger    *slog.Logger

	mu         sync.Mutex
	frame      tarframe.Frame
	actualSize int64
	cachedSize int64

	lock *rangelock.Lock

	openLock  sync.Mutex
	originSrc origin.Source

	refCount atomic.Int32
	onRelease func(path string)
}

// New constructs a Store over an already-open media file. actualSize is the
// origin's reported logical size if known (pass -1 to stat it lazily on
// first read), used for bounds checking.
func New(path string, backend *media.Backend, file *media.File, opener origin.Opener, actualSize int64, opts ...Option) (*Store, error) {
	s := &Store{
		path:      path,
		media:     backend,
		file:      file,
		opener:    opener,
		pageSize:  defaultPageSize,
		lock:      rangelock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.refCount.Store(1)

	if s.framed {
		size, err := file.Size()
		if err != nil {
			return nil, fmt.Errorf("store: %s: stat media file: %w", path, err)
		}
		fr, err := tarframe.Detect(fileReaderAt{file}, size)
		if err != nil {
			return nil, fmt.Errorf("store: %s: detect tar frame: %w", path, err)
		}
		s.frame = fr
		if fr.Kind != tarframe.KindSentinel && fr.Size >= 0 {
			s.cachedSize = size - fr.HeaderBytes
		}
	} else {
		size, err := file.Size()
		if err != nil {
			return nil, fmt.Errorf("store: %s: stat media file: %w", path, err)
		}
		s.cachedSize = size
	}

	s.actualSize = actualSize
	if actualSize < 0 {
		s.actualSize = s.cachedSize
	}
	return s, nil
}

// SetReleaseFunc registers a callback invoked exactly once, when the
// reference count drops to zero. The pool registers a callback that only
// logs; it does not remove the path from its map.
func (s *Store) SetReleaseFunc(fn func(path string)) {
	s.onRelease = fn
}

// Path returns the store's identity.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// SetPath updates the store's identity after the pool has relocated its
// backing file, so subsequent log lines and the release callback refer to
// the new path.
func (s *Store) SetPath(path string) {
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Acquire bumps the reference count. New leaves the count at 1, representing
// the pool's own map entry, not any particular caller's handle; the pool
// calls Acquire once per successful Open (the call that creates the store
// included), and matches it with one Release per close. The pool never
// releases the baseline 1: its eviction unlinks the store directly.
func (s *Store) Acquire() {
	s.refCount.Add(1)
}

// Release decrements the reference count. At zero, the store notifies its
// pool (via SetReleaseFunc) that it is no longer referenced by any open
// handle or in-flight async refill, and is safe to unlink.
func (s *Store) Release() {
	if s.refCount.Add(-1) == 0 {
		if s.onRelease != nil {
			s.onRelease(s.Path())
		}
	}
}

// RefCount reports the current reference count. Intended for the pool's
// eviction loop (a store with RefCount()>1, i.e. above the pool's own
// baseline reference, has open handles or an in-flight async refill and
// must not be unlinked).
func (s *Store) RefCount() int32 {
	return s.refCount.Load()
}

type fileReaderAt struct{ f *media.File }

func (r fileReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, off)
}

func (s *Store) physical(logical int64) int64 {
	if !s.framed {
		return logical
	}
	return s.frame.Physical(logical)
}

// ActualSize returns the origin's last-known logical size.
func (s *Store) ActualSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actualSize
}

// CachedSize returns the end of the locally tracked payload.
func (s *Store) CachedSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedSize
}

// SetActualSize updates the origin's reported logical size, e.g. after a
// fresh stat.
func (s *Store) SetActualSize(size int64) {
	s.mu.Lock()
	s.actualSize = size
	s.mu.Unlock()
}

// SetCachedSize adjusts the cached-size high-water mark, evicting the
// now-uncached tail page when shrinking. Mirrors set_cached_size exactly:
// growing snaps down to the page boundary (the partial tail page is not
// trusted as cached); shrinking evicts down to the new page boundary.
func (s *Store) SetCachedSize(ctx context.Context, cachedSize int64) error {
	s.mu.Lock()
	cur := s.cachedSize
	page := s.pageSize
	s.mu.Unlock()

	switch {
	case cur == 0:
		s.mu.Lock()
		s.cachedSize = cachedSize
		s.mu.Unlock()
		return nil
	case cachedSize > cur:
		last := cur / page * page
		if last != cur {
			if err := s.Evict(ctx, last, -1); err != nil {
				return err
			}
		}
		s.mu.Lock()
		s.cachedSize = last
		s.mu.Unlock()
		return nil
	case cachedSize < cur:
		last := cachedSize / page * page
		if err := s.Evict(ctx, last, -1); err != nil {
			return err
		}
		s.mu.Lock()
		s.cachedSize = last
		s.mu.Unlock()
		return nil
	default:
		return nil
	}
}

// Stat reports the store's current actual and cached size.
type Stat struct {
	ActualSize int64
	CachedSize int64
}

// Fstat returns the store's size accounting.
func (s *Store) Fstat() Stat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stat{ActualSize: s.actualSize, CachedSize: s.cachedSize}
}

// QueryRefillRange reports whether [offset, offset+length) is fully cached.
// On a full hit it returns length=0. On a miss it returns the page-aligned
// envelope of the missing region, merging adjacent holes the way the
// original's getFirstMergedExtents/getLastMergedExtents do -- simplified
// here to "the whole aligned request window" rather than hole-by-hole
// splicing, since a partial refill simply re-triggers a query on the next
// pass and converges to the same end state.
func (s *Store) QueryRefillRange(offset, length int64) (missingOffset, missingLength int64, err error) {
	if length == 0 {
		return -1, 0, nil
	}
	s.mu.Lock()
	page := s.pageSize
	s.mu.Unlock()

	alignedOff := offset / page * page
	alignedEnd := (offset + length + page - 1) / page * page

	extents, err := s.file.Extents(s.physical(alignedOff), alignedEnd-alignedOff)
	if err != nil {
		return 0, 0, fmt.Errorf("store: %s: query extents: %w", s.path, err)
	}

	covered := coversFully(extents, s.physical(alignedOff), s.physical(alignedEnd))
	if covered {
		return -1, 0, nil
	}
	return alignedOff, alignedEnd - alignedOff, nil
}

func coversFully(extents []media.Extent, start, end int64) bool {
	pos := start
	for _, e := range extents {
		if e.Offset > pos {
			return false
		}
		if e.Offset+e.Length > pos {
			pos = e.Offset + e.Length
		}
	}
	return pos >= end
}

// Read serves pread(offset, len(p)), refilling from origin on a miss.
// Grounded on ICacheStore::preadv2.
func (s *Store) Read(ctx context.Context, p []byte, offset int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if offset < 0 {
		return 0, fmt.Errorf("store: %s: %w: negative offset %d", s.path, ErrAlignment, offset)
	}

	p, err := s.clipToActualSize(ctx, p, offset)
	if err != nil || len(p) == 0 {
		return 0, err
	}
	length := int64(len(p))

	qoff, qlen, err := s.QueryRefillRange(offset, length)
	if err != nil {
		return 0, err
	}
	if qlen == 0 {
		return s.readLocal(p, offset)
	}

	if s.openFlags&OpenCacheOnly != 0 {
		return 0, fmt.Errorf("store: %s: %w", s.path, ErrCacheOnlyMiss)
	}

	src, err := s.openOrigin(ctx)
	if err != nil {
		return 0, err
	}

	if s.pressureBypass() {
		return s.readOrigin(src, p, offset)
	}

	h := s.lock.Lock(uint64(qoff), uint64(qlen))
	rng := h.Range()

	// The range may have been filled while we waited for the lock.
	_, stillMissing, err := s.QueryRefillRange(int64(rng.Offset), int64(rng.Length))
	if err != nil {
		s.lock.Unlock(h)
		return 0, err
	}
	if stillMissing == 0 {
		s.lock.Unlock(h)
		return s.readLocal(p, offset)
	}

	buf := make([]byte, rng.Length)
	n, rerr := src.ReadAt(buf, int64(rng.Offset))
	if rerr != nil && rerr != io.EOF {
		s.lock.Unlock(h)
		return 0, fmt.Errorf("store: %s: origin read: %w", s.path, rerr)
	}
	buf = buf[:n]

	copied := copyOverlap(p, offset, buf, int64(rng.Offset))

	if s.canAsyncPersist() {
		s.Acquire()
		bufCopy := buf
		// The pool's worker dispatcher is responsible for bumping and
		// dropping its in-flight-refill counter around running fn.
		s.hooks.SubmitRefill(func() {
			if _, werr := s.writeLocal(bufCopy, int64(rng.Offset)); werr != nil {
				s.log().Warn("async refill persist failed", "path", s.path, "err", werr)
			}
			s.lock.Unlock(h)
			s.Release()
		})
	} else {
		if _, werr := s.writeLocal(buf, int64(rng.Offset)); werr != nil {
			s.log().Warn("refill persist failed", "path", s.path, "err", werr)
		}
		s.lock.Unlock(h)
	}

	if int64(copied) < length {
		return s.readOrigin(src, p, offset)
	}
	return int(length), nil
}

// TryRefillRange prefetches [offset, offset+count) without serving a caller
// buffer.
func (s *Store) TryRefillRange(ctx context.Context, offset, count int64) (int64, error) {
	p := make([]byte, count)
	// the buffer is discarded; Read's copy step still runs but nobody reads p.
	n, err := s.Read(ctx, p, offset)
	return int64(n), err
}

func (s *Store) pressureBypass() bool {
	if s.hooks == nil {
		return false
	}
	return s.hooks.InFlightRefills() > s.hooks.RefillThreshold()
}

func (s *Store) canAsyncPersist() bool {
	if s.hooks == nil {
		return false
	}
	return s.hooks.InFlightRefills() < s.hooks.RefillCap()
}

func copyOverlap(dst []byte, dstOffset int64, src []byte, srcOffset int64) int {
	dstStart := max(dstOffset, srcOffset)
	dstEnd := min(dstOffset+int64(len(dst)), srcOffset+int64(len(src)))
	if dstEnd <= dstStart {
		return 0
	}
	n := copy(dst[dstStart-dstOffset:dstEnd-dstOffset], src[dstStart-srcOffset:dstEnd-srcOffset])
	return n
}

func (s *Store) readLocal(p []byte, offset int64) (int, error) {
	n, err := s.file.ReadAt(p, s.physical(offset))
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("store: %s: read local: %w", s.path, err)
	}
	return n, nil
}

func (s *Store) writeLocal(p []byte, offset int64) (int, error) {
	n, err := s.file.WriteAt(p, s.physical(offset))
	if err != nil {
		return n, fmt.Errorf("store: %s: write local: %w", s.path, err)
	}
	s.mu.Lock()
	if offset+int64(n) > s.cachedSize {
		s.cachedSize = offset + int64(n)
	}
	s.mu.Unlock()
	return n, nil
}

func (s *Store) readOrigin(src origin.Source, p []byte, offset int64) (int, error) {
	n, err := src.ReadAt(p, offset)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("store: %s: origin bypass read: %w", s.path, err)
	}
	return n, nil
}

func (s *Store) openOrigin(ctx context.Context) (origin.Source, error) {
	s.openLock.Lock()
	defer s.openLock.Unlock()
	if s.originSrc != nil {
		return s.originSrc, nil
	}
	if s.opener == nil {
		return nil, fmt.Errorf("store: %s: %w", s.path, ErrNoOrigin)
	}
	src, err := s.opener.Open(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("store: %s: open origin: %w", s.path, err)
	}
	s.originSrc = src
	return src, nil
}

// clipToActualSize bounds p to the currently known (or freshly restatted)
// actual size.
func (s *Store) clipToActualSize(ctx context.Context, p []byte, offset int64) ([]byte, error) {
	s.mu.Lock()
	actual := s.actualSize
	s.mu.Unlock()

	length := int64(len(p))
	if offset >= actual || offset+length > actual {
		if src, err := s.openOrigin(ctx); err == nil {
			if n := src.Size(); n != actual {
				s.SetActualSize(n)
				actual = n
			}
		}
	}
	if offset >= actual {
		return nil, nil
	}
	if offset+length > actual {
		length = actual - offset
	}
	return p[:length], nil
}

// Write serves pwrite(offset, p). In refill mode, offset and length must be
// page aligned except for a tail that reaches actual_size. In extend mode
// (WriteThrough/WriteBack), offset must be page aligned but length is free;
// an unaligned previous tail is evicted first. Grounded on
// ICacheStore::pwritev2 / pwritev2_extend.
func (s *Store) Write(ctx context.Context, p []byte, offset int64) (int, error) {
	if s.openFlags&(OpenWriteThrough|OpenWriteBack) != 0 {
		return s.writeExtend(ctx, p, offset)
	}

	s.mu.Lock()
	page := s.pageSize
	actual := s.actualSize
	s.mu.Unlock()

	length := int64(len(p))
	if offset >= actual {
		return 0, nil
	}
	if offset+length > actual {
		length = actual - offset
		p = p[:length]
	}
	tailTouchesEnd := offset+length == actual
	if offset%page != 0 || (length%page != 0 && !tailTouchesEnd) {
		return 0, fmt.Errorf("store: %s: %w: offset=%d length=%d page=%d", s.path, ErrAlignment, offset, length, page)
	}

	return s.writeLocal(p, offset)
}

func (s *Store) writeExtend(ctx context.Context, p []byte, offset int64) (int, error) {
	s.mu.Lock()
	page := s.pageSize
	cached := s.cachedSize
	s.mu.Unlock()

	if offset%page != 0 {
		return 0, fmt.Errorf("store: %s: %w: offset=%d page=%d", s.path, ErrAlignment, offset, page)
	}

	length := int64(len(p))

	// A write that extends past the previous tail page must not race a
	// concurrent read of that same page: take the range-lock over it before
	// evicting the stale unaligned tail, the same lock a read of it would
	// take in Read's refill path.
	last := cached / page * page
	tailUnaligned := last != cached && offset+length > cached
	var h *rangelock.Handle
	if tailUnaligned {
		h = s.lock.Lock(uint64(last), uint64(cached-last))
		defer s.lock.Unlock(h)
		if err := s.Evict(ctx, last, -1); err != nil {
			return 0, err
		}
		s.mu.Lock()
		s.cachedSize = last
		s.actualSize = last
		s.mu.Unlock()
	}

	n, err := s.writeLocal(p, offset)
	if err != nil {
		return n, err
	}
	s.mu.Lock()
	if int64(n) > 0 && offset+int64(n) > s.cachedSize {
		s.cachedSize = offset + int64(n)
		if s.actualSize < s.cachedSize {
			s.actualSize = s.cachedSize
		}
	}
	s.mu.Unlock()
	return n, nil
}

// Evict punches a hole over [offset, offset+count) (count<0 means "to end of
// cached size"), so the query algorithm later reports it as missing. The
// start is rounded down to a page boundary; with count>=0 the end is rounded
// down too, with count<0 it is rounded up so the partial tail page goes.
func (s *Store) Evict(ctx context.Context, offset, count int64) error {
	s.mu.Lock()
	page := s.pageSize
	cached := s.cachedSize
	s.mu.Unlock()

	alignedOff := offset / page * page
	end := cached
	if count >= 0 {
		end = offset + count
	}
	if end <= alignedOff {
		return nil
	}
	alignedEnd := end / page * page
	if count < 0 {
		// "To end" includes the partial last page.
		alignedEnd = (end + page - 1) / page * page
	}
	if alignedEnd <= alignedOff {
		return nil
	}

	if err := s.file.PunchHole(s.physical(alignedOff), alignedEnd-alignedOff); err != nil {
		return fmt.Errorf("store: %s: evict: %w", s.path, err)
	}
	return nil
}

// Unlink removes the store's backing file entirely, zeroing cached_size and
// actual_size.
func (s *Store) Unlink() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("store: %s: close before unlink: %w", s.path, err)
	}
	if err := s.media.Remove(s.path); err != nil {
		return err
	}
	s.mu.Lock()
	s.cachedSize = 0
	s.actualSize = 0
	s.mu.Unlock()
	return nil
}

// Close closes the underlying media file handle without removing it.
func (s *Store) Close() error {
	return s.file.Close()
}
