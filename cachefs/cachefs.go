// Package cachefs is the client-facing facade: it routes filesystem calls to
// the file cache pool for cacheable paths and forwards everything the pool
// does not own (stat, access, readlink, directory listing, extended
// attributes) to the origin filesystem. Unlink evicts from the pool and is
// then forwarded to origin; rename goes to the pool only. It also carries
// the errno-style error taxonomy
// that every other package's richer Go errors get classified into at this
// boundary.
//
// Grounded on overlaybd's fs/cache/frontend/cached_fs.cpp: a thin routing
// layer with no caching logic of its own, plus cached_file.cpp's per-handle
// pread/pwrite/refill/evict/query/fallocate/fadvise surface.
package cachefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/meigma/overlaycache/pool"
	"github.com/meigma/overlaycache/store"
)

// FadviseHint selects the advisory behaviour of File.Fadvise.
type FadviseHint int

const (
	// FadviseWillNeed requests eager prefetch of the advised range.
	FadviseWillNeed FadviseHint = iota
)

// FallocateMode selects the behaviour of File.Fallocate.
type FallocateMode int

const (
	// FallocateReserve is a no-op placeholder for call-in surface parity;
	// the store has no separate preallocation path, only refill-via-write.
	FallocateReserve FallocateMode = iota
	// FallocatePunchHole explicitly evicts (holes) the range, equivalent to
	// Evict.
	FallocatePunchHole
)

// DirEntry is a minimal directory entry as reported by an origin's ReadDir,
// independent of any particular origin transport's own type.
type DirEntry struct {
	Name  string
	IsDir bool
}

// OriginFS is the narrow surface of origin operations the facade forwards
// verbatim instead of routing through the pool: metadata and namespace
// operations the cache store has no opinion about. Distinct from
// origin.Opener (which only opens a byte-range-readable blob for refill);
// an OriginFS implementation typically wraps the same remote collaborator
// but exposes its directory/metadata side too.
type OriginFS interface {
	Stat(ctx context.Context, path string) (fs.FileInfo, error)
	Access(ctx context.Context, path string, mode int) error
	ReadDir(ctx context.Context, path string) ([]DirEntry, error)
	Readlink(ctx context.Context, path string) (string, error)
	Unlink(ctx context.Context, path string) error
}

// XattrFS is an optional extension of OriginFS for extended attributes.
// Implementations that don't support xattrs simply don't implement it; the
// facade reports ENOSYS in that case.
type XattrFS interface {
	Getxattr(ctx context.Context, path, name string) ([]byte, error)
	Listxattr(ctx context.Context, path string) ([]string, error)
}

// Option configures an FS.
type Option func(*FS)

// WithOriginFS sets the collaborator namespace/metadata operations forward
// to. Without one, every forwarded operation returns ENOSYS.
func WithOriginFS(o OriginFS) Option {
	return func(f *FS) { f.origin = o }
}

// WithLogger sets the structured logger. Discarded if unset.
func WithLogger(logger *slog.Logger) Option {
	return func(f *FS) { f.logger = logger }
}

// FS is the cached filesystem facade: the single entry point client code
// calls into, wired to a pool for cacheable paths and an OriginFS for
// everything else.
type FS struct {
	pool   *pool.Pool
	origin OriginFS
	logger *slog.Logger
}

// New creates a facade over p, optionally forwarding non-cache operations to
// origin.
func New(p *pool.Pool, opts ...Option) *FS {
	f := &FS{pool: p}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FS) log() *slog.Logger {
	if f.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.logger
}

// File is a handle on an open cached file: the client-facing surface of
// pread/pwrite/refill/evict/query/fstat/fallocate/fadvise, backed by a
// pooled store.Store.
type File struct {
	fs    *FS
	path  string
	store *store.Store
}

// Open resolves path to a cache store (creating or reusing it via the
// pool) and returns a handle over it.
func (f *FS) Open(ctx context.Context, path string, flags store.OpenFlags) (*File, error) {
	s, err := f.pool.Open(ctx, path, flags)
	if err != nil {
		return nil, errno(classify(err), fmt.Errorf("cachefs: open %s: %w", path, err))
	}
	return &File{fs: f, path: path, store: s}, nil
}

// Close releases this handle's reference on the underlying store.
func (h *File) Close() error {
	h.fs.pool.Release(h.path)
	return nil
}

// Pread reads len(p) bytes at off, refilling from origin on a cache miss.
func (h *File) Pread(ctx context.Context, p []byte, off int64) (int, error) {
	n, err := h.store.Read(ctx, p, off)
	if err != nil {
		return n, errno(classify(err), err)
	}
	return n, nil
}

// Pwrite writes p at off: alignment-checked refill injection unless the
// store was opened with OpenWriteThrough/OpenWriteBack, in which case it is
// append-only extend-mode growth. Never a write-back path to origin.
func (h *File) Pwrite(ctx context.Context, p []byte, off int64) (int, error) {
	n, err := h.store.Write(ctx, p, off)
	if err != nil {
		return n, errno(classify(err), err)
	}
	return n, nil
}

// Refill prefetches [off, off+length) into the cache without returning the
// bytes to the caller.
func (h *File) Refill(ctx context.Context, off, length int64) (int64, error) {
	n, err := h.store.TryRefillRange(ctx, off, length)
	if err != nil {
		return n, errno(classify(err), err)
	}
	return n, nil
}

// Evict (aka trim) punches a hole over [off, off+length). length<0 means "to
// end of file".
func (h *File) Evict(ctx context.Context, off, length int64) error {
	if err := h.store.Evict(ctx, off, length); err != nil {
		return errno(classify(err), err)
	}
	return nil
}

// Query reports whether [off, off+length) is fully cached: a negative
// offset return means "fully cached"; otherwise the aligned hole window
// that still needs a refill is returned.
func (h *File) Query(off, length int64) (missingOffset, missingLength int64, err error) {
	mo, ml, err := h.store.QueryRefillRange(off, length)
	if err != nil {
		return 0, 0, errno(classify(err), err)
	}
	return mo, ml, nil
}

// Fstat reports the handle's size accounting.
func (h *File) Fstat() store.Stat {
	return h.store.Fstat()
}

// Fallocate performs explicit holing (FallocatePunchHole) or is a no-op
// (FallocateReserve).
func (h *File) Fallocate(ctx context.Context, mode FallocateMode, off, length int64) error {
	switch mode {
	case FallocatePunchHole:
		return h.Evict(ctx, off, length)
	case FallocateReserve:
		return nil
	default:
		return errno(ENOSYS, fmt.Errorf("cachefs: fallocate: unknown mode %d", mode))
	}
}

// Fadvise is an advisory hint. Only FadviseWillNeed is implemented, as a
// synchronous prefetch; anything else reports ENOSYS.
func (h *File) Fadvise(ctx context.Context, hint FadviseHint, off, length int64) error {
	switch hint {
	case FadviseWillNeed:
		_, err := h.Refill(ctx, off, length)
		return err
	default:
		return errno(ENOSYS, fmt.Errorf("cachefs: fadvise: unknown hint %d", hint))
	}
}

// Unlink force-evicts path from the pool (if tracked) and forwards the
// removal to origin.
func (f *FS) Unlink(ctx context.Context, path string) error {
	if err := f.pool.Evict(path); err != nil && !errors.Is(err, pool.ErrNotFound) {
		return errno(classify(err), fmt.Errorf("cachefs: unlink %s: %w", path, err))
	}
	if f.origin == nil {
		return nil
	}
	if err := f.origin.Unlink(ctx, path); err != nil {
		return errno(classify(err), fmt.Errorf("cachefs: unlink %s: %w", path, err))
	}
	return nil
}

// Rename forwards to the pool's rename, relocating the cached entry without
// touching origin.
func (f *FS) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := f.pool.Rename(oldPath, newPath); err != nil {
		return errno(classify(mapPoolErr(err)), fmt.Errorf("cachefs: rename %s to %s: %w", oldPath, newPath, err))
	}
	return nil
}

func mapPoolErr(err error) error {
	switch {
	case errors.Is(err, pool.ErrNotFound):
		return errNotFound
	case errors.Is(err, fs.ErrExist):
		return errExist
	default:
		return err
	}
}

// Stat forwards to origin.
func (f *FS) Stat(ctx context.Context, path string) (fs.FileInfo, error) {
	if f.origin == nil {
		return nil, errno(ENOSYS, fmt.Errorf("cachefs: stat %s: no origin configured", path))
	}
	info, err := f.origin.Stat(ctx, path)
	if err != nil {
		return nil, errno(classify(err), fmt.Errorf("cachefs: stat %s: %w", path, err))
	}
	return info, nil
}

// Access forwards to origin.
func (f *FS) Access(ctx context.Context, path string, mode int) error {
	if f.origin == nil {
		return errno(ENOSYS, fmt.Errorf("cachefs: access %s: no origin configured", path))
	}
	if err := f.origin.Access(ctx, path, mode); err != nil {
		return errno(classify(err), fmt.Errorf("cachefs: access %s: %w", path, err))
	}
	return nil
}

// Opendir forwards a directory listing request to origin.
func (f *FS) Opendir(ctx context.Context, path string) ([]DirEntry, error) {
	if f.origin == nil {
		return nil, errno(ENOSYS, fmt.Errorf("cachefs: opendir %s: no origin configured", path))
	}
	entries, err := f.origin.ReadDir(ctx, path)
	if err != nil {
		return nil, errno(classify(err), fmt.Errorf("cachefs: opendir %s: %w", path, err))
	}
	return entries, nil
}

// Readlink forwards to origin.
func (f *FS) Readlink(ctx context.Context, path string) (string, error) {
	if f.origin == nil {
		return "", errno(ENOSYS, fmt.Errorf("cachefs: readlink %s: no origin configured", path))
	}
	target, err := f.origin.Readlink(ctx, path)
	if err != nil {
		return "", errno(classify(err), fmt.Errorf("cachefs: readlink %s: %w", path, err))
	}
	return target, nil
}

// Getxattr forwards to origin if it implements XattrFS, else ENOSYS.
func (f *FS) Getxattr(ctx context.Context, path, name string) ([]byte, error) {
	x, ok := f.origin.(XattrFS)
	if !ok {
		return nil, errno(ENOSYS, fmt.Errorf("cachefs: getxattr %s: not supported", path))
	}
	v, err := x.Getxattr(ctx, path, name)
	if err != nil {
		return nil, errno(classify(err), fmt.Errorf("cachefs: getxattr %s: %w", path, err))
	}
	return v, nil
}

// Listxattr forwards to origin if it implements XattrFS, else ENOSYS.
func (f *FS) Listxattr(ctx context.Context, path string) ([]string, error) {
	x, ok := f.origin.(XattrFS)
	if !ok {
		return nil, errno(ENOSYS, fmt.Errorf("cachefs: listxattr %s: not supported", path))
	}
	names, err := x.Listxattr(ctx, path)
	if err != nil {
		return nil, errno(classify(err), fmt.Errorf("cachefs: listxattr %s: %w", path, err))
	}
	return names, nil
}
