package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/overlaycache/media"
	"github.com/meigma/overlaycache/origin"
	"github.com/meigma/overlaycache/store"
)

type fakeOrigin struct{ content []byte }

func (f *fakeOrigin) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.content)) {
		return 0, nil
	}
	n := copy(p, f.content[off:])
	return n, nil
}
func (f *fakeOrigin) Size() int64  { return int64(len(f.content)) }
func (f *fakeOrigin) Close() error { return nil }

type fakeOpener struct{ sized map[string][]byte }

func (o *fakeOpener) Open(ctx context.Context, path string) (origin.Source, error) {
	return &fakeOrigin{content: o.sized[path]}, nil
}

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	backend, err := media.New(t.TempDir())
	require.NoError(t, err)
	opener := &fakeOpener{sized: map[string][]byte{
		"a": make([]byte, 8192),
		"b": make([]byte, 8192),
		"c": make([]byte, 8192),
	}}
	p := New(backend, opener, append([]Option{WithPeriodicInterval(time.Hour)}, opts...)...)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestOpenCreatesAndReopenReusesStore(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)

	s1, err := p.Open(context.Background(), "a", 0)
	require.NoError(t, err)
	s2, err := p.Open(context.Background(), "a", 0)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, int32(3), s1.RefCount(), "baseline 1 + two Open calls")
}

func TestConcurrentFirstOpenCoalesces(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)

	const n = 8
	results := make(chan *store.Store, n)
	for i := 0; i < n; i++ {
		go func() {
			s, err := p.Open(context.Background(), "a", 0)
			require.NoError(t, err)
			results <- s
		}()
	}

	var first *store.Store
	for i := 0; i < n; i++ {
		s := <-results
		if first == nil {
			first = s
		}
		assert.Same(t, first, s)
	}
	assert.Equal(t, int32(1+n), first.RefCount())
}

func TestReadThroughOpenedStore(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)

	s, err := p.Open(context.Background(), "a", 0)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, err := s.Read(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
}

func TestEvictRefusesInUseFile(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)

	_, err := p.Open(context.Background(), "a", 0)
	require.NoError(t, err)

	err = p.Evict("a")
	assert.ErrorIs(t, err, ErrInUse)
}

func TestEvictUnlinksIdleFile(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)

	s, err := p.Open(context.Background(), "a", 0)
	require.NoError(t, err)
	p.Release("a")
	_ = s

	err = p.Evict("a")
	require.NoError(t, err)

	err = p.Evict("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatAggregatesCachedBytes(t *testing.T) {
	t.Parallel()
	// RefillCap(0) forces every refill to persist synchronously, so Stat
	// observes the write deterministically instead of racing a background
	// persist goroutine.
	p := newTestPool(t, WithCapacityBytes(1<<20), WithRefillCap(0))

	sA, err := p.Open(context.Background(), "a", 0)
	require.NoError(t, err)
	sB, err := p.Open(context.Background(), "b", 0)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	_, err = sA.Read(context.Background(), buf, 0)
	require.NoError(t, err)
	_, err = sB.Read(context.Background(), buf, 0)
	require.NoError(t, err)

	st := p.Stat("")
	assert.Equal(t, int64(8192), st.UsedBytes)
	assert.Equal(t, int64(1<<20), st.TotalBytes)
}

func TestEvictionPassReclaimsIdleLRUEntries(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, WithCapacityBytes(12000), WithWaterMarkRatio(50), WithLowWaterMarkRatio(10), WithRefillCap(0))

	for _, name := range []string{"a", "b", "c"} {
		s, err := p.Open(context.Background(), name, 0)
		require.NoError(t, err)
		buf := make([]byte, 8192)
		_, err = s.Read(context.Background(), buf, 0)
		require.NoError(t, err)
		p.Release(name)
	}

	reclaimed := p.recycle(20000)
	assert.Greater(t, reclaimed, int64(0))

	st := p.Stat("")
	assert.Less(t, st.UsedBytes, int64(3*8192))
}

func TestRenameRelocatesMapEntry(t *testing.T) {
	t.Parallel()
	// RefillCap(0): the read's persist must finish (and drop its reference)
	// before Rename checks for open handles and Stat counts cached bytes.
	p := newTestPool(t, WithRefillCap(0))

	s, err := p.Open(context.Background(), "a", 0)
	require.NoError(t, err)
	buf := make([]byte, 4096)
	_, err = s.Read(context.Background(), buf, 0)
	require.NoError(t, err)
	p.Release("a")

	require.NoError(t, p.Rename("a", "zzz"))
	assert.Equal(t, "zzz", s.Path())

	stOld := p.Stat("a")
	assert.Equal(t, int64(0), stOld.UsedBytes)
	stNew := p.Stat("zzz")
	assert.Equal(t, int64(4096), stNew.UsedBytes)

	require.ErrorIs(t, p.Evict("a"), ErrNotFound)
	require.NoError(t, p.Evict("zzz"))
}

func TestRenameKeepsLRURingConsistentForRecycle(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, WithRefillCap(0))

	s, err := p.Open(context.Background(), "a", 0)
	require.NoError(t, err)
	buf := make([]byte, 4096)
	_, err = s.Read(context.Background(), buf, 0)
	require.NoError(t, err)
	p.Release("a")

	require.NoError(t, p.Rename("a", "zzz"))

	// recycle() walks the LRU ring itself rather than the path/index maps;
	// if the ring still held "a" after the rename, this would look up a
	// deleted map entry and panic on a nil store.
	reclaimed := p.recycle(4096)
	assert.Equal(t, int64(4096), reclaimed)
	require.ErrorIs(t, p.Evict("zzz"), ErrNotFound)
}

func TestRenameRefusesInUseFile(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)

	_, err := p.Open(context.Background(), "a", 0)
	require.NoError(t, err)

	err = p.Rename("a", "zzz")
	assert.ErrorIs(t, err, ErrInUse)
}

func TestRenameFailsWhenDestinationAlreadyTracked(t *testing.T) {
	t.Parallel()
	p := newTestPool(t)

	_, err := p.Open(context.Background(), "a", 0)
	require.NoError(t, err)
	_, err = p.Open(context.Background(), "b", 0)
	require.NoError(t, err)

	require.Error(t, p.Rename("a", "b"))
}
