package store

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/overlaycache/media"
	"github.com/meigma/overlaycache/origin"
)

// fakeOrigin serves ReadAt out of an in-memory byte slice, counting fetches
// over each distinct offset so tests can assert single-fetch behaviour.
type fakeOrigin struct {
	mu      sync.Mutex
	content []byte
	reads   []readCall
}

type readCall struct {
	offset, length int64
}

func (f *fakeOrigin) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	f.reads = append(f.reads, readCall{off, int64(len(p))})
	f.mu.Unlock()

	if off >= int64(len(f.content)) {
		return 0, io.EOF
	}
	n := copy(p, f.content[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *fakeOrigin) Size() int64  { return int64(len(f.content)) }
func (f *fakeOrigin) Close() error { return nil }

type fakeOpener struct{ src *fakeOrigin }

func (o *fakeOpener) Open(ctx context.Context, path string) (origin.Source, error) {
	return o.src, nil
}

// noHooks disables pressure bypass and always persists synchronously.
type noHooks struct{}

func (noHooks) InFlightRefills() int32 { return 0 }
func (noHooks) RefillThreshold() int32 { return 1 << 30 }
func (noHooks) RefillCap() int32       { return 0 }
func (noHooks) SubmitRefill(fn func()) { fn() }

func newTestStore(t *testing.T, content []byte) (*Store, *fakeOrigin) {
	t.Helper()
	backend, err := media.New(t.TempDir())
	require.NoError(t, err)
	f, err := backend.Open("blob", true)
	require.NoError(t, err)

	origin := &fakeOrigin{content: content}
	s, err := New("blob", backend, f, &fakeOpener{src: origin}, int64(len(content)),
		WithPageSize(4096), WithHooks(noHooks{}))
	require.NoError(t, err)
	return s, origin
}

func TestColdReadAlignedFillsFromOrigin(t *testing.T) {
	t.Parallel()
	content := make([]byte, 64<<10)
	for i := range content {
		content[i] = byte(i)
	}
	s, _ := newTestStore(t, content)

	buf := make([]byte, 4096)
	n, err := s.Read(context.Background(), buf, 4096)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, content[4096:8192], buf)
}

func TestRepeatedReadDoesNotRefetch(t *testing.T) {
	t.Parallel()
	content := make([]byte, 64<<10)
	s, o := newTestStore(t, content)

	buf := make([]byte, 4096)
	_, err := s.Read(context.Background(), buf, 0)
	require.NoError(t, err)

	o.mu.Lock()
	fetchesAfterFirst := len(o.reads)
	o.mu.Unlock()
	require.Greater(t, fetchesAfterFirst, 0)

	_, err = s.Read(context.Background(), buf, 0)
	require.NoError(t, err)

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Equal(t, fetchesAfterFirst, len(o.reads), "second read should hit cache, not origin")
}

func TestUnalignedTailRead(t *testing.T) {
	t.Parallel()
	content := make([]byte, 65536+750)
	for i := range content {
		content[i] = byte(i % 251)
	}
	s, _ := newTestStore(t, content)

	buf := make([]byte, 4096)
	n, err := s.Read(context.Background(), buf, 65536)
	require.NoError(t, err)
	assert.Equal(t, 750, n)
	assert.Equal(t, content[65536:], buf[:750])
}

func TestQueryRefillRangeFullHit(t *testing.T) {
	t.Parallel()
	content := make([]byte, 8192)
	s, _ := newTestStore(t, content)

	buf := make([]byte, 8192)
	_, err := s.Read(context.Background(), buf, 0)
	require.NoError(t, err)

	off, length, err := s.QueryRefillRange(0, 8192)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), off)
	assert.Equal(t, int64(0), length)
}

func TestCacheOnlyMissReturnsError(t *testing.T) {
	t.Parallel()
	backend, err := media.New(t.TempDir())
	require.NoError(t, err)
	f, err := backend.Open("blob", true)
	require.NoError(t, err)

	s, err := New("blob", backend, f, nil, 4096, WithPageSize(4096), WithOpenFlags(OpenCacheOnly))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	_, err = s.Read(context.Background(), buf, 0)
	assert.ErrorIs(t, err, ErrCacheOnlyMiss)
}

func TestWriteRefillModeAlignmentEnforced(t *testing.T) {
	t.Parallel()
	content := make([]byte, 8192)
	s, _ := newTestStore(t, content)

	_, err := s.Write(context.Background(), make([]byte, 100), 50)
	assert.ErrorIs(t, err, ErrAlignment)
}

func TestWriteExtendModeGrowsCachedSize(t *testing.T) {
	t.Parallel()
	backend, err := media.New(t.TempDir())
	require.NoError(t, err)
	f, err := backend.Open("blob", true)
	require.NoError(t, err)

	s, err := New("blob", backend, f, nil, 0, WithPageSize(4096), WithOpenFlags(OpenWriteThrough))
	require.NoError(t, err)

	n, err := s.Write(context.Background(), []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(5), s.CachedSize())
}

func TestWriteExtendEvictsStaleUnalignedTail(t *testing.T) {
	t.Parallel()
	backend, err := media.New(t.TempDir())
	require.NoError(t, err)
	f, err := backend.Open("blob", true)
	require.NoError(t, err)

	s, err := New("blob", backend, f, nil, 0, WithPageSize(4096), WithOpenFlags(OpenWriteThrough))
	require.NoError(t, err)

	// First write leaves an unaligned tail (cachedSize=100, not a page
	// boundary). A second write past page 0 must evict that stale tail
	// before extending, taking the range-lock over it rather than racing a
	// concurrent reader of the same bytes.
	_, err = s.Write(context.Background(), make([]byte, 100), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), s.CachedSize())

	_, err = s.Write(context.Background(), []byte("next-page-data"), 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(4096+14), s.CachedSize())
	assert.Equal(t, 0, len(s.lock.Held()), "write must release its tail lock")
}

func TestEvictThenQueryReportsHole(t *testing.T) {
	t.Parallel()
	content := make([]byte, 8192)
	s, _ := newTestStore(t, content)

	buf := make([]byte, 8192)
	_, err := s.Read(context.Background(), buf, 0)
	require.NoError(t, err)

	err = s.Evict(context.Background(), 0, 4096)
	if err != nil {
		t.Skipf("evict (punch hole) unsupported on this filesystem: %v", err)
	}

	off, length, err := s.QueryRefillRange(0, 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
	assert.Equal(t, int64(4096), length)
}

func TestReleaseAtZeroNotifiesPool(t *testing.T) {
	t.Parallel()
	content := make([]byte, 4096)
	s, _ := newTestStore(t, content)

	released := make(chan string, 1)
	s.SetReleaseFunc(func(path string) { released <- path })

	s.Acquire()
	s.Release()
	select {
	case <-released:
		t.Fatal("released too early")
	default:
	}

	s.Release()
	assert.Equal(t, "blob", <-released)
}
