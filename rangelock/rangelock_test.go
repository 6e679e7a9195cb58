package rangelock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockNonOverlapping(t *testing.T) {
	t.Parallel()
	l := New()

	h1, _, ok := l.TryLock(0, 512)
	require.True(t, ok)
	h2, _, ok := l.TryLock(1024, 512)
	require.True(t, ok)

	assert.Equal(t, Range{0, 512}, h1.Range())
	assert.Equal(t, Range{1024, 512}, h2.Range())
}

func TestTryLockConflict(t *testing.T) {
	t.Parallel()
	l := New()

	_, _, ok := l.TryLock(0, 1024)
	require.True(t, ok)

	_, conflict, ok := l.TryLock(512, 512)
	require.False(t, ok)
	assert.Equal(t, Range{0, 1024}, conflict)
}

func TestAlignment(t *testing.T) {
	t.Parallel()
	l := New()

	h, _, ok := l.TryLock(100, 50)
	require.True(t, ok)
	assert.Equal(t, uint64(0), h.Range().Offset)
	assert.Equal(t, uint64(512), h.Range().Length)
}

func TestUnlockWakesWaiters(t *testing.T) {
	t.Parallel()
	l := New()

	h, _, ok := l.TryLock(0, 512)
	require.True(t, ok)

	var wg sync.WaitGroup
	acquired := make(chan *Handle, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		acquired <- l.Lock(0, 512)
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired lock before it was released")
	case <-time.After(20 * time.Millisecond):
	}

	l.Unlock(h)
	wg.Wait()
	h2 := <-acquired
	assert.Equal(t, Range{0, 512}, h2.Range())
	l.Unlock(h2)
}

func TestAdjustShrink(t *testing.T) {
	t.Parallel()
	l := New()

	h, _, ok := l.TryLock(0, 1024)
	require.True(t, ok)

	require.NoError(t, l.Adjust(h, 0, 512))
	assert.Equal(t, Range{0, 512}, h.Range())

	// the freed tail is now lockable by someone else
	_, _, ok = l.TryLock(512, 512)
	assert.True(t, ok)
}

func TestAdjustDeniedOnOverlap(t *testing.T) {
	t.Parallel()
	l := New()

	h1, _, ok := l.TryLock(0, 512)
	require.True(t, ok)
	_, _, ok = l.TryLock(512, 512)
	require.True(t, ok)

	err := l.Adjust(h1, 0, 1024)
	assert.ErrorIs(t, err, ErrOverlap)
}

func TestUnlockUnknownHandlePanics(t *testing.T) {
	t.Parallel()
	l := New()
	h, _, ok := l.TryLock(0, 512)
	require.True(t, ok)
	l.Unlock(h)

	assert.Panics(t, func() {
		l.Unlock(h)
	})
}

func TestConcurrentNonOverlappingDoNotBlock(t *testing.T) {
	t.Parallel()
	l := New()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			<-start
			h := l.Lock(uint64(i*4096), 4096)
			l.Unlock(h)
		}(i)
	}
	close(start)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("non-overlapping locks blocked each other")
	}
}
