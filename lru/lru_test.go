package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushFrontOrder(t *testing.T) {
	t.Parallel()
	r := New[string]()

	ka := r.PushFront("a")
	kb := r.PushFront("b")
	kc := r.PushFront("c")

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, "c", *r.Front())
	assert.Equal(t, "a", *r.Back())

	_ = ka
	_ = kb
	_ = kc
}

func TestAccessMovesToFront(t *testing.T) {
	t.Parallel()
	r := New[string]()

	ka := r.PushFront("a")
	r.PushFront("b")
	r.PushFront("c")

	r.Access(ka)
	assert.Equal(t, "a", *r.Front())
	assert.Equal(t, "b", *r.Back())
}

func TestPopBackEvictsLRU(t *testing.T) {
	t.Parallel()
	r := New[string]()

	r.PushFront("a")
	r.PushFront("b")
	r.PushFront("c")

	r.PopBack()
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, "b", *r.Back())

	r.PopBack()
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "c", *r.Back())
	assert.Equal(t, "c", *r.Front())
}

func TestRemoveRecyclesSlot(t *testing.T) {
	t.Parallel()
	r := New[int]()

	k1 := r.PushFront(1)
	r.PushFront(2)
	r.Remove(k1)
	assert.Equal(t, 1, r.Len())

	k3 := r.PushFront(3)
	// the freed slot should be reused rather than growing the slab
	assert.Equal(t, k1, k3)
}

func TestMarkClearedNotEvictable(t *testing.T) {
	t.Parallel()
	r := New[string]()

	ka := r.PushFront("a")
	r.PushFront("b")

	r.MarkCleared(ka)
	require.Equal(t, "b", *r.Back())

	r.PopBack()
	assert.Equal(t, "b", func() string {
		if r.Empty() {
			return "b"
		}
		return *r.Front()
	}())

	// a cleared key can still be removed later, freeing its slot
	r.Remove(ka)
}

func TestEmpty(t *testing.T) {
	t.Parallel()
	r := New[int]()
	assert.True(t, r.Empty())
	k := r.PushFront(1)
	assert.False(t, r.Empty())
	r.Remove(k)
	assert.True(t, r.Empty())
}
