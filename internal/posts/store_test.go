package posts

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/threadline/internal/protocol"
)

func TestInsertIsIdempotent(t *testing.T) {
	store := NewStore()
	require.True(t, store.Insert(protocol.Post{ID: 7, Body: "first"}))
	require.False(t, store.Insert(protocol.Post{ID: 7, Body: "second"}))

	post, ok := store.Get(7)
	require.True(t, ok)
	assert.Equal(t, "first", post.Body)
	assert.Equal(t, 1, store.Len())
}

func TestConcurrentInsertKeepsOneRecord(t *testing.T) {
	store := NewStore()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		added int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Insert(protocol.Post{ID: 60}) {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, added)
	assert.Equal(t, []uint64{60}, store.IDs())
}

func TestMarkDeletedIsIdempotent(t *testing.T) {
	store := NewStore()
	store.Insert(protocol.Post{ID: 1})

	assert.True(t, store.MarkDeleted(1))
	assert.False(t, store.MarkDeleted(1))
	assert.False(t, store.MarkDeleted(2), "absent posts are never marked")
	assert.True(t, store.IsDeleted(1))
}

func TestGetReturnsCopy(t *testing.T) {
	store := NewStore()
	store.Insert(protocol.Post{ID: 1, Image: &protocol.Image{Name: "a.png"}})

	post, _ := store.Get(1)
	post.Image.Name = "mutated"
	post.Body = "mutated"

	again, _ := store.Get(1)
	assert.Equal(t, "a.png", again.Image.Name)
	assert.Empty(t, again.Body)
}

func TestMinReplyID(t *testing.T) {
	store := NewStore()
	_, ok := store.MinReplyID(10)
	assert.False(t, ok)

	store.Insert(protocol.Post{ID: 10})
	_, ok = store.MinReplyID(10)
	assert.False(t, ok, "thread itself is not a reply")

	store.Insert(protocol.Post{ID: 55})
	store.Insert(protocol.Post{ID: 50})
	min, ok := store.MinReplyID(10)
	require.True(t, ok)
	assert.Equal(t, uint64(50), min)
}

func TestLiveEditing(t *testing.T) {
	store := NewStore()
	store.Insert(protocol.Post{ID: 3, Editing: true, Body: "hello"})
	store.Insert(protocol.Post{ID: 4, Body: "closed"})

	assert.True(t, store.Append(3, " world"))
	assert.True(t, store.Backspace(3))
	assert.True(t, store.Splice(3, 0, 5, "HELLO"))
	assert.False(t, store.Append(4, "x"), "closed posts are immutable")

	post, _ := store.Get(3)
	assert.Equal(t, "HELLO worl", post.Body)

	require.Len(t, store.Open(), 1)
	assert.True(t, store.Close(3))
	assert.False(t, store.Close(3))
	assert.Empty(t, store.Open())
}

func TestImageLifecycle(t *testing.T) {
	store := NewStore()
	store.Insert(protocol.Post{ID: 9})

	assert.False(t, store.RemoveImage(9))
	assert.True(t, store.SetImage(9, protocol.Image{Name: "cat.jpg"}))
	assert.True(t, store.RemoveImage(9))
	assert.True(t, store.MarkBanned(9))
	assert.False(t, store.MarkBanned(9))
}

func TestSpliceRunesClamps(t *testing.T) {
	assert.Equal(t, "abXYZ", SpliceRunes("abcde", 2, 10, "XYZ"))
	assert.Equal(t, "Xabc", SpliceRunes("abc", -3, 0, "X"))
	assert.Equal(t, "abcX", SpliceRunes("abc", 9, 1, "X"))
	assert.Equal(t, "ça", SpliceRunes("çb", 1, 1, "a"))
	assert.Equal(t, "heX", SpliceRunes("hello", 2, math.MaxInt, "X"))
}

func TestClear(t *testing.T) {
	store := NewStore()
	store.Insert(protocol.Post{ID: 1})
	store.Clear()
	assert.Zero(t, store.Len())
}
