package narration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testSession(key string) *Session {
	return newSession(context.Background(), key, key+"-run", "text", Settings{}, time.Now())
}

func TestRegistrySwapAndTake(t *testing.T) {
	r := NewRegistry()
	a1 := testSession("a")
	a2 := testSession("a")

	assert.Nil(t, r.Swap(a1))
	assert.Same(t, a1, r.Swap(a2))
	assert.Same(t, a2, r.Get("a"))
	assert.Equal(t, 1, r.Len())

	assert.Same(t, a2, r.Take("a"))
	assert.Nil(t, r.Take("a"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemoveIsCompareAndDelete(t *testing.T) {
	r := NewRegistry()
	old := testSession("a")
	cur := testSession("a")
	r.Swap(old)
	r.Swap(cur)

	assert.False(t, r.Remove(old), "stale session must not evict its successor")
	assert.Same(t, cur, r.Get("a"))
	assert.True(t, r.Remove(cur))
	assert.Nil(t, r.Get("a"))
}

func TestRegistryKeysSorted(t *testing.T) {
	r := NewRegistry()
	for _, k := range []string{"c", "a", "b"} {
		r.Swap(testSession(k))
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.Keys())
}

func TestRegistryConcurrentSwapKeepsOnePerKey(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := testSession("shared")
			r.Swap(s)
			r.Remove(s)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, r.Len(), 1)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateIdle.Terminal())
}

func TestFanoutLateJoin(t *testing.T) {
	first := NewMemorySink()
	late := NewMemorySink()
	f := NewFanout(first)

	f.Emit(Event{Type: EventStatus, Status: "one"})
	f.Add(late)
	f.Emit(Event{Type: EventComplete})

	assert.Len(t, first.Events(), 2)
	assert.Len(t, late.Events(), 1)
}
