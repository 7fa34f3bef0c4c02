// ABOUTME: Tests for the dedupe cache of seen frame keys.
// ABOUTME: Validates TTL expiration, size limits, eviction order, forgetting and concurrency.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrameKey(t *testing.T) {
	assert.Equal(t, "3:scan_result:9", FrameKey(3, "scan_result", 9))
	assert.NotEqual(t, FrameKey(1, "command_result", 7), FrameKey(2, "command_result", 7))
}

func TestCache_CheckAndMark(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	key := FrameKey(1, "command_result", 7)
	assert.False(t, cache.Check(key))
	assert.False(t, cache.CheckAndMark(key), "first delivery is new")
	assert.True(t, cache.CheckAndMark(key), "redelivery is a duplicate")
	assert.True(t, cache.Check(key))
}

func TestCache_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("expiring-key")
	assert.True(t, cache.Check("expiring-key"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.Check("expiring-key"))
	assert.False(t, cache.CheckAndMark("expiring-key"), "expired key counts as new")
}

func TestCache_Forget(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Mark("cmd-1")
	cache.Forget("cmd-1")
	assert.False(t, cache.Check("cmd-1"))
	assert.Equal(t, 0, cache.Len())

	// Forgetting an unknown key is a no-op
	cache.Forget("never-seen")
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	cache.Mark("c")

	// Re-marking moves "a" to the back, so "b" is now the oldest
	cache.Mark("a")
	cache.Mark("d")

	assert.True(t, cache.Check("a"))
	assert.False(t, cache.Check("b"))
	assert.True(t, cache.Check("c"))
	assert.True(t, cache.Check("d"))
	assert.Equal(t, 3, cache.Len())
}

func TestCache_Cleanup(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	for i := 0; i < 10; i++ {
		cache.Mark(fmt.Sprintf("key-%d", i))
	}
	time.Sleep(20 * time.Millisecond)

	cache.runCleanup()
	assert.Equal(t, 0, cache.Len())
}

func TestCache_DefaultSize(t *testing.T) {
	cache := New(time.Minute, 0)
	defer cache.Close()
	assert.Equal(t, DefaultMaxSize, cache.maxSize)
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contended") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load(), "exactly one caller should see the key as new")
}

func TestCache_Close(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
