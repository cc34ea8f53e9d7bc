package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryCacheSetGet(t *testing.T) {
	mc := NewMemoryCache(time.Minute, 10)

	mc.Set("a", "value", 0)

	got, ok := mc.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "value", got)

	_, ok = mc.Get("missing")
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	mc := NewMemoryCache(time.Minute, 10)

	mc.Set("a", "value", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := mc.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, mc.Size())
}

func TestMemoryCacheEvictsOldestAtCapacity(t *testing.T) {
	mc := NewMemoryCache(time.Minute, 3)

	for i := 0; i < 4; i++ {
		mc.Set(fmt.Sprintf("k%d", i), i, 0)
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, 3, mc.Size())
	_, ok := mc.Get("k0")
	assert.False(t, ok)
	_, ok = mc.Get("k3")
	assert.True(t, ok)
}

func TestSeenCacheMark(t *testing.T) {
	sc := NewSeenCache(time.Minute, 10)

	assert.True(t, sc.Mark("call-1"))
	assert.False(t, sc.Mark("call-1"))
	assert.True(t, sc.Mark("call-2"))
	assert.True(t, sc.Seen("call-1"))
}

func TestSeenCacheForget(t *testing.T) {
	sc := NewSeenCache(time.Minute, 10)

	assert.True(t, sc.Mark("call-1"))
	sc.Forget("call-1")
	assert.False(t, sc.Seen("call-1"))
	assert.True(t, sc.Mark("call-1"))
}

func TestSeenCacheTTL(t *testing.T) {
	sc := NewSeenCache(10*time.Millisecond, 10)

	assert.True(t, sc.Mark("call-1"))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, sc.Mark("call-1"))
}
