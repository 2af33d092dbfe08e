package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdemCacheRejectsDuplicate(t *testing.T) {
	c := newIdemCache(time.Minute, 8)

	assert.True(t, c.add("k1"))
	assert.False(t, c.add("k1"))
	assert.True(t, c.add("k2"))
}

func TestIdemCacheExpiredKeyIsReusable(t *testing.T) {
	c := newIdemCache(10*time.Millisecond, 8)

	assert.True(t, c.add("k"))
	time.Sleep(25 * time.Millisecond)
	assert.True(t, c.add("k"))
}

func TestIdemCacheRemoveAllowsReuse(t *testing.T) {
	c := newIdemCache(time.Minute, 8)

	assert.True(t, c.add("k"))
	c.remove("k")
	assert.True(t, c.add("k"), "removed key must be accepted again")
	assert.Equal(t, 1, c.len())
}

func TestIdemCacheEvictsOldestAtCapacity(t *testing.T) {
	c := newIdemCache(time.Minute, 2)

	assert.True(t, c.add("a"))
	assert.True(t, c.add("b"))
	assert.True(t, c.add("c")) // evicts a
	assert.Equal(t, 2, c.len())

	assert.True(t, c.add("a"), "evicted key must be accepted again")
	assert.False(t, c.add("c"), "surviving key stays a duplicate")
}

func TestIdemCacheCapacityNeverExceeded(t *testing.T) {
	c := newIdemCache(time.Minute, 4)
	for i := 0; i < 20; i++ {
		c.add(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 4, c.len())
}

func TestIdemCacheClear(t *testing.T) {
	c := newIdemCache(time.Minute, 8)
	c.add("a")
	c.add("b")
	c.clear()

	assert.Equal(t, 0, c.len())
	assert.True(t, c.add("a"))
}
