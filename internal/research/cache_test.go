package research

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitWithinTTL(t *testing.T) {
	c := NewCache(time.Minute, 10)
	c.Put("What is HMAC?", "sys", Result{Text: "answer"})

	got, ok := c.Get("What is HMAC?", "sys")
	require.True(t, ok)
	assert.Equal(t, "answer", got.Text)
}

func TestCacheNormalizesQuery(t *testing.T) {
	c := NewCache(time.Minute, 10)
	c.Put("What   is HMAC?", "sys", Result{Text: "answer"})

	_, ok := c.Get("what is hmac?", "sys")
	assert.True(t, ok, "case and whitespace variants share an entry")
}

func TestCacheKeyIncludesSystemPrompt(t *testing.T) {
	c := NewCache(time.Minute, 10)
	c.Put("q", "prompt-a", Result{Text: "a"})

	_, ok := c.Get("q", "prompt-b")
	assert.False(t, ok)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(10*time.Millisecond, 10)
	c.Put("q", "sys", Result{Text: "a"})

	time.Sleep(25 * time.Millisecond)
	_, ok := c.Get("q", "sys")
	assert.False(t, ok)
}

func TestCacheCapacityEvictsFirstInserted(t *testing.T) {
	c := NewCache(time.Hour, 100)
	for i := 0; i < 101; i++ {
		c.Put(fmt.Sprintf("query-%d", i), "sys", Result{Text: fmt.Sprintf("r%d", i)})
	}

	assert.Equal(t, 100, c.Len(), "inserting 101 distinct keys leaves exactly 100")
	_, ok := c.Get("query-0", "sys")
	assert.False(t, ok, "first-inserted key is the one evicted")
	_, ok = c.Get("query-1", "sys")
	assert.True(t, ok)
	_, ok = c.Get("query-100", "sys")
	assert.True(t, ok)
}

func TestCacheUpdateDoesNotDoubleCountKey(t *testing.T) {
	c := NewCache(time.Hour, 2)
	c.Put("a", "sys", Result{Text: "1"})
	c.Put("a", "sys", Result{Text: "2"})
	c.Put("b", "sys", Result{Text: "3"})

	assert.Equal(t, 2, c.Len())
	got, ok := c.Get("a", "sys")
	require.True(t, ok)
	assert.Equal(t, "2", got.Text)
}
