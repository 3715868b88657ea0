package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Name  string  `json:"name"`
	Match float64 `json:"match"`
}

func TestSetGet(t *testing.T) {
	c, err := OpenInMemory(time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Set("similar:abc", []entry{{Name: "Low", Match: 0.8}}))

	var got []entry
	ok, err := c.Get("similar:abc", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []entry{{Name: "Low", Match: 0.8}}, got)

	ok, err = c.Get("similar:missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	c, err := OpenInMemory(0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Set("k", "v"))
	require.NoError(t, c.Delete("k"))

	var v string
	ok, _ := c.Get("k", &v)
	assert.False(t, ok)
}

func TestPersistentCache(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Set("k", 42))
	require.NoError(t, c.Close())

	c, err = Open(dir, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	var v int
	ok, err := c.Get("k", &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestNilCacheIsNoop(t *testing.T) {
	var c *Cache
	assert.NoError(t, c.Set("k", 1))
	var v int
	ok, err := c.Get("k", &v)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Close())
}
