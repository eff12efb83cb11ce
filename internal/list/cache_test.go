package list

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenCache(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCachePutHasGet(t *testing.T) {
	c := openTestCache(t)

	has, err := c.Has("core-libs-dev", "<m1@x>")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, c.Put("core-libs-dev", "<m1@x>", []byte("raw body")))

	has, err = c.Has("core-libs-dev", "<m1@x>")
	require.NoError(t, err)
	assert.True(t, has)

	raw, err := c.Get("core-libs-dev", "<m1@x>")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw body"), raw)

	// The same id on another list is a distinct entry.
	has, err = c.Has("hotspot-dev", "<m1@x>")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCachePutIsIdempotent(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.Put("core-libs-dev", "<m1@x>", []byte("first")))
	require.NoError(t, c.Put("core-libs-dev", "<m1@x>", []byte("second")))

	raw, err := c.Get("core-libs-dev", "<m1@x>")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), raw)
}

func TestCacheGetMissing(t *testing.T) {
	c := openTestCache(t)

	raw, err := c.Get("core-libs-dev", "<missing@x>")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestCachePrune(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.Put("core-libs-dev", "<m1@x>", []byte("x")))

	n, err := c.Prune(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.Prune(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	has, err := c.Has("core-libs-dev", "<m1@x>")
	require.NoError(t, err)
	assert.False(t, has)
}
