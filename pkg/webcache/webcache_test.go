package webcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/pkg/config"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := New(&config.WebCacheConfig{Dir: t.TempDir(), ExpirationDays: 7})
	require.NoError(t, err)
	return cache
}

func TestCachePutGetRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	body := []byte("<html><body>hello</body></html>")

	require.NoError(t, cache.Put("https://example.com/a", body, Metadata{
		ContentType: "text/html",
		Title:       "Example",
		Extracted:   map[string]string{"doi": "10.1000/x"},
	}))

	got, meta, ok := cache.Get("https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, body, got)
	assert.Equal(t, "https://example.com/a", meta.URL)
	assert.Equal(t, "text/html", meta.ContentType)
	assert.Equal(t, "Example", meta.Title)
	assert.Equal(t, "10.1000/x", meta.Extracted["doi"])

	// Timestamp is RFC3339 UTC.
	_, err := time.Parse(time.RFC3339, meta.FetchTimeUTC)
	require.NoError(t, err)
}

func TestCacheMissForUnknownURL(t *testing.T) {
	cache := newTestCache(t)
	_, _, ok := cache.Get("https://example.com/never-fetched")
	assert.False(t, ok)
}

func TestCacheExpiration(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.Put("https://example.com/a", []byte("x"), Metadata{}))

	_, _, ok := cache.Get("https://example.com/a")
	require.True(t, ok)

	cache.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	_, _, ok = cache.Get("https://example.com/a")
	assert.False(t, ok)
}

func TestCacheMissingSidecarIsMiss(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.Put("https://example.com/a", []byte("x"), Metadata{}))

	_, metaPath := cache.paths("https://example.com/a")
	require.NoError(t, os.Remove(metaPath))

	_, _, ok := cache.Get("https://example.com/a")
	assert.False(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.Put("https://example.com/a", []byte("x"), Metadata{}))
	require.NoError(t, cache.Invalidate("https://example.com/a"))

	_, _, ok := cache.Get("https://example.com/a")
	assert.False(t, ok)

	// No stray temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(cache.dir + "/."))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCacheKeysAreContentAddressed(t *testing.T) {
	cache := newTestCache(t)
	bodyA, _ := cache.paths("https://example.com/a")
	bodyB, _ := cache.paths("https://example.com/b")
	assert.NotEqual(t, bodyA, bodyB)
	assert.Contains(t, bodyA, ".cache")
}
