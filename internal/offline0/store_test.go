package offline0

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageOpenCreatesCache(t *testing.T) {
	st := newTestStorage(t)

	ok, err := st.Has("v1")
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := st.Open("v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", c.Name())

	names, err := st.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names)

	_, err = st.Open("")
	assert.Error(t, err)
}

func TestCachePutMatchDelete(t *testing.T) {
	st := newTestStorage(t)
	c, err := st.Open("v1")
	require.NoError(t, err)

	require.NoError(t, c.Put("GET /", []byte("home")))
	v, ok, err := c.Match("GET /")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "home", string(v))

	_, ok, err = c.Match("GET /nope")
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := c.Delete("GET /")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err = c.Match("GET /")
	require.NoError(t, err)
	assert.False(t, ok, "memo must not keep deleted entries")

	deleted, err = c.Delete("GET /")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCacheKeysAreScopedByName(t *testing.T) {
	st := newTestStorage(t)
	v1, err := st.Open("v1")
	require.NoError(t, err)
	v10, err := st.Open("v10")
	require.NoError(t, err)

	require.NoError(t, v1.Put("GET /a", []byte("a")))
	require.NoError(t, v10.Put("GET /b", []byte("b")))

	keys, err := v1.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /a"}, keys)

	n, err := st.Count("v10")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStorageReplaceSwapsWholeContent(t *testing.T) {
	st := newTestStorage(t)
	c, err := st.Open("v1")
	require.NoError(t, err)
	require.NoError(t, c.Put("GET /old", []byte("old")))
	_, ok, err := c.Match("GET /old")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, st.Replace("v1", []KV{
		{Key: "GET /", Value: []byte("home")},
		{Key: "GET /about", Value: []byte("about")},
	}))

	keys, err := c.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"GET /", "GET /about"}, keys)

	_, ok, err = c.Match("GET /old")
	require.NoError(t, err)
	assert.False(t, ok, "replaced entries must not be served from memo")
}

func TestStorageDeleteRemovesEntries(t *testing.T) {
	st := newTestStorage(t)
	require.NoError(t, st.Replace("v0", []KV{{Key: "GET /", Value: []byte("x")}}))
	require.NoError(t, st.Replace("v1", []KV{{Key: "GET /", Value: []byte("y")}}))

	ok, err := st.Delete("v0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Delete("v0")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := st.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names)

	n, err := st.Count("v0")
	require.NoError(t, err)
	assert.Zero(t, n)

	v, ok, err := st.cache("v1").Match("GET /")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "y", string(v))
}

func TestStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	st, err := OpenStorage(path, 8)
	require.NoError(t, err)
	require.NoError(t, st.Replace("v1", []KV{{Key: "GET /", Value: []byte("home")}}))
	require.NoError(t, st.Close())

	st, err = OpenStorage(path, 8)
	require.NoError(t, err)
	defer st.Close()

	v, ok, err := st.cache("v1").Match("GET /")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "home", string(v))
}

func TestStorageClosed(t *testing.T) {
	st, err := OpenMemStorage(0)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = st.Names()
	assert.ErrorIs(t, err, ErrStorageClosed)
}

func TestRequestKey(t *testing.T) {
	assert.Equal(t, "GET /", RequestKey("", ""))
	assert.Equal(t, "GET /about", RequestKey("get", "/about"))
	assert.Equal(t, "GET /about", RequestKey("GET", "http://site.test/about#team"))
	assert.Equal(t, "POST /api/sync?x=1", RequestKey("post", "/api/sync?x=1"))
	assert.Equal(t, "GET /about", RequestKey("GET", "about"))
}
