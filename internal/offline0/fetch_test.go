package offline0

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeWorker(t *testing.T, cfg Config, net *testNet) (*Worker, *Storage) {
	t.Helper()
	w, st := newTestWorker(t, cfg, net)
	_, err := w.Install(context.Background())
	require.NoError(t, err)
	_, err = w.Activate(context.Background())
	require.NoError(t, err)
	net.reset()
	return w, st
}

func TestFetchServesCacheWithoutNetwork(t *testing.T) {
	net := newTestNet(site(shellSite()))
	w, _ := activeWorker(t, testConfig(t, shellAssets), net)

	// the origin changes after install; the stored copy still wins
	net.handler = site(map[string]string{"/about": "<h1>New about</h1>"})

	for _, path := range []string{"/", "/about", "/css/site.css"} {
		resp, src, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err, path)
		assert.Equal(t, SourceCache, src, path)
		assert.Equal(t, shellSite()[path], string(resp.Body), path)
	}
	assert.Zero(t, net.callCount())

	net.offline()
	_, src, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/about", nil))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, src, "offline pages come from the cache")
	assert.Zero(t, net.callCount())
}

func TestFetchMissGoesToNetworkOnce(t *testing.T) {
	pages := shellSite()
	pages["/news"] = "<h1>News</h1>"
	net := newTestNet(site(pages))
	w, st := activeWorker(t, testConfig(t, shellAssets), net)

	resp, src, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/news", nil))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, src)
	assert.Equal(t, "<h1>News</h1>", string(resp.Body))
	assert.Equal(t, 1, net.callCount())

	_, ok, err := st.cache(DefaultCacheVersion).Match("GET /news")
	require.NoError(t, err)
	assert.False(t, ok, "network responses are not written through")

	// a second request is again exactly one network call
	_, src, err = w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/news", nil))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, src)
	assert.Equal(t, 2, net.callCount())
}

func TestFetchReturnsNetworkStatusVerbatim(t *testing.T) {
	net := newTestNet(site(shellSite()))
	w, _ := activeWorker(t, testConfig(t, shellAssets), net)

	resp, src, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, src)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestFetchFailsWhenOfflineAndUncached(t *testing.T) {
	net := newTestNet(site(shellSite()))
	w, _ := activeWorker(t, testConfig(t, shellAssets), net)
	net.offline()

	_, _, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/news", nil))
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "GET /news", fe.Key)
	assert.ErrorIs(t, err, errUnreachable)
	assert.Equal(t, 1, net.callCount())
}

func TestFetchBeforeActivationUsesNetwork(t *testing.T) {
	net := newTestNet(site(shellSite()))
	w, _ := newTestWorker(t, testConfig(t, shellAssets), net)
	_, err := w.Install(context.Background())
	require.NoError(t, err)
	net.reset()

	_, src, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, src)
	assert.Equal(t, 1, net.callCount())
}

func TestFetchBypassRule(t *testing.T) {
	cfg := testConfig(t, shellAssets+`
rules:
  - match: PathPrefix(/css)
    bypass: true
`)
	net := newTestNet(site(shellSite()))
	w, _ := activeWorker(t, cfg, net)

	_, src, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/css/site.css", nil))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, src)
	assert.Equal(t, 1, net.callCount())
}

func TestFetchFindsOlderGenerationBeforeSweep(t *testing.T) {
	net := newTestNet(site(shellSite()))
	w, st := activeWorker(t, testConfig(t, shellAssets), net)

	b, err := encodeGob(Response{Status: http.StatusOK, Body: []byte("legacy")})
	require.NoError(t, err)
	require.NoError(t, st.Replace("cyborg-cats-v0", []KV{{Key: "GET /legacy", Value: b}}))

	resp, src, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/legacy", nil))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, src)
	assert.Equal(t, "legacy", string(resp.Body))
	assert.Zero(t, net.callCount())
}

func TestFetchIgnoresSyncQueueEntries(t *testing.T) {
	net := newTestNet(site(shellSite()))
	w, _ := activeWorker(t, testConfig(t, shellAssets), net)
	_, err := w.Enqueue(context.Background(), EnqueueRequest{URL: "/api/sync", Payload: []byte(`{}`)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	_, src, err := w.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, src)
}
