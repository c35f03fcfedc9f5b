package offline0

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: http://origin.test/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://origin.test", cfg.Server.Origin)
	assert.Equal(t, DefaultCacheVersion, cfg.Cache.Version)
	assert.Equal(t, DefaultSyncQueue, cfg.Cache.SyncQueue)
	assert.Equal(t, DefaultSyncTag, cfg.Sync.Tag)
	assert.Equal(t, DefaultSyncEndpoint, cfg.Sync.Endpoint)
	assert.Equal(t, "drop", cfg.Sync.Malformed)
	assert.Equal(t, int64(1<<20), cfg.Sync.maxPayloadN)
	assert.Equal(t, 8, cfg.Precache.Concurrency)
	assert.Equal(t, 8, cfg.Sync.Concurrency)
	assert.Zero(t, cfg.Sync.MaxAttempts)
	assert.Zero(t, cfg.Sync.backoffInit)
}

func TestParseConfigFull(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  port: 9090
  origin: https://cyborgcats.example
cache:
  version: cyborg-cats-v2
precache:
  assets: ["/", "/about"]
install:
  retryFor: 2m
sync:
  every: 30s
  maxPayload: 64kb
  maxAttempts: 5
  malformed: keep
  backoff:
    initial: 1s
logging:
  statsEvery: 1m
rules:
  - match: PathPrefix(/api/forms)
    queue: true
    priority: 2
  - match: PathPrefix(/api)|PathPrefix(/admin)
    bypass: true
    priority: 1
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "cyborg-cats-v2", cfg.Cache.Version)
	assert.Equal(t, []string{"/", "/about"}, cfg.Precache.Assets)
	assert.Equal(t, 2*time.Minute, cfg.Install.retryForDur)
	assert.Equal(t, 30*time.Second, cfg.Sync.everyDur)
	assert.Equal(t, int64(64<<10), cfg.Sync.maxPayloadN)
	assert.Equal(t, "keep", cfg.Sync.Malformed)
	assert.Equal(t, time.Second, cfg.Sync.backoffInit)
	assert.Equal(t, 10*time.Minute, cfg.Sync.backoffMaxDur, "max defaults when backoff is on")
	assert.Equal(t, time.Minute, cfg.Logging.statsEveryDur)

	require.Len(t, cfg.Rules, 2)
	assert.True(t, cfg.Rules[0].Bypass, "rules sorted by priority")

	r := cfg.pickRule("/admin/photos")
	require.NotNil(t, r)
	assert.True(t, r.Bypass)
	// /api matches the bypass rule first since it has the lower priority
	r = cfg.pickRule("/api/forms/contact")
	require.NotNil(t, r)
	assert.True(t, r.Bypass)
	assert.Nil(t, cfg.pickRule("/about"))
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing origin", "server: {port: 1}\n"},
		{"same cache names", "server: {origin: http://o}\ncache: {version: a, syncQueue: a}\n"},
		{"bad rule", "server: {origin: http://o}\nrules: [{match: Host(x)}]\n"},
		{"relative prefix", "server: {origin: http://o}\nrules: [{match: PathPrefix(api)}]\n"},
		{"bad every", "server: {origin: http://o}\nsync: {every: soon}\n"},
		{"bad malformed policy", "server: {origin: http://o}\nsync: {malformed: retry}\n"},
		{"negative attempts", "server: {origin: http://o}\nsync: {maxAttempts: -1}\n"},
		{"bad payload size", "server: {origin: http://o}\nsync: {maxPayload: lots}\n"},
		{"empty asset", "server: {origin: http://o}\nprecache: {assets: ['']}\n"},
		{"off-origin asset", "server: {origin: http://o}\nprecache: {assets: ['https://cdn.example.com/about']}\n"},
		{"other scheme asset", "server: {origin: http://o}\nprecache: {assets: ['https://o/about']}\n"},
		{"bad retryFor", "server: {origin: http://o}\ninstall: {retryFor: '5'}\n"},
		{"port out of range", "server: {origin: http://o, port: 70000}\n"},
		{"origin not a url", "server: {origin: origin.test}\n"},
		{"bad log format", "server: {origin: http://o}\nlogging: {format: xml}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseMatch(t *testing.T) {
	ms, err := parseMatch(" PathPrefix(/api) | PathPrefix( /admin ) ")
	require.NoError(t, err)
	assert.Equal(t, []pathPrefixMatcher{{Prefix: "/api"}, {Prefix: "/admin"}}, ms)

	_, err = parseMatch("PathPrefix(/api)|Host(cdn)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"PathPrefix(/api)|Host(cdn)"`)

	_, err = parseMatch("PathPrefix(/api")
	assert.Error(t, err)
	_, err = parseMatch(" | ")
	assert.Error(t, err)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline0.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  origin: http://o\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://o", cfg.Server.Origin)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"512b", 512},
		{"64kb", 64 << 10},
		{"64K", 64 << 10},
		{"1.5mb", 3 << 19},
		{"2g", 2 << 30},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "kb", "-1mb", "ten"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "12b", formatBytes(12))
	assert.Equal(t, "2kb", formatBytes(2048))
	assert.Equal(t, "1.5mb", formatBytes(3<<19))
	assert.Equal(t, "3gb", formatBytes(3<<30))
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "offline0.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Sync.everyDur)
	assert.Equal(t, 10*time.Minute, cfg.Install.retryForDur)

	r := cfg.pickRule("/api/forms/contact")
	require.NotNil(t, r)
	assert.True(t, r.Queue)
}
