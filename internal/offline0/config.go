package offline0

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCacheVersion = "cyborg-cats-v1"
	DefaultSyncQueue    = "cyborg-cats-sync-queue"
	DefaultSyncTag      = "background-sync"
	DefaultSyncEndpoint = "/api/sync"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" validate:"gte=1,lte=65535"`
		Origin string `yaml:"origin" validate:"required,url"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		Memo struct {
			Entries int `yaml:"entries"`
		} `yaml:"memo"`
	} `yaml:"storage"`

	Cache struct {
		Version   string `yaml:"version"`
		SyncQueue string `yaml:"syncQueue"`
	} `yaml:"cache"`

	Precache struct {
		Assets      []string `yaml:"assets"`
		Sitemaps    []string `yaml:"sitemaps"`
		Concurrency int      `yaml:"concurrency" validate:"gte=1"`
	} `yaml:"precache"`

	Install struct {
		RetryFor string `yaml:"retryFor"`

		retryForDur time.Duration
	} `yaml:"install"`

	Sync SyncConfig `yaml:"sync"`

	Logging struct {
		Level      string `yaml:"level" validate:"oneof=debug info warn warning error DEBUG INFO WARN ERROR"`
		Format     string `yaml:"format" validate:"oneof=text json"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type SyncConfig struct {
	Tag         string `yaml:"tag"`
	Endpoint    string `yaml:"endpoint"`
	Every       string `yaml:"every"`
	Concurrency int    `yaml:"concurrency" validate:"gte=1"`
	MaxPayload  string `yaml:"maxPayload"`
	MaxAttempts int    `yaml:"maxAttempts" validate:"gte=0"`
	Malformed   string `yaml:"malformed" validate:"oneof=drop keep"`
	Backoff     struct {
		Initial string `yaml:"initial"`
		Max     string `yaml:"max"`
	} `yaml:"backoff"`

	// compiled
	everyDur      time.Duration
	maxPayloadN   int64
	backoffInit   time.Duration
	backoffMaxDur time.Duration
}

type Rule struct {
	Match    string `yaml:"match" validate:"required"`
	Priority int    `yaml:"priority"`
	// Bypass rules are never answered from cache.
	Bypass bool `yaml:"bypass"`
	// Queue rules turn failed non-GET writes into sync queue items.
	Queue bool `yaml:"queue"`

	// compiled
	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies defaults and compiles rules and durations.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.Memo.Entries == 0 {
		cfg.Storage.Memo.Entries = 512
	}

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = DefaultCacheVersion
	}
	if cfg.Cache.SyncQueue == "" {
		cfg.Cache.SyncQueue = DefaultSyncQueue
	}
	if err := validCacheName(cfg.Cache.Version); err != nil {
		return fmt.Errorf("cache.version: %w", err)
	}
	if err := validCacheName(cfg.Cache.SyncQueue); err != nil {
		return fmt.Errorf("cache.syncQueue: %w", err)
	}
	if cfg.Cache.Version == cfg.Cache.SyncQueue {
		return fmt.Errorf("cache.syncQueue must differ from cache.version %q", cfg.Cache.Version)
	}

	if cfg.Precache.Concurrency <= 0 {
		cfg.Precache.Concurrency = 8
	}

	if cfg.Install.RetryFor != "" {
		d, err := time.ParseDuration(cfg.Install.RetryFor)
		if err != nil {
			return fmt.Errorf("install.retryFor: %w", err)
		}
		cfg.Install.retryForDur = d
	}

	if err := cfg.Sync.normalize(); err != nil {
		return err
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// cache keys carry no host, so every asset must live on the origin
	for i, a := range cfg.Precache.Assets {
		a = strings.TrimSpace(a)
		if a == "" {
			return fmt.Errorf("precache.assets[%d]: empty url", i)
		}
		if isAbsoluteURL(a) && !sameOrigin(cfg.Server.Origin, a) {
			return fmt.Errorf("precache.assets[%d]: %q is not on server.origin %s", i, a, cfg.Server.Origin)
		}
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

func (sc *SyncConfig) normalize() error {
	if sc.Tag == "" {
		sc.Tag = DefaultSyncTag
	}
	if sc.Endpoint == "" {
		sc.Endpoint = DefaultSyncEndpoint
	}
	if sc.Concurrency <= 0 {
		sc.Concurrency = 8
	}
	if sc.Malformed == "" {
		sc.Malformed = "drop"
	}
	if sc.MaxPayload == "" {
		sc.MaxPayload = "1mb"
	}
	n, err := parseBytes(sc.MaxPayload)
	if err != nil {
		return fmt.Errorf("sync.maxPayload: %w", err)
	}
	sc.maxPayloadN = n

	durs := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"sync.every", sc.Every, &sc.everyDur},
		{"sync.backoff.initial", sc.Backoff.Initial, &sc.backoffInit},
		{"sync.backoff.max", sc.Backoff.Max, &sc.backoffMaxDur},
	}
	for _, d := range durs {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	if sc.backoffMaxDur == 0 && sc.backoffInit > 0 {
		sc.backoffMaxDur = 10 * time.Minute
	}
	return nil
}

func validCacheName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty cache name")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("cache name %q contains NUL", name)
	}
	return nil
}

func isAbsoluteURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// sameOrigin reports whether rawURL has the scheme and host of origin.
func sameOrigin(origin, rawURL string) bool {
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(o.Scheme, u.Scheme) && strings.EqualFold(o.Host, u.Host)
}

// parseMatch compiles "PathPrefix(/a)|PathPrefix(/b)" into prefix matchers.
func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	var out []pathPrefixMatcher
	for _, term := range strings.Split(expr, "|") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		rest, ok := strings.CutPrefix(term, "PathPrefix(")
		if !ok {
			return nil, fmt.Errorf("%q: unsupported matcher %q, want PathPrefix(...)", expr, term)
		}
		prefix, ok := strings.CutSuffix(rest, ")")
		if !ok {
			return nil, fmt.Errorf("%q: unclosed matcher %q", expr, term)
		}
		prefix = strings.TrimSpace(prefix)
		if !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("%q: prefix %q must start with /", expr, prefix)
		}
		out = append(out, pathPrefixMatcher{Prefix: prefix})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%q: no matchers", expr)
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	return slices.ContainsFunc(r.matchers, func(m pathPrefixMatcher) bool { return m.Match(path) })
}

func (cfg *Config) pickRule(path string) *Rule {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}
