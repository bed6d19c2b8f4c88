package fieldsync

import (
	"fmt"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage struct {
		Path       string `yaml:"path"`
		MaxPayload string `yaml:"maxPayload"`

		maxPayloadBytes int64
	} `yaml:"storage"`

	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Transport struct {
		Timeout string            `yaml:"timeout"`
		Headers map[string]string `yaml:"headers"`

		timeoutDur time.Duration
	} `yaml:"transport"`

	Connectivity struct {
		ProbeURL   string `yaml:"probeURL"`
		ProbeEvery string `yaml:"probeEvery"`

		probeEveryDur time.Duration
	} `yaml:"connectivity"`

	Sync SyncConfig `yaml:"sync"`

	Cache struct {
		TTL           string      `yaml:"ttl"`
		StaleTime     string      `yaml:"staleTime"`
		FetchTimeout  string      `yaml:"fetchTimeout"`
		MaxBackground int         `yaml:"maxBackground"`
		Rules         []CacheRule `yaml:"rules"`

		defaults CacheConfig
	} `yaml:"cache"`

	Prefetch struct {
		InitialDelay string        `yaml:"initialDelay"`
		Every        string        `yaml:"every"`
		Keys         []PrefetchKey `yaml:"keys"`

		initialDelayDur time.Duration
		everyDur        time.Duration
	} `yaml:"prefetch"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

type SyncConfig struct {
	Every               string `yaml:"every"`
	RetryBase           string `yaml:"retryBase"`
	RetryMax            string `yaml:"retryMax"`
	MaxRetries          int    `yaml:"maxRetries"`
	DeadLetterPermanent *bool  `yaml:"deadLetterPermanent"`
	InvalidateAfterSync string `yaml:"invalidateAfterSync"`

	// Endpoints maps a record kind to "METHOD /path" (method defaults to
	// POST). "{id}" is replaced with the record id.
	Endpoints map[string]string `yaml:"endpoints"`

	everyDur       time.Duration
	policy         RetryPolicy
	invalidateRe   *regexp.Regexp
	endpointByKind map[Kind]endpointSpec
}

type endpointSpec struct {
	Method string
	Path   string
}

type PrefetchKey struct {
	Key      string `yaml:"key"`
	Endpoint string `yaml:"endpoint"`
}

// CacheRule gives keys matched by Match their own freshness windows.
type CacheRule struct {
	Match     string `yaml:"match"`
	Priority  int    `yaml:"priority"`
	TTL       string `yaml:"ttl"`
	StaleTime string `yaml:"staleTime"`

	// compiled
	matchers []keyPrefixMatcher
	ttlDur   time.Duration
	staleDur time.Duration
}

type keyPrefixMatcher struct{ Prefix string }

func (m keyPrefixMatcher) Match(key string) bool { return strings.HasPrefix(key, m.Prefix) }

// LoadConfig reads the YAML file at path and applies defaults.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/fieldsync"
	}
	if cfg.Storage.MaxPayload == "" {
		cfg.Storage.MaxPayload = "1mb"
	}
	n, err := parseBytes(cfg.Storage.MaxPayload)
	if err != nil {
		return Config{}, fmt.Errorf("storage.maxPayload: %w", err)
	}
	cfg.Storage.maxPayloadBytes = n

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	durs := []struct {
		name string
		in   string
		def  time.Duration
		out  *time.Duration
	}{
		{"transport.timeout", cfg.Transport.Timeout, 30 * time.Second, &cfg.Transport.timeoutDur},
		{"connectivity.probeEvery", cfg.Connectivity.ProbeEvery, 15 * time.Second, &cfg.Connectivity.probeEveryDur},
		{"sync.every", cfg.Sync.Every, 0, &cfg.Sync.everyDur},
		{"sync.retryBase", cfg.Sync.RetryBase, 2 * time.Second, &cfg.Sync.policy.Base},
		{"sync.retryMax", cfg.Sync.RetryMax, 5 * time.Minute, &cfg.Sync.policy.Max},
		{"cache.ttl", cfg.Cache.TTL, 5 * time.Minute, &cfg.Cache.defaults.TTL},
		{"cache.staleTime", cfg.Cache.StaleTime, time.Minute, &cfg.Cache.defaults.StaleTime},
		{"cache.fetchTimeout", cfg.Cache.FetchTimeout, defaultFetchTimeout, &cfg.Cache.defaults.FetchTimeout},
		{"prefetch.initialDelay", cfg.Prefetch.InitialDelay, 0, &cfg.Prefetch.initialDelayDur},
		{"prefetch.every", cfg.Prefetch.Every, 0, &cfg.Prefetch.everyDur},
		{"logging.logStatsEvery", cfg.Logging.LogStatsEvery, 0, &cfg.Logging.logStatsEveryDur},
	}
	for _, d := range durs {
		v, err := parseDurationDefault(d.in, d.def)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.out = v
	}
	if cfg.Cache.defaults.StaleTime >= cfg.Cache.defaults.TTL {
		return Config{}, fmt.Errorf("cache.staleTime (%s) must be below cache.ttl (%s)",
			cfg.Cache.defaults.StaleTime, cfg.Cache.defaults.TTL)
	}

	if cfg.Connectivity.ProbeURL == "" {
		cfg.Connectivity.ProbeURL = cfg.Server.Origin + "/"
	}

	if cfg.Sync.MaxRetries < 0 {
		return Config{}, fmt.Errorf("sync.maxRetries must not be negative")
	}
	cfg.Sync.policy.MaxRetries = cfg.Sync.MaxRetries
	cfg.Sync.policy.DeadLetterPermanent = cfg.Sync.DeadLetterPermanent == nil || *cfg.Sync.DeadLetterPermanent

	if cfg.Sync.InvalidateAfterSync == "" {
		cfg.Sync.InvalidateAfterSync = "^dashboard:"
	}
	re, err := regexp.Compile(cfg.Sync.InvalidateAfterSync)
	if err != nil {
		return Config{}, fmt.Errorf("sync.invalidateAfterSync: %w", err)
	}
	cfg.Sync.invalidateRe = re

	if len(cfg.Sync.Endpoints) == 0 {
		cfg.Sync.Endpoints = map[string]string{
			string(KindVisits): "POST /api/visits",
			string(KindOrders): "POST /api/orders",
		}
	}
	cfg.Sync.endpointByKind = map[Kind]endpointSpec{}
	for kind, raw := range cfg.Sync.Endpoints {
		if !validKind(Kind(kind)) {
			return Config{}, fmt.Errorf("sync.endpoints: invalid kind %q", kind)
		}
		spec, err := parseEndpoint(raw)
		if err != nil {
			return Config{}, fmt.Errorf("sync.endpoints[%s]: %w", kind, err)
		}
		cfg.Sync.endpointByKind[Kind(kind)] = spec
	}

	for i := range cfg.Cache.Rules {
		r := &cfg.Cache.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return Config{}, fmt.Errorf("cache.rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.ttlDur, err = parseDurationDefault(r.TTL, 0); err != nil {
			return Config{}, fmt.Errorf("cache.rules[%d].ttl: %w", i, err)
		}
		if r.staleDur, err = parseDurationDefault(r.StaleTime, 0); err != nil {
			return Config{}, fmt.Errorf("cache.rules[%d].staleTime: %w", i, err)
		}
		eff := mergeCacheConfig(cfg.Cache.defaults, r.config())
		if eff.StaleTime >= eff.TTL {
			return Config{}, fmt.Errorf("cache.rules[%d]: staleTime must be below ttl", i)
		}
	}
	sort.SliceStable(cfg.Cache.Rules, func(i, j int) bool {
		return cfg.Cache.Rules[i].Priority < cfg.Cache.Rules[j].Priority
	})

	for i, pk := range cfg.Prefetch.Keys {
		if strings.TrimSpace(pk.Key) == "" || strings.TrimSpace(pk.Endpoint) == "" {
			return Config{}, fmt.Errorf("prefetch.keys[%d]: key and endpoint are required", i)
		}
	}

	return cfg, nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseEndpoint(raw string) (endpointSpec, error) {
	fields := strings.Fields(raw)
	switch len(fields) {
	case 1:
		return endpointSpec{Method: http.MethodPost, Path: fields[0]}, nil
	case 2:
		m := strings.ToUpper(fields[0])
		if !validMethod(m) {
			return endpointSpec{}, fmt.Errorf("unsupported method %q", fields[0])
		}
		return endpointSpec{Method: m, Path: fields[1]}, nil
	}
	return endpointSpec{}, fmt.Errorf("expected \"METHOD /path\", got %q", raw)
}

func parseMatch(expr string) ([]keyPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	var out []keyPrefixMatcher
	for _, p := range strings.Split(expr, "|") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "KeyPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only KeyPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "KeyPrefix("), ")"))
		if inside == "" {
			return nil, fmt.Errorf("empty prefix in %q", p)
		}
		out = append(out, keyPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *CacheRule) Matches(key string) bool {
	for _, m := range r.matchers {
		if m.Match(key) {
			return true
		}
	}
	return false
}

func (r *CacheRule) config() CacheConfig {
	return CacheConfig{TTL: r.ttlDur, StaleTime: r.staleDur}
}
