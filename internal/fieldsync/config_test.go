package fieldsync

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := LoadConfig("../../fieldsync.example.yaml")
	require.NoError(t, err)

	assert.Equal(t, "https://crm.example.com", cfg.Server.Origin)
	assert.Equal(t, int64(mib), cfg.Storage.maxPayloadBytes)
	assert.Equal(t, 20*time.Second, cfg.Transport.timeoutDur)
	assert.Equal(t, "fieldsync", cfg.Transport.Headers["X-Client"])
	assert.Equal(t, 15*time.Second, cfg.Connectivity.probeEveryDur)
	assert.Equal(t, time.Minute, cfg.Sync.everyDur)
	assert.Equal(t, RetryPolicy{Base: 2 * time.Second, Max: 5 * time.Minute, DeadLetterPermanent: true}, cfg.Sync.policy)
	assert.Equal(t, CacheConfig{TTL: 5 * time.Minute, StaleTime: time.Minute, FetchTimeout: 15 * time.Second}, cfg.Cache.defaults)
	assert.Equal(t, 5*time.Second, cfg.Prefetch.initialDelayDur)
	assert.Len(t, cfg.Prefetch.Keys, 2)

	require.Len(t, cfg.Cache.Rules, 2)
	assert.True(t, cfg.Cache.Rules[0].Matches("dashboard:summary"))
	assert.True(t, cfg.Cache.Rules[1].Matches("customers:c-1"))
	assert.False(t, cfg.Cache.Rules[1].Matches("orders:recent"))
	assert.Equal(t, endpointSpec{Method: http.MethodPost, Path: "/api/orders"}, cfg.Sync.endpointByKind[KindOrders])
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: http://localhost:9000/\n"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9000", cfg.Server.Origin)
	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, "./data/fieldsync", cfg.Storage.Path)
	assert.Equal(t, "http://localhost:9000/", cfg.Connectivity.ProbeURL)
	assert.Equal(t, 15*time.Second, cfg.Connectivity.probeEveryDur)
	assert.Zero(t, cfg.Sync.everyDur)
	assert.True(t, cfg.Sync.policy.DeadLetterPermanent)
	assert.True(t, cfg.Sync.invalidateRe.MatchString("dashboard:kpi"))
	assert.Len(t, cfg.Sync.endpointByKind, 2)
	assert.Equal(t, defaultFetchTimeout, cfg.Cache.defaults.FetchTimeout)
}

func TestParseConfigRulePriority(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: http://o
sync:
  deadLetterPermanent: false
  endpoints:
    visits: PUT /api/visits/{id}
    expenses: /api/expenses
cache:
  rules:
    - match: KeyPrefix(b)
      priority: 5
    - match: KeyPrefix(a)
      priority: 1
      staleTime: 10s
`))
	require.NoError(t, err)

	require.Len(t, cfg.Cache.Rules, 2)
	assert.Equal(t, "KeyPrefix(a)", cfg.Cache.Rules[0].Match)
	assert.Equal(t, 10*time.Second, cfg.Cache.Rules[0].staleDur)
	assert.False(t, cfg.Sync.policy.DeadLetterPermanent)
	assert.Equal(t, endpointSpec{Method: http.MethodPut, Path: "/api/visits/{id}"}, cfg.Sync.endpointByKind[KindVisits])
	assert.Equal(t, endpointSpec{Method: http.MethodPost, Path: "/api/expenses"}, cfg.Sync.endpointByKind["expenses"])
	_, ok := cfg.Sync.endpointByKind[KindOrders]
	assert.False(t, ok, "explicit endpoints replace the defaults")
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"missing origin":       "storage:\n  path: /tmp/x\n",
		"stale above ttl":      "server: {origin: http://o}\ncache: {ttl: 1m, staleTime: 2m}\n",
		"rule stale too long":  "server: {origin: http://o}\ncache:\n  rules:\n    - {match: KeyPrefix(a), staleTime: 10m}\n",
		"bad match":            "server: {origin: http://o}\ncache:\n  rules:\n    - {match: Prefix(a)}\n",
		"bad method":           "server: {origin: http://o}\nsync:\n  endpoints: {orders: GET /api/orders}\n",
		"bad kind":             "server: {origin: http://o}\nsync:\n  endpoints: {\"a:b\": /x}\n",
		"negative duration":    "server: {origin: http://o}\nsync: {retryBase: -1s}\n",
		"bad regexp":           "server: {origin: http://o}\nsync: {invalidateAfterSync: \"(\"}\n",
		"bad size":             "server: {origin: http://o}\nstorage: {maxPayload: lots}\n",
		"negative retries":     "server: {origin: http://o}\nsync: {maxRetries: -1}\n",
		"prefetch no endpoint": "server: {origin: http://o}\nprefetch:\n  keys:\n    - {key: a}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":    512,
		"64kb":   64 * kib,
		"1.5m":   mib + mib/2,
		"2 GB":   2 * gib,
		" 10b ":  10,
		"0":      0,
		"1mb":    mib,
		"0.5 kb": 512,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "mb", "-1kb", "ten"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "900b", formatBytes(900))
	assert.Equal(t, "1kb", formatBytes(kib))
	assert.Equal(t, "1.5mb", formatBytes(mib+mib/2))
	assert.Equal(t, "3gb", formatBytes(3*gib))
}
