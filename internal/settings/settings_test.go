package settings_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/dispatchq/internal/datastore"
	"github.com/snehjoshi/dispatchq/internal/reactive"
	"github.com/snehjoshi/dispatchq/internal/settings"
	"github.com/snehjoshi/dispatchq/internal/storage/memory"
	"github.com/snehjoshi/dispatchq/internal/types"
)

func mustJSON(t *testing.T, s string) types.DataObject {
	t.Helper()
	d, err := types.DataObjectFromJSON([]byte(s))
	require.NoError(t, err)
	return d
}

// ---- Merge / decode ---------------------------------------------------------

func TestMerge_PrecedenceAndNesting(t *testing.T) {
	local := mustJSON(t, `{"core":{"max_queue_size":10,"log_level":"debug"},"modules":{"a":{"enabled":true,"configuration":{"x":1,"y":2}}}}`)
	remote := mustJSON(t, `{"core":{"max_queue_size":20},"modules":{"a":{"configuration":{"y":3}}}}`)
	enforced := mustJSON(t, `{"core":{"max_queue_size":30}}`)

	merged, err := settings.Merge(local, remote, nil, enforced)
	require.NoError(t, err)

	s, err := settings.FromDataObject(merged)
	require.NoError(t, err)
	assert.Equal(t, 30, s.Core.MaxQueueSize, "enforced wins")
	assert.Equal(t, "debug", s.Core.LogLevel, "untouched local key survives")

	cfg := s.Modules["a"].Configuration
	x, _ := cfg.GetInt("x")
	y, _ := cfg.GetInt("y")
	assert.Equal(t, int64(1), x)
	assert.Equal(t, int64(3), y, "remote overrides nested key")
}

func TestMerge_NullRemovesKey(t *testing.T) {
	merged, err := settings.Merge(
		mustJSON(t, `{"barriers":{"BatchingBarrier":{"configuration":{"batch_size":5}}}}`),
		mustJSON(t, `{"barriers":{"BatchingBarrier":null}}`),
	)
	require.NoError(t, err)
	barriers, _ := merged.GetObject("barriers")
	assert.NotContains(t, barriers, "BatchingBarrier")
}

func TestFromDataObject_DefaultsAndSections(t *testing.T) {
	s, err := settings.FromDataObject(nil)
	require.NoError(t, err)
	assert.Equal(t, settings.Default(), s)
	assert.Equal(t, 24*time.Hour, s.Core.Expiration())
	assert.Equal(t, 15*time.Minute, s.Core.RefreshInterval())

	s, err = settings.FromDataObject(mustJSON(t, `{
		"core": {"refresh_interval": 1, "expiration": 60},
		"modules": {"hook": {"module_type": "webhook", "enabled": false}, "trace": {"module_type": "trace"}},
		"barriers": {"BatchingBarrier": {"scopes": ["all", "hook"], "configuration": {"batch_size": 3}}},
		"consent": {"cmp": {"tealium_purpose_id": "tealium", "purposes": {"p": {"purpose_id": "p", "dispatcher_ids": ["hook"]}}}},
		"transformations": {"patch-strip": {"transformer_id": "patch", "scopes": ["aftercollectors", "hook"]}}
	}`))
	require.NoError(t, err)

	assert.Equal(t, settings.MinRefreshInterval, s.Core.RefreshInterval(), "clamped")
	assert.Equal(t, time.Minute, s.Core.Expiration())
	assert.False(t, s.Modules["hook"].IsEnabled())
	assert.True(t, s.Modules["trace"].IsEnabled(), "enabled by default")

	b := s.Barriers["BatchingBarrier"]
	assert.Equal(t, []types.BarrierScope{types.ScopeAll, types.ScopeDispatcher("hook")}, b.Scopes)

	assert.Equal(t, "tealium", s.Consent["cmp"].TealiumPurposeID)
	assert.Equal(t, []string{"hook"}, s.Consent["cmp"].Purposes["p"].DispatcherIDs)

	tr := s.Transformations["patch-strip"]
	assert.Equal(t, "patch-strip", tr.ID, "id defaults to the map key")
	assert.True(t, tr.AppliesAfterCollectors())
	assert.True(t, tr.AppliesToDispatcher("hook"))
	assert.False(t, tr.AppliesToDispatcher("other"))
}

func TestModuleDocument(t *testing.T) {
	enabled := false
	doc := settings.ModuleDocument("hook", settings.ModuleSettings{ModuleType: "webhook", Enabled: &enabled})
	s, err := settings.FromDataObject(doc)
	require.NoError(t, err)
	assert.Equal(t, "webhook", s.Modules["hook"].ModuleType)
	assert.False(t, s.Modules["hook"].IsEnabled())
}

// ---- LoadFile ---------------------------------------------------------------

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	doc, err := settings.LoadFile(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Nil(t, doc)

	yamlPath := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("core:\n  max_queue_size: 42\nmodules:\n  trace:\n    module_type: trace\n"), 0o644))
	doc, err = settings.LoadFile(yamlPath)
	require.NoError(t, err)
	s, err := settings.FromDataObject(doc)
	require.NoError(t, err)
	assert.Equal(t, 42, s.Core.MaxQueueSize)
	assert.Equal(t, "trace", s.Modules["trace"].ModuleType)

	jsonPath := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"core":{"max_queue_size":7}}`), 0o644))
	doc, err = settings.LoadFile(jsonPath)
	require.NoError(t, err)
	n, _ := doc["core"].(map[string]any)["max_queue_size"]
	assert.NotNil(t, n)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("core: [unclosed"), 0o644))
	_, err = settings.LoadFile(bad)
	assert.Error(t, err)
}

// ---- RemoteSource -----------------------------------------------------------

type settingsServer struct {
	mu       sync.Mutex
	body     string
	etag     string
	requests atomic.Int32
	lastINM  string
}

func (s *settingsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastINM = r.Header.Get("If-None-Match")
	if s.lastINM != "" && s.lastINM == s.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", s.etag)
	_, _ = w.Write([]byte(s.body))
}

func (s *settingsServer) set(body, etag string) {
	s.mu.Lock()
	s.body, s.etag = body, etag
	s.mu.Unlock()
}

func newCacheStore(t *testing.T) *datastore.DataStore {
	t.Helper()
	p := datastore.NewStoreProvider(memory.New())
	t.Cleanup(func() { _ = p.Close() })
	s, err := p.ModuleStore("settings")
	require.NoError(t, err)
	return s
}

func TestRemoteSource_ConditionalFetchAndCache(t *testing.T) {
	srv := &settingsServer{}
	srv.set(`{"core":{"max_queue_size":5}}`, `"v1"`)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	cache := newCacheStore(t)

	r := settings.NewRemoteSource(ts.URL, settings.WithCache(cache))
	assert.Nil(t, r.Cached())

	doc, changed, err := r.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotNil(t, doc)

	_, changed, err = r.Fetch(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, `"v1"`, srv.lastINM)

	// A second source over the same cache starts from the cached document
	// and revalidates with its ETag.
	r2 := settings.NewRemoteSource(ts.URL, settings.WithCache(cache))
	require.NotNil(t, r2.Cached())
	_, changed, err = r2.Fetch(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	srv.set(`{"core":{"max_queue_size":6}}`, `"v2"`)
	_, changed, err = r2.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestRemoteSource_UnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	_, _, err := settings.NewRemoteSource(ts.URL).Fetch(context.Background())
	assert.ErrorIs(t, err, settings.ErrUnexpectedStatus)
}

// ---- Manager ----------------------------------------------------------------

func TestManager_PublishesOnlyChanges(t *testing.T) {
	srv := &settingsServer{}
	srv.set(`{"core":{"max_queue_size":5}}`, `"v1"`)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	m := settings.NewManager(
		mustJSON(t, `{"core":{"max_queue_size":1,"log_level":"debug"}}`),
		mustJSON(t, `{"core":{"log_level":"warn"}}`),
		settings.WithRemote(settings.NewRemoteSource(ts.URL)),
	)
	assert.Equal(t, 1, m.Current().Core.MaxQueueSize)

	var sizes []int
	m.Core().Subscribe(func(c settings.CoreSettings) { sizes = append(sizes, c.MaxQueueSize) })

	require.NoError(t, m.Refresh(context.Background()))
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, []int{1, 5}, sizes)
	assert.Equal(t, "warn", m.Current().Core.LogLevel, "enforced wins over every layer")

	require.NoError(t, m.SetLocal(mustJSON(t, `{"core":{"max_queue_size":2,"log_level":"debug"}}`)))
	assert.Equal(t, []int{1, 5}, sizes, "remote still overrides the new local value")

	srv.set(`{}`, `"v2"`)
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, []int{1, 5, 2}, sizes)
}

func TestManager_SectionsFollowSettings(t *testing.T) {
	m := settings.NewManager(nil, nil)
	barriers := m.Barriers()
	consent := m.Consent()
	assert.Empty(t, barriers.Value())

	require.NoError(t, m.SetEnforced(mustJSON(t, `{
		"barriers": {"ConnectivityBarrier": {"configuration": {"wifi_only": true}}},
		"consent": {"cmp": {"tealium_purpose_id": "t"}}
	}`)))
	wifiOnly, _ := barriers.Value()["ConnectivityBarrier"].Configuration.GetBool("wifi_only")
	assert.True(t, wifiOnly)
	assert.Equal(t, "t", consent.Value()["cmp"].TealiumPurposeID)
}

func TestManager_RefreshWithoutRemoteIsNoop(t *testing.T) {
	m := settings.NewManager(nil, nil)
	assert.NoError(t, m.Refresh(context.Background()))
	assert.True(t, m.StartRefresh(nil).IsDisposed())
}

func TestManager_FailedRefreshRetriesBeforeInterval(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"core":{"max_queue_size":5}}`))
	}))
	t.Cleanup(ts.Close)

	m := settings.NewManager(nil, nil,
		settings.WithRemote(settings.NewRemoteSource(ts.URL)),
		settings.WithRefreshRetry(10*time.Millisecond),
	)
	sched := reactive.NewSerialScheduler("settings")
	t.Cleanup(sched.Close)
	refresh := m.StartRefresh(sched)
	t.Cleanup(refresh.Dispose)

	require.Eventually(t, func() bool { return m.Current().Core.MaxQueueSize == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}
